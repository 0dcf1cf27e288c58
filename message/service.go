package message

import (
	"bufio"
)

import (
	"github.com/swarmkv/swarmkv/serializer"
)

// database operation verbs replicated through consensus
type DatabaseOp byte

const (
	DB_CREATE = DatabaseOp(1)
	DB_READ   = DatabaseOp(2)
	DB_UPDATE = DatabaseOp(3)
	DB_DELETE = DatabaseOp(4)
	DB_HAS    = DatabaseOp(5)
	DB_KEYS   = DatabaseOp(6)
)

// a client request against the replicated store, or the reply to one
type Database struct {
	Op    DatabaseOp
	Key   string
	Value []byte

	// reply fields
	Response bool
	Keys     []string
	Exists   bool
	Error    string
}

func (m *Database) GetType() PayloadType { return DATABASE }

func (m *Database) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint8(buf, byte(m.Op)); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, m.Key); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, m.Value); err != nil {
		return err
	}
	if err := serializer.WriteFieldBool(buf, m.Response); err != nil {
		return err
	}
	if err := serializer.WriteFieldStringList(buf, m.Keys); err != nil {
		return err
	}
	if err := serializer.WriteFieldBool(buf, m.Exists); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, m.Error)
}

func (m *Database) Deserialize(buf *bufio.Reader) error {
	op, err := serializer.ReadFieldUint8(buf)
	if err != nil {
		return err
	}
	m.Op = DatabaseOp(op)
	if m.Key, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if m.Value, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	if m.Response, err = serializer.ReadFieldBool(buf); err != nil {
		return err
	}
	if m.Keys, err = serializer.ReadFieldStringList(buf); err != nil {
		return err
	}
	if m.Exists, err = serializer.ReadFieldBool(buf); err != nil {
		return err
	}
	m.Error, err = serializer.ReadFieldString(buf)
	return err
}

// membership change requests. The whitelist token is checked when peer
// validation is enabled
type Join struct {
	Host           string
	Port           uint64
	Uuid           string
	WhitelistToken []byte
}

func (m *Join) GetType() PayloadType { return JOIN }

func (m *Join) Serialize(buf *bufio.Writer) error {
	return serializeMembershipChange(buf, m.Host, m.Port, m.Uuid, m.WhitelistToken)
}

func (m *Join) Deserialize(buf *bufio.Reader) error {
	var err error
	m.Host, m.Port, m.Uuid, m.WhitelistToken, err = deserializeMembershipChange(buf)
	return err
}

type Leave struct {
	Host           string
	Port           uint64
	Uuid           string
	WhitelistToken []byte
}

func (m *Leave) GetType() PayloadType { return LEAVE }

func (m *Leave) Serialize(buf *bufio.Writer) error {
	return serializeMembershipChange(buf, m.Host, m.Port, m.Uuid, m.WhitelistToken)
}

func (m *Leave) Deserialize(buf *bufio.Reader) error {
	var err error
	m.Host, m.Port, m.Uuid, m.WhitelistToken, err = deserializeMembershipChange(buf)
	return err
}

func serializeMembershipChange(buf *bufio.Writer, host string, port uint64, uuid string, token []byte) error {
	if err := serializer.WriteFieldString(buf, host); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, port); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, uuid); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, token)
}

func deserializeMembershipChange(buf *bufio.Reader) (host string, port uint64, uuid string, token []byte, err error) {
	if host, err = serializer.ReadFieldString(buf); err != nil {
		return
	}
	if port, err = serializer.ReadFieldUint64(buf); err != nil {
		return
	}
	if uuid, err = serializer.ReadFieldString(buf); err != nil {
		return
	}
	token, err = serializer.ReadFieldBytes(buf)
	return
}

type AuditKind byte

const (
	AUDIT_COMMIT_NOTIFICATION = AuditKind(1)
	AUDIT_LEADER_STATUS       = AuditKind(2)
)

// consensus diagnostic message. Never affects protocol decisions
type Audit struct {
	Kind AuditKind

	// commit notification fields
	Sequence      uint64
	OperationHash string

	// leader status fields
	View uint64
	Uuid string
}

func (m *Audit) GetType() PayloadType { return AUDIT }

func (m *Audit) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint8(buf, byte(m.Kind)); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, m.Sequence); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, m.OperationHash); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, m.View); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, m.Uuid)
}

func (m *Audit) Deserialize(buf *bufio.Reader) error {
	kind, err := serializer.ReadFieldUint8(buf)
	if err != nil {
		return err
	}
	m.Kind = AuditKind(kind)
	if m.Sequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.OperationHash, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if m.View, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	m.Uuid, err = serializer.ReadFieldString(buf)
	return err
}

type StatusRequest struct{}

func (m *StatusRequest) GetType() PayloadType { return STATUS_REQUEST }

func (m *StatusRequest) Serialize(_ *bufio.Writer) error { return nil }

func (m *StatusRequest) Deserialize(_ *bufio.Reader) error { return nil }

type StatusResponse struct {
	View          uint64
	Primary       string
	LastCommitted uint64
	LastExecuted  uint64
	Outstanding   uint64
}

func (m *StatusResponse) GetType() PayloadType { return STATUS_RESPONSE }

func (m *StatusResponse) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, m.View); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, m.Primary); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, m.LastCommitted); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, m.LastExecuted); err != nil {
		return err
	}
	return serializer.WriteFieldUint64(buf, m.Outstanding)
}

func (m *StatusResponse) Deserialize(buf *bufio.Reader) error {
	var err error
	if m.View, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.Primary, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if m.LastCommitted, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.LastExecuted, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	m.Outstanding, err = serializer.ReadFieldUint64(buf)
	return err
}

// asks a peer for the service state snapshot at a stable checkpoint
type CheckpointRequest struct {
	Sequence uint64
}

func (m *CheckpointRequest) GetType() PayloadType { return CHECKPOINT_REQUEST }

func (m *CheckpointRequest) Serialize(buf *bufio.Writer) error {
	return serializer.WriteFieldUint64(buf, m.Sequence)
}

func (m *CheckpointRequest) Deserialize(buf *bufio.Reader) error {
	var err error
	m.Sequence, err = serializer.ReadFieldUint64(buf)
	return err
}

// carries a service state snapshot for installation by a lagging replica
type StateResponse struct {
	Sequence  uint64
	StateHash string
	State     []byte
}

func (m *StateResponse) GetType() PayloadType { return STATE_RESPONSE }

func (m *StateResponse) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, m.Sequence); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, m.StateHash); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, m.State)
}

func (m *StateResponse) Deserialize(buf *bufio.Reader) error {
	var err error
	if m.Sequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.StateHash, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	m.State, err = serializer.ReadFieldBytes(buf)
	return err
}
