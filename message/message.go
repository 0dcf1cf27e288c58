/*
Wire messages exchanged between swarm members and clients.

Every message travels inside an Envelope: a signed, timestamped wrapper
identifying the sender. Envelopes nest; a pre-prepare carries the client's
request envelope, and view change messages carry whole sets of envelopes
as proof material.
 */
package message

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

import (
	"github.com/swarmkv/swarmkv/serializer"
)

type PayloadType byte

const (
	PRE_PREPARE        = PayloadType(1)
	PREPARE            = PayloadType(2)
	COMMIT             = PayloadType(3)
	CHECKPOINT         = PayloadType(4)
	VIEWCHANGE         = PayloadType(5)
	NEWVIEW            = PayloadType(6)
	JOIN               = PayloadType(7)
	LEAVE              = PayloadType(8)
	DATABASE           = PayloadType(9)
	AUDIT              = PayloadType(10)
	STATUS_REQUEST     = PayloadType(11)
	STATUS_RESPONSE    = PayloadType(12)
	CHECKPOINT_REQUEST = PayloadType(13)
	STATE_RESPONSE     = PayloadType(14)
)

func (t PayloadType) String() string {
	switch t {
	case PRE_PREPARE:
		return "PRE_PREPARE"
	case PREPARE:
		return "PREPARE"
	case COMMIT:
		return "COMMIT"
	case CHECKPOINT:
		return "CHECKPOINT"
	case VIEWCHANGE:
		return "VIEWCHANGE"
	case NEWVIEW:
		return "NEWVIEW"
	case JOIN:
		return "JOIN"
	case LEAVE:
		return "LEAVE"
	case DATABASE:
		return "DATABASE"
	case AUDIT:
		return "AUDIT"
	case STATUS_REQUEST:
		return "STATUS_REQUEST"
	case STATUS_RESPONSE:
		return "STATUS_RESPONSE"
	case CHECKPOINT_REQUEST:
		return "CHECKPOINT_REQUEST"
	case STATE_RESPONSE:
		return "STATE_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%v)", byte(t))
	}
}

type Payload interface {
	GetType() PayloadType

	Serialize(buf *bufio.Writer) error
	Deserialize(buf *bufio.Reader) error
}

// constructors for deserializing payloads by type tag
var payloadConstructors = map[PayloadType]func() Payload{
	PRE_PREPARE:        func() Payload { return &PrePrepare{} },
	PREPARE:            func() Payload { return &Prepare{} },
	COMMIT:             func() Payload { return &Commit{} },
	CHECKPOINT:         func() Payload { return &Checkpoint{} },
	VIEWCHANGE:         func() Payload { return &ViewChange{} },
	NEWVIEW:            func() Payload { return &NewView{} },
	JOIN:               func() Payload { return &Join{} },
	LEAVE:              func() Payload { return &Leave{} },
	DATABASE:           func() Payload { return &Database{} },
	AUDIT:              func() Payload { return &Audit{} },
	STATUS_REQUEST:     func() Payload { return &StatusRequest{} },
	STATUS_RESPONSE:    func() Payload { return &StatusResponse{} },
	CHECKPOINT_REQUEST: func() Payload { return &CheckpointRequest{} },
	STATE_RESPONSE:     func() Payload { return &StateResponse{} },
}

// the wire unit. Signature covers the canonical serialization of all
// other fields (see SigningBytes)
type Envelope struct {
	Sender    string
	Timestamp int64
	Signature []byte
	Payload   Payload
}

// serializes the envelope contents to the given writer
func (e *Envelope) Serialize(buf *bufio.Writer) error {
	if e.Payload == nil {
		return fmt.Errorf("cannot serialize an envelope without a payload")
	}
	if err := serializer.WriteFieldString(buf, e.Sender); err != nil {
		return err
	}
	if err := serializer.WriteFieldInt64(buf, e.Timestamp); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, e.Signature); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint8(buf, byte(e.Payload.GetType())); err != nil {
		return err
	}
	return e.Payload.Serialize(buf)
}

func (e *Envelope) Deserialize(buf *bufio.Reader) error {
	var err error
	if e.Sender, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if e.Timestamp, err = serializer.ReadFieldInt64(buf); err != nil {
		return err
	}
	if e.Signature, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	ptype, err := serializer.ReadFieldUint8(buf)
	if err != nil {
		return err
	}
	constructor, exists := payloadConstructors[PayloadType(ptype)]
	if !exists {
		return fmt.Errorf("unknown payload type: %v", ptype)
	}
	e.Payload = constructor()
	return e.Payload.Deserialize(buf)
}

// returns the canonical serialization used for signing and hashing: the
// envelope with the signature field zeroed
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := &Envelope{
		Sender:    e.Sender,
		Timestamp: e.Timestamp,
		Signature: []byte{},
		Payload:   e.Payload,
	}
	return EncodeEnvelope(unsigned)
}

// encodes an envelope into a standalone byte string
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	b := &bytes.Buffer{}
	writer := bufio.NewWriter(b)
	if err := e.Serialize(writer); err != nil {
		return nil, err
	}
	if err := writer.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// decodes an envelope from a standalone byte string
func DecodeEnvelope(b []byte) (*Envelope, error) {
	reader := bufio.NewReader(bytes.NewReader(b))
	e := &Envelope{}
	if err := e.Deserialize(reader); err != nil {
		return nil, err
	}
	return e, nil
}

// writes a length prefixed envelope onto a framed stream
func WriteEnvelope(w io.Writer, e *Envelope) error {
	encoded, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(w)
	if err := serializer.WriteFieldBytes(buf, encoded); err != nil {
		return err
	}
	return buf.Flush()
}

// reads a length prefixed envelope from a framed stream. Reads exactly
// one frame, leaving the reader positioned at the next
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	encoded := make([]byte, size)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return nil, err
	}
	return DecodeEnvelope(encoded)
}

// writes an optional nested envelope as a byte field. A nil envelope is
// written as an empty field
func writeNestedEnvelope(buf *bufio.Writer, e *Envelope) error {
	if e == nil {
		return serializer.WriteFieldBytes(buf, []byte{})
	}
	encoded, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, encoded)
}

// reads an optional nested envelope byte field
func readNestedEnvelope(buf *bufio.Reader) (*Envelope, error) {
	encoded, err := serializer.ReadFieldBytes(buf)
	if err != nil {
		return nil, err
	}
	if len(encoded) == 0 {
		return nil, nil
	}
	return DecodeEnvelope(encoded)
}

// writes a counted list of nested envelopes
func writeEnvelopeList(buf *bufio.Writer, envs []*Envelope) error {
	if err := serializer.WriteFieldUint64(buf, uint64(len(envs))); err != nil {
		return err
	}
	for _, env := range envs {
		if err := writeNestedEnvelope(buf, env); err != nil {
			return err
		}
	}
	return nil
}

// reads a counted list of nested envelopes
func readEnvelopeList(buf *bufio.Reader) ([]*Envelope, error) {
	num, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return nil, err
	}
	envs := make([]*Envelope, num)
	for i := range envs {
		if envs[i], err = readNestedEnvelope(buf); err != nil {
			return nil, err
		}
	}
	return envs, nil
}
