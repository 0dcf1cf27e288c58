package message

import (
	"bufio"
	"sort"
)

import (
	"github.com/swarmkv/swarmkv/serializer"
)

// fields common to the three agreement phases
type protocolFields struct {
	View        uint64
	Sequence    uint64
	RequestHash string
}

func (p *protocolFields) serializeCommon(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, p.View); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, p.Sequence); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, p.RequestHash)
}

func (p *protocolFields) deserializeCommon(buf *bufio.Reader) error {
	var err error
	if p.View, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if p.Sequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	p.RequestHash, err = serializer.ReadFieldString(buf)
	return err
}

// ordering proposal from the primary. Carries the client's request
// envelope so backups learn the request along with its slot
type PrePrepare struct {
	protocolFields
	Request *Envelope
}

func (m *PrePrepare) GetType() PayloadType { return PRE_PREPARE }

func (m *PrePrepare) Serialize(buf *bufio.Writer) error {
	if err := m.serializeCommon(buf); err != nil {
		return err
	}
	return writeNestedEnvelope(buf, m.Request)
}

func (m *PrePrepare) Deserialize(buf *bufio.Reader) error {
	if err := m.deserializeCommon(buf); err != nil {
		return err
	}
	var err error
	m.Request, err = readNestedEnvelope(buf)
	return err
}

type Prepare struct {
	protocolFields
}

func (m *Prepare) GetType() PayloadType { return PREPARE }

func (m *Prepare) Serialize(buf *bufio.Writer) error { return m.serializeCommon(buf) }

func (m *Prepare) Deserialize(buf *bufio.Reader) error { return m.deserializeCommon(buf) }

type Commit struct {
	protocolFields
}

func (m *Commit) GetType() PayloadType { return COMMIT }

func (m *Commit) Serialize(buf *bufio.Writer) error { return m.serializeCommon(buf) }

func (m *Commit) Deserialize(buf *bufio.Reader) error { return m.deserializeCommon(buf) }

// attestation that the sender's service state at Sequence hashes to StateHash
type Checkpoint struct {
	Sequence  uint64
	StateHash string
}

func (m *Checkpoint) GetType() PayloadType { return CHECKPOINT }

func (m *Checkpoint) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, m.Sequence); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, m.StateHash)
}

func (m *Checkpoint) Deserialize(buf *bufio.Reader) error {
	var err error
	if m.Sequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	m.StateHash, err = serializer.ReadFieldString(buf)
	return err
}

// evidence that an operation was prepared by the sender before the view
// ended: its pre-prepare plus at least 2f matching prepares
type PreparedProof struct {
	Sequence   uint64
	PrePrepare *Envelope
	Prepares   []*Envelope
}

func (p *PreparedProof) serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, p.Sequence); err != nil {
		return err
	}
	if err := writeNestedEnvelope(buf, p.PrePrepare); err != nil {
		return err
	}
	return writeEnvelopeList(buf, p.Prepares)
}

func (p *PreparedProof) deserialize(buf *bufio.Reader) error {
	var err error
	if p.Sequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if p.PrePrepare, err = readNestedEnvelope(buf); err != nil {
		return err
	}
	p.Prepares, err = readEnvelopeList(buf)
	return err
}

type ViewChange struct {
	NewView         uint64
	StableSequence  uint64
	StableStateHash string

	// checkpoint attestations proving the stable checkpoint, by attester uuid
	CheckpointProof map[string]*Envelope

	// one proof per sequence prepared locally above the stable checkpoint
	PreparedProofs []*PreparedProof
}

func (m *ViewChange) GetType() PayloadType { return VIEWCHANGE }

func (m *ViewChange) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, m.NewView); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint64(buf, m.StableSequence); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, m.StableStateHash); err != nil {
		return err
	}

	// map iteration order isn't deterministic, serialize sorted by uuid
	uuids := make([]string, 0, len(m.CheckpointProof))
	for uuid := range m.CheckpointProof {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	if err := serializer.WriteFieldStringList(buf, uuids); err != nil {
		return err
	}
	for _, uuid := range uuids {
		if err := writeNestedEnvelope(buf, m.CheckpointProof[uuid]); err != nil {
			return err
		}
	}

	if err := serializer.WriteFieldUint64(buf, uint64(len(m.PreparedProofs))); err != nil {
		return err
	}
	for _, proof := range m.PreparedProofs {
		if err := proof.serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (m *ViewChange) Deserialize(buf *bufio.Reader) error {
	var err error
	if m.NewView, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.StableSequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.StableStateHash, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}

	uuids, err := serializer.ReadFieldStringList(buf)
	if err != nil {
		return err
	}
	m.CheckpointProof = make(map[string]*Envelope, len(uuids))
	for _, uuid := range uuids {
		env, err := readNestedEnvelope(buf)
		if err != nil {
			return err
		}
		m.CheckpointProof[uuid] = env
	}

	numProofs, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return err
	}
	m.PreparedProofs = make([]*PreparedProof, numProofs)
	for i := range m.PreparedProofs {
		proof := &PreparedProof{}
		if err := proof.deserialize(buf); err != nil {
			return err
		}
		m.PreparedProofs[i] = proof
	}
	return nil
}

type NewView struct {
	View uint64

	// the 2f+1 view change envelopes justifying this new view
	ViewChanges []*Envelope

	// pre-prepares re-issued by the new primary for sequences above the
	// stable checkpoint
	PrePrepares []*Envelope
}

func (m *NewView) GetType() PayloadType { return NEWVIEW }

func (m *NewView) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldUint64(buf, m.View); err != nil {
		return err
	}
	if err := writeEnvelopeList(buf, m.ViewChanges); err != nil {
		return err
	}
	return writeEnvelopeList(buf, m.PrePrepares)
}

func (m *NewView) Deserialize(buf *bufio.Reader) error {
	var err error
	if m.View, err = serializer.ReadFieldUint64(buf); err != nil {
		return err
	}
	if m.ViewChanges, err = readEnvelopeList(buf); err != nil {
		return err
	}
	m.PrePrepares, err = readEnvelopeList(buf)
	return err
}
