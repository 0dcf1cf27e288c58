package consensus

import (
	"fmt"
)

import (
	mapset "github.com/deckarep/golang-set"
)

import (
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
)

type Stage int

const (
	STAGE_PREPARE = Stage(iota)
	STAGE_COMMIT
	STAGE_EXECUTE
)

func (s Stage) String() string {
	switch s {
	case STAGE_PREPARE:
		return "prepare"
	case STAGE_COMMIT:
		return "commit"
	case STAGE_EXECUTE:
		return "execute"
	default:
		return fmt.Sprintf("Stage(%v)", int(s))
	}
}

// one record per (view, sequence, request hash). Accumulates the
// pre-prepare / prepare / commit evidence that moves the slot through the
// protocol stages. Owned by the OperationStore; mutated only on the event
// loop via the record methods
type Operation struct {
	view        uint64
	sequence    uint64
	requestHash string

	// the membership snapshot quorum thresholds are computed against
	peers []node.PeerAddress

	stage Stage

	prePrepareSeen bool
	prePrepare     *message.Envelope

	// distinct sender uuids
	preparesSeen mapset.Set
	commitsSeen  mapset.Set

	// retained prepare envelopes, they become prepared-proof material
	// during view changes
	prepareEnvs map[node.NodeId]*message.Envelope

	request      *message.Envelope
	requestSaved bool

	// weak client handle for the reply; does not survive restart
	session node.Session

	// at-most-once broadcast guards
	prepareSent bool
	commitSent  bool

	// non-nil when the operation is mirrored to storage
	store *OperationStore
}

func newOperation(view uint64, sequence uint64, requestHash string, peers []node.PeerAddress) *Operation {
	return &Operation{
		view:         view,
		sequence:     sequence,
		requestHash:  requestHash,
		peers:        peers,
		stage:        STAGE_PREPARE,
		preparesSeen: mapset.NewThreadUnsafeSet(),
		commitsSeen:  mapset.NewThreadUnsafeSet(),
		prepareEnvs:  make(map[node.NodeId]*message.Envelope),
	}
}

func (o *Operation) GetView() uint64        { return o.view }
func (o *Operation) GetSequence() uint64    { return o.sequence }
func (o *Operation) GetRequestHash() string { return o.requestHash }
func (o *Operation) GetStage() Stage        { return o.stage }

func (o *Operation) key() operationKey {
	return operationKey{view: o.view, sequence: o.sequence, hash: o.requestHash}
}

// max tolerated byzantine members for this operation's peer snapshot
func (o *Operation) maxFaulty() int {
	return (len(o.peers) - 1) / 3
}

// records the pre-prepare envelope for this slot. Duplicates are
// idempotent
func (o *Operation) RecordPrePrepare(env *message.Envelope) {
	o.prePrepareSeen = true
	o.prePrepare = env
	o.persistEvidence(recordTypePrePrepare, env.Sender, env)
}

// records a prepare from the envelope's sender. Evidence sets dedupe by
// sender
func (o *Operation) RecordPrepare(env *message.Envelope) {
	o.preparesSeen.Add(env.Sender)
	o.prepareEnvs[node.NodeId(env.Sender)] = env
	o.persistEvidence(recordTypePrepare, env.Sender, env)
}

// records a commit from the envelope's sender
func (o *Operation) RecordCommit(env *message.Envelope) {
	o.commitsSeen.Add(env.Sender)
	o.persistEvidence(recordTypeCommit, env.Sender, env)
}

// records the request envelope once learned
func (o *Operation) RecordRequest(env *message.Envelope) {
	o.request = env
	o.requestSaved = true
	o.persistEvidence(recordTypeRequest, "self", env)
}

func (o *Operation) IsPrePrepared() bool {
	return o.prePrepareSeen
}

// a pre-prepare plus 2f matching prepares
func (o *Operation) IsPrepared() bool {
	return o.prePrepareSeen && o.preparesSeen.Cardinality() >= 2*o.maxFaulty()
}

// prepared plus 2f+1 matching commits
func (o *Operation) IsCommitted() bool {
	return o.IsPrepared() && o.commitsSeen.Cardinality() >= 2*o.maxFaulty()+1
}

// moves the operation forward. Stages only advance, and each advancement
// happens at most once
func (o *Operation) AdvanceStage(stage Stage) error {
	if stage <= o.stage {
		return fmt.Errorf("illegal stage transition %v -> %v at sequence %v", o.stage, stage, o.sequence)
	}
	o.stage = stage
	o.persistStage()
	return nil
}

func (o *Operation) HasRequest() bool { return o.requestSaved }

// nil for no-op slots re-issued during view changes
func (o *Operation) GetRequest() *message.Envelope { return o.request }

func (o *Operation) HasDbRequest() bool {
	if !o.requestSaved || o.request == nil {
		return false
	}
	_, ok := o.request.Payload.(*message.Database)
	return ok
}

func (o *Operation) HasConfigRequest() bool {
	if !o.requestSaved || o.request == nil {
		return false
	}
	switch o.request.Payload.(type) {
	case *message.Join, *message.Leave:
		return true
	}
	return false
}

func (o *Operation) GetPrePrepare() *message.Envelope { return o.prePrepare }

// the retained prepare envelopes by sender
func (o *Operation) GetPrepares() map[node.NodeId]*message.Envelope {
	prepares := make(map[node.NodeId]*message.Envelope, len(o.prepareEnvs))
	for uuid, env := range o.prepareEnvs {
		prepares[uuid] = env
	}
	return prepares
}

func (o *Operation) PrepareCount() int { return o.preparesSeen.Cardinality() }
func (o *Operation) CommitCount() int  { return o.commitsSeen.Cardinality() }

func (o *Operation) SetSession(session node.Session) { o.session = session }
func (o *Operation) GetSession() node.Session        { return o.session }
func (o *Operation) HasSession() bool                { return o.session != nil }

func (o *Operation) persistEvidence(recordType string, sender string, env *message.Envelope) {
	if o.store != nil {
		o.store.persistEvidence(o, recordType, sender, env)
	}
}

func (o *Operation) persistStage() {
	if o.store != nil {
		o.store.persistStage(o)
	}
}
