package consensus

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
	"github.com/swarmkv/swarmkv/storage"
)

type OperationTest struct {
	peers []node.PeerAddress
	store *OperationStore
}

var _ = gocheck.Suite(&OperationTest{})

func (s *OperationTest) SetUpTest(c *gocheck.C) {
	s.peers = []node.PeerAddress{
		{Host: "h", Port: 1, Uuid: "u0"},
		{Host: "h", Port: 2, Uuid: "u1"},
		{Host: "h", Port: 3, Uuid: "u2"},
		{Host: "h", Port: 4, Uuid: "u3"},
	}
	s.store = NewOperationStore(nil)
}

// bare evidence envelopes; signatures aren't checked at this layer
func protocolEnvelope(sender string, payload message.Payload) *message.Envelope {
	return &message.Envelope{Sender: sender, Timestamp: 1, Signature: []byte{}, Payload: payload}
}

func prePrepareEnvelope(sender string, view uint64, sequence uint64, hash string) *message.Envelope {
	pp := &message.PrePrepare{}
	pp.View = view
	pp.Sequence = sequence
	pp.RequestHash = hash
	return protocolEnvelope(sender, pp)
}

func prepareEnvelope(sender string, view uint64, sequence uint64, hash string) *message.Envelope {
	p := &message.Prepare{}
	p.View = view
	p.Sequence = sequence
	p.RequestHash = hash
	return protocolEnvelope(sender, p)
}

func commitEnvelope(sender string, view uint64, sequence uint64, hash string) *message.Envelope {
	m := &message.Commit{}
	m.View = view
	m.Sequence = sequence
	m.RequestHash = hash
	return protocolEnvelope(sender, m)
}

// with n=4 an operation is prepared at a pre-prepare plus two prepares,
// and committed at three commits on top of that
func (s *OperationTest) TestQuorumThresholds(c *gocheck.C) {
	op := s.store.FindOrConstruct(1, 1, "h", s.peers)
	c.Check(op.maxFaulty(), gocheck.Equals, 1)
	c.Check(op.IsPrepared(), gocheck.Equals, false)

	op.RecordPrePrepare(prePrepareEnvelope("u0", 1, 1, "h"))
	c.Check(op.IsPrepared(), gocheck.Equals, false)

	op.RecordPrepare(prepareEnvelope("u1", 1, 1, "h"))
	c.Check(op.IsPrepared(), gocheck.Equals, false)
	op.RecordPrepare(prepareEnvelope("u2", 1, 1, "h"))
	c.Check(op.IsPrepared(), gocheck.Equals, true)
	c.Check(op.IsCommitted(), gocheck.Equals, false)

	op.RecordCommit(commitEnvelope("u0", 1, 1, "h"))
	op.RecordCommit(commitEnvelope("u1", 1, 1, "h"))
	c.Check(op.IsCommitted(), gocheck.Equals, false)
	op.RecordCommit(commitEnvelope("u2", 1, 1, "h"))
	c.Check(op.IsCommitted(), gocheck.Equals, true)
}

// prepares without a pre-prepare never prepare the operation
func (s *OperationTest) TestPreparesAloneAreNotEnough(c *gocheck.C) {
	op := s.store.FindOrConstruct(1, 1, "h", s.peers)
	for _, sender := range []string{"u0", "u1", "u2", "u3"} {
		op.RecordPrepare(prepareEnvelope(sender, 1, 1, "h"))
	}
	c.Check(op.IsPrepared(), gocheck.Equals, false)
}

// evidence is deduped by sender
func (s *OperationTest) TestEvidenceDedupe(c *gocheck.C) {
	op := s.store.FindOrConstruct(1, 1, "h", s.peers)
	for i := 0; i < 5; i++ {
		op.RecordPrepare(prepareEnvelope("u1", 1, 1, "h"))
	}
	c.Check(op.PrepareCount(), gocheck.Equals, 1)
}

// stages only advance, and each advancement happens at most once
func (s *OperationTest) TestStageMonotonicity(c *gocheck.C) {
	op := s.store.FindOrConstruct(1, 1, "h", s.peers)
	c.Check(op.GetStage(), gocheck.Equals, STAGE_PREPARE)

	c.Assert(op.AdvanceStage(STAGE_COMMIT), gocheck.IsNil)
	c.Check(op.AdvanceStage(STAGE_COMMIT), gocheck.NotNil)
	c.Check(op.AdvanceStage(STAGE_PREPARE), gocheck.NotNil)
	c.Assert(op.AdvanceStage(STAGE_EXECUTE), gocheck.IsNil)
	c.Check(op.GetStage(), gocheck.Equals, STAGE_EXECUTE)
}

// the same instance is returned for the lifetime of a key
func (s *OperationTest) TestFindOrConstructIsStable(c *gocheck.C) {
	op := s.store.FindOrConstruct(1, 1, "h", s.peers)
	op.SetSession(newMockSession())

	again := s.store.FindOrConstruct(1, 1, "h", s.peers)
	c.Check(again, gocheck.Equals, op)
	c.Check(again.HasSession(), gocheck.Equals, true)

	different := s.store.FindOrConstruct(1, 2, "h", s.peers)
	c.Check(different, gocheck.Not(gocheck.Equals), op)
}

// a persisted operation reloads with the same stage and evidence counts;
// session handles don't survive
func (s *OperationTest) TestPersistenceRoundTrip(c *gocheck.C) {
	store := storage.NewMemStorage()
	operations := NewOperationStore(store)

	op := operations.FindOrConstruct(2, 7, "h", s.peers)
	op.SetSession(newMockSession())
	op.RecordPrePrepare(prePrepareEnvelope("u0", 2, 7, "h"))
	op.RecordPrepare(prepareEnvelope("u1", 2, 7, "h"))
	op.RecordPrepare(prepareEnvelope("u2", 2, 7, "h"))
	op.RecordCommit(commitEnvelope("u1", 2, 7, "h"))
	c.Assert(op.AdvanceStage(STAGE_COMMIT), gocheck.IsNil)

	reloaded := NewOperationStore(store).FindOrConstruct(2, 7, "h", s.peers)
	c.Check(reloaded.GetStage(), gocheck.Equals, STAGE_COMMIT)
	c.Check(reloaded.IsPrePrepared(), gocheck.Equals, true)
	c.Check(reloaded.PrepareCount(), gocheck.Equals, 2)
	c.Check(reloaded.CommitCount(), gocheck.Equals, 1)
	c.Check(reloaded.HasSession(), gocheck.Equals, false)
}

// deletion removes operations at or below the sequence, in memory and
// on disk
func (s *OperationTest) TestDeleteOperationsUntil(c *gocheck.C) {
	store := storage.NewMemStorage()
	operations := NewOperationStore(store)

	for sequence := uint64(1); sequence <= 5; sequence++ {
		op := operations.FindOrConstruct(1, sequence, "h", s.peers)
		op.RecordPrePrepare(prePrepareEnvelope("u0", 1, sequence, "h"))
	}
	c.Assert(operations.HeldOperationsCount(), gocheck.Equals, 5)

	operations.DeleteOperationsUntil(3)
	c.Check(operations.HeldOperationsCount(), gocheck.Equals, 2)
	for _, key := range store.KeysIfPrefix("operation/") {
		parsed, _, _, err := parseOperationStorageKey(key)
		c.Assert(err, gocheck.IsNil)
		c.Check(parsed.sequence > 3, gocheck.Equals, true)
	}
}

// prepared operations above a sequence are collected for view change
// proofs, newest view winning per sequence
func (s *OperationTest) TestPreparedOperationsSince(c *gocheck.C) {
	prepareAt := func(view uint64, sequence uint64) {
		op := s.store.FindOrConstruct(view, sequence, "h", s.peers)
		op.RecordPrePrepare(prePrepareEnvelope("u0", view, sequence, "h"))
		op.RecordPrepare(prepareEnvelope("u1", view, sequence, "h"))
		op.RecordPrepare(prepareEnvelope("u2", view, sequence, "h"))
	}
	prepareAt(1, 1)
	prepareAt(1, 2)
	prepareAt(2, 2)
	prepareAt(1, 3)

	// sequence 4 exists but isn't prepared
	s.store.FindOrConstruct(1, 4, "h", s.peers)

	prepared := s.store.PreparedOperationsSince(1)
	c.Assert(len(prepared), gocheck.Equals, 2)
	c.Check(prepared[2].GetView(), gocheck.Equals, uint64(2))
	c.Check(prepared[3].GetView(), gocheck.Equals, uint64(1))
}
