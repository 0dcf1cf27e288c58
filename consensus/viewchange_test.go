package consensus

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
)

type ViewChangeTest struct {
	baseSwarmTest
}

var _ = gocheck.Suite(&ViewChangeTest{})

// primary failover: the primary goes silent after its pre-prepare, the
// backups view change, and the operation executes under the new view
// with its original request hash
func (s *ViewChangeTest) TestPrimaryFailover(c *gocheck.C) {
	oldPrimary := s.network.primary(1)
	backups := make([]*testReplica, 0, 3)
	for _, tr := range s.network.ordered {
		if tr.uuid != oldPrimary.uuid {
			backups = append(backups, tr)
		}
	}

	// hold back commits so the backups prepare the operation but cannot
	// complete it in the old view
	for _, tr := range backups {
		tr.transport.dropInbound[message.COMMIT] = true
	}

	request, hash := s.putRequest(c, "a", "1")
	pp := &message.PrePrepare{Request: request}
	pp.View = 1
	pp.Sequence = 1
	pp.RequestHash = hash
	ppEnv, err := signedBy(oldPrimary.keys, pp)
	c.Assert(err, gocheck.IsNil)

	// the pre-prepare reaches the backups, then the primary vanishes
	oldPrimary.transport.partitioned = true
	for _, tr := range backups {
		s.network.submitTo(tr, ppEnv, nil)
	}

	for _, tr := range backups {
		op := tr.replica.operations.FindOrConstruct(1, 1, hash, s.network.peers)
		c.Assert(op.IsPrepared(), gocheck.Equals, true)
		c.Assert(tr.service.LastExecuted(), gocheck.Equals, uint64(0))
	}

	// commits flow again for the new view
	for _, tr := range backups {
		delete(tr.transport.dropInbound, message.COMMIT)
	}

	// the failure detector fires on the backups; once f+1 view changes
	// are out the rest join without their own timer
	for _, tr := range backups {
		if tr.replica.GetView() == 1 && !tr.replica.viewchange.InProgress() {
			tr.replica.viewchange.HandleFailure()
		}
	}

	for _, tr := range backups {
		c.Check(tr.replica.GetView(), gocheck.Equals, uint64(2))
		c.Check(tr.replica.viewchange.InProgress(), gocheck.Equals, false)
		c.Check(tr.service.LastExecuted(), gocheck.Equals, uint64(1))
		// the re-issued slot carries the original request
		c.Check(tr.replica.acceptedPrePrepares[logKey{view: 2, sequence: 1}], gocheck.Equals, hash)
	}

	// the partitioned old primary never moved
	c.Check(oldPrimary.replica.GetView(), gocheck.Equals, uint64(1))
	c.Check(oldPrimary.service.LastExecuted(), gocheck.Equals, uint64(0))
}

// f+1 view change messages for a higher view drag a replica into the
// view change even though its own timer never fired
func (s *ViewChangeTest) TestJoinOnFutureViewQuorum(c *gocheck.C) {
	// not the primary of view 3, so joining can't complete the view
	// change by itself
	target := s.network.primary(2)
	others := make([]*testReplica, 0, 2)
	for _, tr := range s.network.ordered {
		if tr.uuid != target.uuid && len(others) < 2 {
			others = append(others, tr)
		}
	}

	// keep the senders from cascading among themselves
	for _, tr := range s.network.ordered {
		if tr.uuid != target.uuid {
			tr.transport.partitioned = true
		}
	}

	for _, tr := range others {
		vc := &message.ViewChange{
			NewView:         3,
			StableSequence:  0,
			StableStateHash: InitialCheckpointHash,
			CheckpointProof: map[string]*message.Envelope{},
			PreparedProofs:  []*message.PreparedProof{},
		}
		env, err := signedBy(tr.keys, vc)
		c.Assert(err, gocheck.IsNil)
		s.network.submitTo(target, env, nil)
	}

	c.Check(target.replica.GetView(), gocheck.Equals, uint64(3))
	c.Check(target.replica.viewchange.InProgress(), gocheck.Equals, true)
	c.Check(len(target.transport.sentOfType(message.VIEWCHANGE)) > 0, gocheck.Equals, true)
}

// a new view message from anyone but the target view's primary is
// rejected
func (s *ViewChangeTest) TestNewViewFromImpostorRejected(c *gocheck.C) {
	target := s.network.primary(3)
	impostor := s.network.primary(1)
	c.Assert(impostor.uuid, gocheck.Not(gocheck.Equals), s.network.primary(2).uuid)

	nv := &message.NewView{View: 2, ViewChanges: []*message.Envelope{}, PrePrepares: []*message.Envelope{}}
	env, err := signedBy(impostor.keys, nv)
	c.Assert(err, gocheck.IsNil)

	for _, tr := range s.network.ordered {
		if tr.uuid != target.uuid {
			tr.transport.partitioned = true
		}
	}
	s.network.submitTo(target, env, nil)

	c.Check(target.replica.GetView(), gocheck.Equals, uint64(1))
	c.Check(target.stats.counter("pbft.newview.rejected"), gocheck.Equals, int64(1))
}

// a view change without a valid stable checkpoint proof is rejected
func (s *ViewChangeTest) TestViewChangeWithoutProofRejected(c *gocheck.C) {
	target := s.network.primary(3)
	sender := s.network.primary(1)

	vc := &message.ViewChange{
		NewView:         2,
		StableSequence:  10,
		StableStateHash: "made-up",
		CheckpointProof: map[string]*message.Envelope{},
		PreparedProofs:  []*message.PreparedProof{},
	}
	env, err := signedBy(sender.keys, vc)
	c.Assert(err, gocheck.IsNil)

	s.network.submitTo(target, env, nil)

	c.Check(target.stats.counter("pbft.viewchange.rejected"), gocheck.Equals, int64(1))
	c.Check(target.replica.GetView(), gocheck.Equals, uint64(1))
}

type ReconfigurationTest struct {
	baseSwarmTest
}

var _ = gocheck.Suite(&ReconfigurationTest{})

// a JOIN rides the consensus path: once committed and executed, the five
// member configuration becomes current at the next view
func (s *ReconfigurationTest) TestJoinCommitsNewConfiguration(c *gocheck.C) {
	newcomer, err := crypto.NewKeyPair()
	c.Assert(err, gocheck.IsNil)

	join := &message.Join{Host: "127.0.0.1", Port: 50100, Uuid: newcomer.Uuid()}
	env, err := signedBy(newcomer, join)
	c.Assert(err, gocheck.IsNil)

	s.network.submitTo(s.network.primary(1), env, nil)

	for _, tr := range s.network.ordered {
		c.Assert(tr.service.LastExecuted(), gocheck.Equals, uint64(1))
		c.Check(tr.replica.GetView(), gocheck.Equals, uint64(2))

		current := tr.replica.configs.Current()
		c.Assert(current, gocheck.NotNil)
		c.Check(current.Size(), gocheck.Equals, 5)
		c.Check(current.Contains(node.NodeId(newcomer.Uuid())), gocheck.Equals, true)

		// f is still 1 over n=5, so the commit quorum is 3
		c.Check(tr.replica.maxFaulty(), gocheck.Equals, 1)
	}
}

// a LEAVE shrinks the configuration the same way
func (s *ReconfigurationTest) TestLeaveCommitsNewConfiguration(c *gocheck.C) {
	departing := s.network.primary(3)

	leave := &message.Leave{Host: "127.0.0.1", Port: 1, Uuid: string(departing.uuid)}
	env, err := signedBy(departing.keys, leave)
	c.Assert(err, gocheck.IsNil)

	s.network.submitTo(s.network.primary(1), env, nil)

	for _, tr := range s.network.ordered {
		if tr.uuid == departing.uuid {
			continue
		}
		current := tr.replica.configs.Current()
		c.Assert(current, gocheck.NotNil)
		c.Check(current.Size(), gocheck.Equals, 3)
		c.Check(current.Contains(departing.uuid), gocheck.Equals, false)
		c.Check(tr.replica.GetView(), gocheck.Equals, uint64(2))
	}
}
