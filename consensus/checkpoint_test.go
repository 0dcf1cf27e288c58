package consensus

import (
	"fmt"
)

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/options"
)

type CheckpointTest struct {
	baseSwarmTest
}

var _ = gocheck.Suite(&CheckpointTest{})

func (s *CheckpointTest) SetUpTest(c *gocheck.C) {
	s.opts = options.Defaults()
	s.opts.CheckpointInterval = 10
	s.setUpSwarm(c, 4)
}

func (s *CheckpointTest) runOperations(c *gocheck.C, count int) {
	for i := 0; i < count; i++ {
		env, _ := s.putRequest(c, fmt.Sprintf("key%v", i), "v")
		s.network.submitTo(s.network.primary(1), env, nil)
	}
}

// after twelve operations with interval ten, every replica stabilizes
// the checkpoint at ten, advances its watermarks, and garbage collects
// operations one through ten
func (s *CheckpointTest) TestStabilizationAndGC(c *gocheck.C) {
	s.runOperations(c, 12)

	for _, tr := range s.network.ordered {
		c.Assert(tr.service.LastExecuted(), gocheck.Equals, uint64(12))

		stable := tr.replica.checkpoints.LatestStableCheckpoint()
		c.Check(stable.sequence, gocheck.Equals, uint64(10))
		c.Check(tr.replica.GetLowWaterMark(), gocheck.Equals, uint64(10))
		c.Check(tr.replica.GetHighWaterMark(), gocheck.Equals, uint64(30))

		// operations 1-10 are gone, 11 and 12 remain
		c.Check(tr.replica.operations.HeldOperationsCount(), gocheck.Equals, 2)
		for _, key := range tr.storage.KeysIfPrefix("operation/") {
			op, _, _, err := parseOperationStorageKey(key)
			c.Assert(err, gocheck.IsNil)
			c.Check(op.sequence > 10, gocheck.Equals, true)
		}

		// the stable proof is durable
		c.Check(len(tr.storage.KeysIfPrefix("stable_checkpoint_proof/")) >= 2, gocheck.Equals, true)
	}
}

// checkpoint attestations agree on the state hash across replicas
func (s *CheckpointTest) TestAttestationsAgree(c *gocheck.C) {
	s.runOperations(c, 10)

	var hash string
	for _, tr := range s.network.ordered {
		stable := tr.replica.checkpoints.LatestStableCheckpoint()
		c.Assert(stable.sequence, gocheck.Equals, uint64(10))
		if hash == "" {
			hash = stable.stateHash
		}
		c.Check(stable.stateHash, gocheck.Equals, hash)
	}
	c.Check(hash, gocheck.Not(gocheck.Equals), InitialCheckpointHash)
}

// a replica that missed a checkpoint interval learns it is behind from
// 2f+1 attestations, fetches the service state from an attester, and
// catches up to the stable checkpoint
func (s *CheckpointTest) TestStateTransfer(c *gocheck.C) {
	// pick a backup that is not the primary and cut it off
	laggard := s.network.primary(3)
	c.Assert(laggard.uuid, gocheck.Not(gocheck.Equals), s.network.primary(1).uuid)
	laggard.transport.partitioned = true

	s.runOperations(c, 10)
	c.Assert(laggard.service.LastExecuted(), gocheck.Equals, uint64(0))

	// heal the partition and replay the checkpoint attestations the
	// laggard missed
	laggard.transport.partitioned = false
	for _, tr := range s.network.ordered {
		if tr.uuid == laggard.uuid {
			continue
		}
		for _, env := range tr.transport.sentOfType(message.CHECKPOINT) {
			if env.Payload.(*message.Checkpoint).Sequence == 10 {
				s.network.submitTo(laggard, env, nil)
				break
			}
		}
	}

	// the catchup timer is armed; firing it sends the state request and
	// the response installs the snapshot
	c.Assert(laggard.sched.pendingTimers() > 0, gocheck.Equals, true)
	laggard.sched.fireAll()

	c.Assert(laggard.service.LastExecuted(), gocheck.Equals, uint64(10))
	c.Check(laggard.replica.checkpoints.LatestStableCheckpoint().sequence, gocheck.Equals, uint64(10))
	c.Check(laggard.replica.GetLowWaterMark(), gocheck.Equals, uint64(10))

	// the transferred data matches what the swarm executed
	value, err := laggard.dbStorage.Read("db/key3")
	c.Assert(err, gocheck.IsNil)
	c.Check(string(value), gocheck.Equals, "v")

	hash, exists := laggard.service.StateHash(10)
	c.Assert(exists, gocheck.Equals, true)
	peerHash, _ := s.network.primary(1).service.StateHash(10)
	c.Check(hash, gocheck.Equals, peerHash)
}

// a state snapshot that doesn't match an attested checkpoint is refused
func (s *CheckpointTest) TestUnattestedStateRefused(c *gocheck.C) {
	laggard := s.network.primary(3)
	payload := &message.StateResponse{Sequence: 50, StateHash: "forged", State: []byte("junk")}
	env, err := signedBy(s.network.primary(2).keys, payload)
	c.Assert(err, gocheck.IsNil)

	s.network.submitTo(laggard, env, nil)

	c.Check(laggard.service.LastExecuted(), gocheck.Equals, uint64(0))
	c.Check(laggard.replica.checkpoints.LatestLocalCheckpoint().sequence, gocheck.Equals, uint64(0))
}
