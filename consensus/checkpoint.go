package consensus

import (
	"fmt"
	"time"
)

import (
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
	"github.com/swarmkv/swarmkv/scheduler"
	"github.com/swarmkv/swarmkv/storage"
)

// state hash attributed to a swarm that has executed nothing
const InitialCheckpointHash = "<null db state>"

// how long a lagging replica waits before asking a peer for state, in
// case the gap closes by itself
const stateTransferDelay = 500 * time.Millisecond

// collects checkpoint attestations, stabilizes checkpoints once f+1
// members agree, and triggers state transfer when the rest of the swarm
// has moved past us
type CheckpointManager struct {
	replica *Replica
	storage storage.Storage

	localCheckpoint  checkpoint
	stableCheckpoint checkpoint

	// attestations proving the stable checkpoint, by attester uuid
	stableProof map[node.NodeId]*message.Envelope

	// attestations for checkpoints not yet stable
	partialProofs map[checkpoint]map[node.NodeId]*message.Envelope

	catchupTimer scheduler.TimerHandle
}

func newCheckpointManager(replica *Replica, store storage.Storage) (*CheckpointManager, error) {
	m := &CheckpointManager{
		replica:       replica,
		storage:       store,
		localCheckpoint:  checkpoint{0, InitialCheckpointHash},
		stableCheckpoint: checkpoint{0, InitialCheckpointHash},
		stableProof:   make(map[node.NodeId]*message.Envelope),
		partialProofs: make(map[checkpoint]map[node.NodeId]*message.Envelope),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CheckpointManager) LatestStableCheckpoint() checkpoint { return m.stableCheckpoint }
func (m *CheckpointManager) LatestLocalCheckpoint() checkpoint  { return m.localCheckpoint }

// the attestation envelopes backing the latest stable checkpoint
func (m *CheckpointManager) StableProof() map[node.NodeId]*message.Envelope {
	proof := make(map[node.NodeId]*message.Envelope, len(m.stableProof))
	for uuid, env := range m.stableProof {
		proof[uuid] = env
	}
	return proof
}

func (m *CheckpointManager) PartialProofsCount() int {
	count := 0
	for _, proofs := range m.partialProofs {
		count += len(proofs)
	}
	return count
}

// called when local execution reaches a checkpoint boundary. Records the
// local checkpoint and broadcasts our attestation
func (m *CheckpointManager) LocalCheckpointReached(cp checkpoint) {
	if cp.sequence <= m.localCheckpoint.sequence {
		return
	}
	m.localCheckpoint = cp
	m.persistLocal()

	env, err := m.replica.wrapAndSign(&message.Checkpoint{Sequence: cp.sequence, StateHash: cp.stateHash})
	if err != nil {
		logger.Error("Failed to sign checkpoint attestation: %v", err)
		return
	}
	m.recordAttestation(cp, env)
	m.replica.broadcastToMembers(env)
	m.maybeStabilize(cp)
}

// handles a checkpoint attestation from a peer
func (m *CheckpointManager) HandleCheckpoint(env *message.Envelope) {
	payload := env.Payload.(*message.Checkpoint)
	cp := checkpoint{sequence: payload.Sequence, stateHash: payload.StateHash}

	if cp.sequence <= m.stableCheckpoint.sequence {
		return
	}
	m.recordAttestation(cp, env)
	m.maybeStabilize(cp)
	m.maybeTriggerStateTransfer(cp)
}

func (m *CheckpointManager) recordAttestation(cp checkpoint, env *message.Envelope) {
	proofs, exists := m.partialProofs[cp]
	if !exists {
		proofs = make(map[node.NodeId]*message.Envelope)
		m.partialProofs[cp] = proofs
	}
	uuid := node.NodeId(env.Sender)
	if _, exists := proofs[uuid]; exists {
		return
	}
	proofs[uuid] = env
	m.persistPartialProof(cp, uuid, env)
}

func (m *CheckpointManager) maybeStabilize(cp checkpoint) {
	if cp.sequence <= m.stableCheckpoint.sequence {
		return
	}
	if len(m.partialProofs[cp]) < m.replica.maxFaulty()+1 {
		return
	}
	// our own execution must have reached the checkpoint before we can
	// vouch for its state
	if m.localCheckpoint.sequence < cp.sequence {
		return
	}
	m.stabilize(cp)
}

func (m *CheckpointManager) stabilize(cp checkpoint) {
	logger.Info("Reached stable checkpoint %v", cp.sequence)
	m.replica.statsInc("pbft.checkpoint.stable", 1)

	m.stableCheckpoint = cp
	m.stableProof = m.partialProofs[cp]
	for partial := range m.partialProofs {
		if partial.sequence <= cp.sequence {
			delete(m.partialProofs, partial)
		}
	}
	m.persistStable()
	if m.catchupTimer != nil {
		m.catchupTimer.Cancel()
		m.catchupTimer = nil
	}

	// stabilization happens-before deletion of covered operations
	m.replica.onCheckpointStabilized(cp)
}

// adopts a stable checkpoint proven by a view change set, possibly ahead
// of anything we attested to ourselves
func (m *CheckpointManager) AdoptStableCheckpoint(cp checkpoint, proof map[node.NodeId]*message.Envelope) {
	if cp.sequence <= m.stableCheckpoint.sequence {
		return
	}
	m.stableCheckpoint = cp
	m.stableProof = proof
	if m.localCheckpoint.sequence < cp.sequence {
		m.localCheckpoint = cp
		m.persistLocal()
	}
	m.persistStable()
	m.replica.onCheckpointStabilized(cp)
}

// if 2f+1 members attest to a checkpoint we have not reached, the swarm
// has moved on without us: fetch the service state from one of them
func (m *CheckpointManager) maybeTriggerStateTransfer(cp checkpoint) {
	if cp.sequence <= m.localCheckpoint.sequence {
		return
	}
	if len(m.partialProofs[cp]) < 2*m.replica.maxFaulty()+1 {
		return
	}
	if m.catchupTimer != nil {
		return
	}
	logger.Info("Swarm is at checkpoint %v, we are at %v: scheduling state transfer", cp.sequence, m.localCheckpoint.sequence)
	m.catchupTimer = m.replica.sched.Schedule(stateTransferDelay, func() {
		m.catchupTimer = nil
		m.sendStateRequest(cp)
	})
}

func (m *CheckpointManager) sendStateRequest(cp checkpoint) {
	if cp.sequence <= m.localCheckpoint.sequence {
		return
	}
	proofs := m.partialProofs[cp]
	attesters := make([]node.NodeId, 0, len(proofs))
	for uuid := range proofs {
		attesters = append(attesters, uuid)
	}
	if len(attesters) == 0 {
		return
	}
	target := attesters[m.replica.rand.Intn(len(attesters))]
	peer, exists := m.replica.memberByUuid(target)
	if !exists {
		return
	}

	env, err := m.replica.wrapAndSign(&message.CheckpointRequest{Sequence: cp.sequence})
	if err != nil {
		logger.Error("Failed to sign state request: %v", err)
		return
	}
	logger.Info("Requesting state at checkpoint %v from %v", cp.sequence, target)
	m.replica.statsInc("pbft.checkpoint.state_request", 1)
	if err := m.replica.transport.SendToPeer(peer, env); err != nil {
		// transient, the catchup timer path will fire again on the
		// next attestation
		logger.Warning("Failed to send state request to %v: %v", target, err)
	}
}

// installs a state snapshot received from a peer we asked
func (m *CheckpointManager) HandleStateResponse(env *message.Envelope) {
	payload := env.Payload.(*message.StateResponse)
	cp := checkpoint{sequence: payload.Sequence, stateHash: payload.StateHash}

	if cp.sequence <= m.localCheckpoint.sequence {
		return
	}
	// only install state matching a checkpoint at least f+1 members
	// attested to; a single peer can't feed us a fabricated snapshot
	if len(m.partialProofs[cp]) < m.replica.maxFaulty()+1 {
		logger.Warning("Ignoring unattested state snapshot at %v", cp.sequence)
		return
	}
	if err := m.replica.service.SetServiceState(cp.sequence, payload.State); err != nil {
		logger.Error("Failed to install service state at %v: %v", cp.sequence, err)
		return
	}
	m.localCheckpoint = cp
	m.persistLocal()
	m.replica.statsInc("pbft.checkpoint.state_installed", 1)
	m.maybeStabilize(cp)
}

// ------------- persistence -------------

func partialProofKey(cp checkpoint, uuid node.NodeId) string {
	return fmt.Sprintf("%v/%020d/%v/%v", partialCheckpointProofsKey, cp.sequence, cp.stateHash, uuid)
}

func (m *CheckpointManager) persistLocal() {
	if err := storeCheckpoint(m.storage, latestLocalCheckpointKey, m.localCheckpoint); err != nil {
		logger.Error("Failed to persist local checkpoint: %v", err)
	}
}

func (m *CheckpointManager) persistStable() {
	if err := storeCheckpoint(m.storage, latestStableCheckpointKey, m.stableCheckpoint); err != nil {
		logger.Error("Failed to persist stable checkpoint: %v", err)
	}
	m.storage.RemoveIfPrefix(stableCheckpointProofKey + "/")
	for uuid, env := range m.stableProof {
		encoded, err := message.EncodeEnvelope(env)
		if err != nil {
			logger.Error("Failed to encode checkpoint proof: %v", err)
			continue
		}
		if err := writeScalar(m.storage, stableCheckpointProofKey+"/"+string(uuid), encoded); err != nil {
			logger.Error("Failed to persist checkpoint proof: %v", err)
		}
	}
	m.storage.RemoveIfPrefix(fmt.Sprintf("%v/", partialCheckpointProofsKey))
	for cp, proofs := range m.partialProofs {
		for uuid, env := range proofs {
			m.persistPartialProof(cp, uuid, env)
		}
	}
}

func (m *CheckpointManager) persistPartialProof(cp checkpoint, uuid node.NodeId, env *message.Envelope) {
	encoded, err := message.EncodeEnvelope(env)
	if err != nil {
		logger.Error("Failed to encode checkpoint attestation: %v", err)
		return
	}
	if err := writeScalar(m.storage, partialProofKey(cp, uuid), encoded); err != nil {
		logger.Error("Failed to persist checkpoint attestation: %v", err)
	}
}

func (m *CheckpointManager) load() error {
	var err error
	if m.localCheckpoint, err = loadCheckpoint(m.storage, latestLocalCheckpointKey, m.localCheckpoint); err != nil {
		return err
	}
	if m.stableCheckpoint, err = loadCheckpoint(m.storage, latestStableCheckpointKey, m.stableCheckpoint); err != nil {
		return err
	}
	for _, pair := range m.storage.ReadIfPrefix(stableCheckpointProofKey + "/") {
		env, err := message.DecodeEnvelope(pair.Value)
		if err != nil {
			return fmt.Errorf("corrupt checkpoint proof at %v: %v", pair.Key, err)
		}
		m.stableProof[node.NodeId(env.Sender)] = env
	}
	for _, pair := range m.storage.ReadIfPrefix(partialCheckpointProofsKey + "/") {
		env, err := message.DecodeEnvelope(pair.Value)
		if err != nil {
			return fmt.Errorf("corrupt checkpoint attestation at %v: %v", pair.Key, err)
		}
		if payload, ok := env.Payload.(*message.Checkpoint); ok {
			cp := checkpoint{sequence: payload.Sequence, stateHash: payload.StateHash}
			if m.partialProofs[cp] == nil {
				m.partialProofs[cp] = make(map[node.NodeId]*message.Envelope)
			}
			m.partialProofs[cp][node.NodeId(env.Sender)] = env
		}
	}
	return nil
}
