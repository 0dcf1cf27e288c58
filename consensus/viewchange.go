package consensus

import (
	"sort"
)

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
)

// drives view changes and new view adoption. While a view change is in
// progress the replica stops accepting agreement messages for the old
// view; the machine either adopts a new view or cascades to the next one
// on another failure detector timeout
type ViewChangeMachine struct {
	replica *Replica

	inProgress bool

	// the view we are trying to move to
	targetView uint64

	// view change envelopes by target view by sender
	collected map[uint64]map[node.NodeId]*message.Envelope
}

func newViewChangeMachine(replica *Replica) *ViewChangeMachine {
	return &ViewChangeMachine{
		replica:   replica,
		collected: make(map[uint64]map[node.NodeId]*message.Envelope),
	}
}

func (m *ViewChangeMachine) InProgress() bool { return m.inProgress }

// failure detector trigger: move to the next view, or cascade past a
// failed view change attempt
func (m *ViewChangeMachine) HandleFailure() {
	target := m.replica.view + 1
	if m.inProgress && m.targetView >= target {
		target = m.targetView + 1
	}
	logger.Error("Failure detected on %v, moving to view %v", m.replica.uuid, target)
	m.replica.statsInc("pbft.viewchange.triggered", 1)
	m.initiate(target)
}

// a committed configuration change moves the swarm to the next view so
// the new membership can take effect
func (m *ViewChangeMachine) InitiateConfigChange() {
	target := m.replica.view + 1
	if m.inProgress && m.targetView >= target {
		target = m.targetView + 1
	}
	logger.Info("Configuration change committed, moving to view %v", target)
	m.initiate(target)
}

func (m *ViewChangeMachine) initiate(target uint64) {
	m.inProgress = true
	m.targetView = target

	// stop accepting agreement traffic for the abandoned view
	m.replica.setView(target)

	payload := m.buildViewChange(target)
	env, err := m.replica.wrapAndSign(payload)
	if err != nil {
		logger.Error("Failed to sign view change: %v", err)
		return
	}
	m.record(target, env)
	m.replica.broadcastToMembers(env)
	m.maybeBuildNewView(target)
}

// assembles our view change evidence: the latest stable checkpoint with
// its attestation proof, plus a prepared-proof for every operation
// prepared locally above it
func (m *ViewChangeMachine) buildViewChange(target uint64) *message.ViewChange {
	stable := m.replica.checkpoints.LatestStableCheckpoint()
	proof := make(map[string]*message.Envelope)
	for uuid, env := range m.replica.checkpoints.StableProof() {
		proof[string(uuid)] = env
	}

	prepared := m.replica.operations.PreparedOperationsSince(stable.sequence)
	sequences := make([]uint64, 0, len(prepared))
	for sequence := range prepared {
		sequences = append(sequences, sequence)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	proofs := make([]*message.PreparedProof, 0, len(sequences))
	for _, sequence := range sequences {
		op := prepared[sequence]
		prepares := make([]*message.Envelope, 0, len(op.GetPrepares()))
		for _, prepEnv := range op.GetPrepares() {
			prepares = append(prepares, prepEnv)
		}
		proofs = append(proofs, &message.PreparedProof{
			Sequence:   sequence,
			PrePrepare: op.GetPrePrepare(),
			Prepares:   prepares,
		})
	}

	return &message.ViewChange{
		NewView:         target,
		StableSequence:  stable.sequence,
		StableStateHash: stable.stateHash,
		CheckpointProof: proof,
		PreparedProofs:  proofs,
	}
}

func (m *ViewChangeMachine) record(target uint64, env *message.Envelope) {
	if m.collected[target] == nil {
		m.collected[target] = make(map[node.NodeId]*message.Envelope)
	}
	m.collected[target][node.NodeId(env.Sender)] = env
}

func (m *ViewChangeMachine) HandleViewChange(env *message.Envelope) {
	payload := env.Payload.(*message.ViewChange)

	if payload.NewView < m.replica.view {
		return
	}
	if err := m.validateViewChange(payload); err != nil {
		logger.Warning("Rejecting view change from %v: %v", env.Sender, err)
		m.replica.statsInc("pbft.viewchange.rejected", 1)
		return
	}
	m.record(payload.NewView, env)

	// f+1 members demanding a view above ours means we're partitioned
	// from a failure everyone else saw: join the smallest such view
	if !m.inProgress || payload.NewView > m.targetView {
		if target, ok := m.futureViewQuorum(); ok {
			logger.Info("Joining view change to %v", target)
			m.initiate(target)
			return
		}
	}

	m.maybeBuildNewView(payload.NewView)
}

// looks for f+1 distinct members demanding views above our current one,
// returns the smallest demanded view
func (m *ViewChangeMachine) futureViewQuorum() (uint64, bool) {
	demands := make(map[node.NodeId]uint64)
	for view, envs := range m.collected {
		if view <= m.replica.view {
			continue
		}
		for sender := range envs {
			if sender == m.replica.uuid {
				continue
			}
			if existing, exists := demands[sender]; !exists || view < existing {
				demands[sender] = view
			}
		}
	}
	if len(demands) < m.replica.maxFaulty()+1 {
		return 0, false
	}
	smallest := uint64(0)
	for _, view := range demands {
		if smallest == 0 || view < smallest {
			smallest = view
		}
	}
	return smallest, true
}

// semantic validation of a view change payload; the envelope signature
// has already been checked
func (m *ViewChangeMachine) validateViewChange(payload *message.ViewChange) error {
	// a fresh swarm's initial checkpoint needs no proof
	if payload.StableSequence > 0 {
		matching := 0
		for uuid, attestation := range payload.CheckpointProof {
			if attestation == nil || attestation.Sender != uuid {
				continue
			}
			cp, ok := attestation.Payload.(*message.Checkpoint)
			if !ok || cp.Sequence != payload.StableSequence || cp.StateHash != payload.StableStateHash {
				continue
			}
			if !m.replica.isMember(uuid) {
				continue
			}
			if err := crypto.VerifyEnvelope(attestation); err != nil {
				continue
			}
			matching++
		}
		if matching < m.replica.maxFaulty()+1 {
			return NewMalformedEnvelopeError("stable checkpoint at %v lacks f+1 valid attestations", payload.StableSequence)
		}
	}

	for _, proof := range payload.PreparedProofs {
		if proof == nil {
			return NewMalformedEnvelopeError("view change carries an empty prepared proof")
		}
		if err := m.validatePreparedProof(proof); err != nil {
			return err
		}
	}
	return nil
}

func (m *ViewChangeMachine) validatePreparedProof(proof *message.PreparedProof) error {
	if proof.PrePrepare == nil {
		return NewMalformedEnvelopeError("prepared proof for %v has no pre-prepare", proof.Sequence)
	}
	pp, ok := proof.PrePrepare.Payload.(*message.PrePrepare)
	if !ok || pp.Sequence != proof.Sequence {
		return NewMalformedEnvelopeError("prepared proof for %v has a mismatched pre-prepare", proof.Sequence)
	}
	if err := crypto.VerifyEnvelope(proof.PrePrepare); err != nil {
		return NewMalformedEnvelopeError("prepared proof for %v has an unverifiable pre-prepare: %v", proof.Sequence, err)
	}

	prepared := make(map[string]bool)
	for _, prepEnv := range proof.Prepares {
		if prepEnv == nil {
			continue
		}
		prep, ok := prepEnv.Payload.(*message.Prepare)
		if !ok || prep.View != pp.View || prep.Sequence != pp.Sequence || prep.RequestHash != pp.RequestHash {
			continue
		}
		if !m.replica.isMember(prepEnv.Sender) {
			continue
		}
		if err := crypto.VerifyEnvelope(prepEnv); err != nil {
			continue
		}
		prepared[prepEnv.Sender] = true
	}
	if len(prepared) < 2*m.replica.maxFaulty() {
		return NewMalformedEnvelopeError("prepared proof for %v lacks 2f valid prepares", proof.Sequence)
	}
	return nil
}

// the designated primary of the target view assembles a new view message
// once it holds 2f+1 view change envelopes
func (m *ViewChangeMachine) maybeBuildNewView(target uint64) {
	if !m.inProgress || target != m.targetView {
		return
	}
	if m.replica.primaryUuid(target) != m.replica.uuid {
		return
	}
	envs := m.collected[target]
	if len(envs) < 2*m.replica.maxFaulty()+1 {
		return
	}

	viewchanges := make([]*message.Envelope, 0, len(envs))
	senders := make([]string, 0, len(envs))
	for sender := range envs {
		senders = append(senders, string(sender))
	}
	sort.Strings(senders)
	for _, sender := range senders {
		viewchanges = append(viewchanges, envs[node.NodeId(sender)])
	}

	stable, proof := newestStableInSet(viewchanges)
	reissued, err := m.reissuePrePrepares(target, viewchanges, stable.sequence)
	if err != nil {
		logger.Error("Failed to build new view %v: %v", target, err)
		return
	}

	payload := &message.NewView{View: target, ViewChanges: viewchanges, PrePrepares: reissued}
	env, err := m.replica.wrapAndSign(payload)
	if err != nil {
		logger.Error("Failed to sign new view: %v", err)
		return
	}

	logger.Info("Issuing new view %v with %v re-issued pre-prepares", target, len(reissued))
	m.replica.statsInc("pbft.newview.issued", 1)
	m.replica.broadcastToMembers(env)
	m.adopt(target, stable, proof, reissued)
}

// the latest stable checkpoint claimed in a view change set, with its
// proof
func newestStableInSet(viewchanges []*message.Envelope) (checkpoint, map[node.NodeId]*message.Envelope) {
	best := checkpoint{0, InitialCheckpointHash}
	proof := make(map[node.NodeId]*message.Envelope)
	for _, env := range viewchanges {
		vc, ok := env.Payload.(*message.ViewChange)
		if !ok {
			continue
		}
		if vc.StableSequence > best.sequence {
			best = checkpoint{sequence: vc.StableSequence, stateHash: vc.StableStateHash}
			proof = make(map[node.NodeId]*message.Envelope)
			for uuid, attestation := range vc.CheckpointProof {
				proof[node.NodeId(uuid)] = attestation
			}
		}
	}
	return best, proof
}

// builds the re-issuance set for the range (stable, maxPrepared]: the
// proven request hash where any view change carries a prepared proof,
// a no-op otherwise
func (m *ViewChangeMachine) reissuePrePrepares(target uint64, viewchanges []*message.Envelope, stableSequence uint64) ([]*message.Envelope, error) {
	type provenOp struct {
		view    uint64
		hash    string
		request *message.Envelope
	}
	proven := make(map[uint64]provenOp)
	maxPrepared := stableSequence

	for _, env := range viewchanges {
		vc, ok := env.Payload.(*message.ViewChange)
		if !ok {
			continue
		}
		for _, proof := range vc.PreparedProofs {
			if proof == nil || proof.Sequence <= stableSequence || proof.PrePrepare == nil {
				continue
			}
			pp, ok := proof.PrePrepare.Payload.(*message.PrePrepare)
			if !ok {
				continue
			}
			if existing, exists := proven[proof.Sequence]; exists && existing.view >= pp.View {
				continue
			}
			proven[proof.Sequence] = provenOp{view: pp.View, hash: pp.RequestHash, request: pp.Request}
			if proof.Sequence > maxPrepared {
				maxPrepared = proof.Sequence
			}
		}
	}

	reissued := make([]*message.Envelope, 0, maxPrepared-stableSequence)
	for sequence := stableSequence + 1; sequence <= maxPrepared; sequence++ {
		pp := &message.PrePrepare{}
		pp.View = target
		pp.Sequence = sequence
		if op, exists := proven[sequence]; exists {
			pp.RequestHash = op.hash
			pp.Request = op.request
		}
		env, err := m.replica.wrapAndSign(pp)
		if err != nil {
			return nil, err
		}
		reissued = append(reissued, env)
	}
	return reissued, nil
}

func (m *ViewChangeMachine) HandleNewView(env *message.Envelope) {
	payload := env.Payload.(*message.NewView)

	if payload.View < m.replica.view {
		return
	}
	if env.Sender != string(m.replica.primaryUuid(payload.View)) {
		logger.Warning("New view %v from %v, who is not its primary", payload.View, env.Sender)
		m.replica.statsInc("pbft.newview.rejected", 1)
		return
	}

	// verify the justifying view change set. The re-issuance is
	// recomputed from the full set, so every element must be valid
	senders := make(map[string]bool)
	for _, vcEnv := range payload.ViewChanges {
		valid := false
		if vcEnv != nil {
			if vc, ok := vcEnv.Payload.(*message.ViewChange); ok && vc.NewView == payload.View &&
				m.replica.isMember(vcEnv.Sender) &&
				crypto.VerifyEnvelope(vcEnv) == nil &&
				m.validateViewChange(vc) == nil {
				valid = true
			}
		}
		if !valid {
			logger.Warning("New view %v carries an invalid view change", payload.View)
			m.replica.statsInc("pbft.newview.rejected", 1)
			return
		}
		senders[vcEnv.Sender] = true
	}
	if len(senders) < 2*m.replica.maxFaulty()+1 {
		logger.Warning("New view %v lacks 2f+1 valid view changes", payload.View)
		m.replica.statsInc("pbft.newview.rejected", 1)
		return
	}

	// verify the re-issuance set matches what the view change set proves
	stable, proof := newestStableInSet(payload.ViewChanges)
	expected, err := m.reissuePrePrepares(payload.View, payload.ViewChanges, stable.sequence)
	if err != nil {
		logger.Error("Failed to check new view %v: %v", payload.View, err)
		return
	}
	if len(expected) != len(payload.PrePrepares) {
		logger.Warning("New view %v re-issues %v pre-prepares, expected %v", payload.View, len(payload.PrePrepares), len(expected))
		m.replica.statsInc("pbft.newview.rejected", 1)
		return
	}
	for i, ppEnv := range payload.PrePrepares {
		if ppEnv == nil {
			m.replica.statsInc("pbft.newview.rejected", 1)
			return
		}
		pp, ok := ppEnv.Payload.(*message.PrePrepare)
		if !ok {
			m.replica.statsInc("pbft.newview.rejected", 1)
			return
		}
		want := expected[i].Payload.(*message.PrePrepare)
		if ppEnv.Sender != env.Sender || pp.View != payload.View || pp.Sequence != want.Sequence || pp.RequestHash != want.RequestHash {
			logger.Warning("New view %v re-issuance mismatch at sequence %v", payload.View, want.Sequence)
			m.replica.statsInc("pbft.newview.rejected", 1)
			return
		}
		if err := crypto.VerifyEnvelope(ppEnv); err != nil {
			m.replica.statsInc("pbft.newview.rejected", 1)
			return
		}
	}

	m.adopt(payload.View, stable, proof, payload.PrePrepares)
}

// makes the new view current: installs the proven stable checkpoint if
// it's ahead of ours, moves the view, and re-processes the re-issued
// pre-prepares
func (m *ViewChangeMachine) adopt(view uint64, stable checkpoint, proof map[node.NodeId]*message.Envelope, reissued []*message.Envelope) {
	logger.Info("Adopting view %v on %v", view, m.replica.uuid)
	m.replica.statsInc("pbft.newview.adopted", 1)

	if stable.sequence > m.replica.checkpoints.LatestStableCheckpoint().sequence {
		m.replica.checkpoints.AdoptStableCheckpoint(stable, proof)
	}

	m.inProgress = false
	m.targetView = view
	m.replica.setView(view)
	for target := range m.collected {
		if target <= view {
			delete(m.collected, target)
		}
	}

	m.replica.maybeAdoptConfig(view)

	// the new primary's sequence counter resumes above the re-issued
	// range
	maxSequence := m.replica.checkpoints.LatestStableCheckpoint().sequence
	for _, ppEnv := range reissued {
		if pp, ok := ppEnv.Payload.(*message.PrePrepare); ok && pp.Sequence > maxSequence {
			maxSequence = pp.Sequence
		}
	}
	m.replica.bumpNextSequence(maxSequence + 1)

	for _, ppEnv := range reissued {
		m.replica.handlePrePrepare(ppEnv)
	}
}
