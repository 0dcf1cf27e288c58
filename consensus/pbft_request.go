package consensus

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
)

// client request intake. Database and membership change requests share
// the consensus path: the primary orders them, backups forward them to
// the primary and retain the session so the reply can be routed back
// after a failover

func (r *Replica) handleRequest(env *message.Envelope, session node.Session) {
	hash, err := crypto.RequestHash(env)
	if err != nil {
		r.statsInc("pbft.request.malformed", 1)
		logger.Warning("Failed to hash request from %v: %v", env.Sender, err)
		return
	}

	r.detector.RequestSeen(hash)
	if session != nil {
		r.sessions[hash] = session
	}

	// mid view change, nobody is ordering; the session and the failure
	// detector entry are retained, and the detector escalates if the
	// request never executes
	if r.viewchange.InProgress() {
		return
	}

	if !r.IsPrimary() {
		r.forwardToPrimary(env, hash)
		return
	}
	r.assignSequence(env, hash)
}

// the primary allocates the next sequence and proposes the ordering
func (r *Replica) assignSequence(env *message.Envelope, hash string) {
	if r.nextSequence <= r.lowWaterMark || r.nextSequence > r.highWaterMark {
		r.statsInc("pbft.request.window_full", 1)
		logger.Warning("Next sequence %v is outside (%v, %v], deferring request %v",
			r.nextSequence, r.lowWaterMark, r.highWaterMark, hash)
		return
	}

	sequence := r.nextSequence
	r.bumpNextSequence(sequence + 1)

	op := r.operations.FindOrConstruct(r.view, sequence, hash, r.currentPeers())
	op.RecordRequest(env)
	if session, exists := r.sessions[hash]; exists {
		op.SetSession(session)
	}

	pp := &message.PrePrepare{Request: env}
	pp.View = r.view
	pp.Sequence = sequence
	pp.RequestHash = hash

	ppEnv, err := r.wrapAndSign(pp)
	if err != nil {
		logger.Error("Failed to sign pre-prepare: %v", err)
		return
	}

	r.acceptedPrePrepares[logKey{view: r.view, sequence: sequence}] = hash
	op.RecordPrePrepare(ppEnv)
	r.statsInc("pbft.preprepare.issued", 1)
	logger.Debug("Primary %v assigned sequence %v to request %v", r.uuid, sequence, hash)

	r.broadcastToMembers(ppEnv)
	r.maybeAdvanceOperation(op)
}

func (r *Replica) forwardToPrimary(env *message.Envelope, hash string) {
	primary, exists := r.memberByUuid(r.primaryUuid(r.view))
	if !exists {
		logger.Error("No address for primary of view %v", r.view)
		return
	}
	logger.Debug("Forwarding request %v to primary %v", hash, primary.Uuid)
	r.statsInc("pbft.request.forwarded", 1)
	if err := r.transport.SendToPeer(primary, env); err != nil {
		// transient: the failure detector will force a view change if
		// the request never executes
		logger.Warning("Failed to forward request to primary: %v", err)
	}
}

// membership changes are consensus requests like any other; validation
// of the whitelist token happened at dispatch
func (r *Replica) handleMembershipRequest(env *message.Envelope, session node.Session) {
	r.handleRequest(env, session)
}

// derives the configuration a committed membership change produces
func (r *Replica) deriveConfiguration(request *message.Envelope) *Configuration {
	current := r.configs.Current()
	if current == nil {
		return nil
	}
	switch payload := request.Payload.(type) {
	case *message.Join:
		return current.WithPeer(node.PeerAddress{
			Host: payload.Host,
			Port: payload.Port,
			Uuid: node.NodeId(payload.Uuid),
		})
	case *message.Leave:
		return current.WithoutPeer(node.NodeId(payload.Uuid))
	}
	return nil
}
