package consensus

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
)

// inbound routing. Every envelope is verified before any state changing
// handler runs; handlers are total and errors never escape them

func (r *Replica) dispatch(env *message.Envelope, session node.Session) {
	if env == nil || env.Payload == nil {
		return
	}
	r.statsInc("pbft.message.received", 1)

	switch env.Payload.GetType() {
	case message.PRE_PREPARE, message.PREPARE, message.COMMIT, message.CHECKPOINT,
		message.VIEWCHANGE, message.NEWVIEW, message.CHECKPOINT_REQUEST, message.STATE_RESPONSE:
		if err := crypto.VerifyEnvelope(env); err != nil {
			r.dropMalformed(env, "signature", err)
			return
		}
		// an envelope whose sender is not a member of the current
		// configuration is rejected
		if !r.isMember(env.Sender) {
			r.dropMalformed(env, "membership", NewMalformedEnvelopeError("sender %v is not a member", env.Sender))
			return
		}
	case message.DATABASE:
		if !r.opts.AnonymousClients {
			if err := crypto.VerifyEnvelope(env); err != nil {
				r.dropMalformed(env, "signature", err)
				return
			}
		}
	case message.JOIN:
		if err := crypto.VerifyEnvelope(env); err != nil {
			r.dropMalformed(env, "signature", err)
			return
		}
		if r.opts.PeerValidationEnabled {
			join := env.Payload.(*message.Join)
			if r.joinValidator == nil || !r.joinValidator(join.WhitelistToken, node.NodeId(join.Uuid)) {
				r.dropMalformed(env, "whitelist", NewMalformedEnvelopeError("join from %v failed whitelist validation", join.Uuid))
				return
			}
		}
	case message.LEAVE:
		if err := crypto.VerifyEnvelope(env); err != nil {
			r.dropMalformed(env, "signature", err)
			return
		}
	case message.STATUS_REQUEST:
		// status is answerable by anyone
	default:
		r.dropMalformed(env, "unroutable", NewMalformedEnvelopeError("unroutable payload %v", env.Payload.GetType()))
		return
	}

	switch env.Payload.(type) {
	case *message.PrePrepare:
		r.handlePrePrepare(env)
	case *message.Prepare:
		r.handlePrepare(env)
	case *message.Commit:
		r.handleCommit(env)
	case *message.Checkpoint:
		r.checkpoints.HandleCheckpoint(env)
	case *message.ViewChange:
		r.viewchange.HandleViewChange(env)
	case *message.NewView:
		r.viewchange.HandleNewView(env)
	case *message.Database:
		r.handleRequest(env, session)
	case *message.Join, *message.Leave:
		r.handleMembershipRequest(env, session)
	case *message.StatusRequest:
		r.handleStatusRequest(env, session)
	case *message.CheckpointRequest:
		r.handleCheckpointRequest(env)
	case *message.StateResponse:
		r.checkpoints.HandleStateResponse(env)
	}
}

func (r *Replica) dropMalformed(env *message.Envelope, reason string, err error) {
	r.statsInc("pbft.message.dropped."+reason, 1)
	logger.Warning("Dropping %v from %v: %v", env.Payload.GetType(), env.Sender, err)
}

// watermark and view filter shared by the agreement handlers. Out of
// window messages are dropped silently, no counter
func (r *Replica) inViewAndWindow(ptype message.PayloadType, view uint64, sequence uint64) bool {
	if view != r.view {
		logger.Debug("%v", NewOutOfWindowError("%v for view %v, current view is %v", ptype, view, r.view))
		return false
	}
	if !r.inWindow(sequence) {
		logger.Debug("%v", NewOutOfWindowError("%v at sequence %v is outside (%v, %v]", ptype, sequence, r.lowWaterMark, r.highWaterMark))
		return false
	}
	return true
}

// ------------- agreement handlers -------------

func (r *Replica) handlePrePrepare(env *message.Envelope) {
	pp := env.Payload.(*message.PrePrepare)

	if !r.inViewAndWindow(message.PRE_PREPARE, pp.View, pp.Sequence) {
		return
	}
	if env.Sender != string(r.primaryUuid(pp.View)) {
		r.dropMalformed(env, "not_primary", NewMalformedEnvelopeError("pre-prepare from %v, who is not the primary of view %v", env.Sender, pp.View))
		return
	}

	key := logKey{view: pp.View, sequence: pp.Sequence}
	if accepted, exists := r.acceptedPrePrepares[key]; exists && accepted != pp.RequestHash {
		// a primary proposing two requests for one slot is a byzantine
		// signal; the conflict is visible to the audit observers
		r.statsInc("pbft.message.conflict", 1)
		logger.Error("%v", NewConflictError("conflicting pre-prepare at (%v, %v): have %v, got %v", pp.View, pp.Sequence, accepted, pp.RequestHash))
		return
	}

	// the embedded request must carry the claimed hash
	if pp.Request != nil {
		computed, err := crypto.RequestHash(pp.Request)
		if err != nil || computed != pp.RequestHash {
			r.dropMalformed(env, "request_hash", NewMalformedEnvelopeError("pre-prepare hash mismatch at sequence %v", pp.Sequence))
			return
		}
	} else if pp.RequestHash != "" {
		r.dropMalformed(env, "request_hash", NewMalformedEnvelopeError("pre-prepare at sequence %v claims a request it doesn't carry", pp.Sequence))
		return
	}

	op := r.operations.FindOrConstruct(pp.View, pp.Sequence, pp.RequestHash, r.currentPeers())
	op.RecordPrePrepare(env)
	if pp.Request != nil {
		op.RecordRequest(pp.Request)
		r.detector.RequestSeen(pp.RequestHash)
		if session, exists := r.sessions[pp.RequestHash]; exists {
			op.SetSession(session)
		}
	}
	r.acceptedPrePrepares[key] = pp.RequestHash

	// mid view change, evidence for the pending view is recorded but
	// not acted on; adopting the new view re-drives these operations
	if r.viewchange.InProgress() {
		return
	}

	// backups answer with a prepare; the primary's pre-prepare speaks
	// for it
	if r.primaryUuid(pp.View) != r.uuid && !op.prepareSent {
		op.prepareSent = true
		prepare := &message.Prepare{}
		prepare.View = pp.View
		prepare.Sequence = pp.Sequence
		prepare.RequestHash = pp.RequestHash
		prepEnv, err := r.wrapAndSign(prepare)
		if err != nil {
			logger.Error("Failed to sign prepare: %v", err)
			return
		}
		op.RecordPrepare(prepEnv)
		r.broadcastToMembers(prepEnv)
	}
	r.maybeAdvanceOperation(op)
}

func (r *Replica) handlePrepare(env *message.Envelope) {
	prepare := env.Payload.(*message.Prepare)

	if !r.inViewAndWindow(message.PREPARE, prepare.View, prepare.Sequence) {
		return
	}

	// a prepare may arrive before its pre-prepare; the operation record
	// buffers the evidence until the pre-prepare is seen
	op := r.operations.FindOrConstruct(prepare.View, prepare.Sequence, prepare.RequestHash, r.currentPeers())
	op.RecordPrepare(env)
	if r.viewchange.InProgress() {
		return
	}
	r.maybeAdvanceOperation(op)
}

func (r *Replica) handleCommit(env *message.Envelope) {
	commit := env.Payload.(*message.Commit)

	if !r.inViewAndWindow(message.COMMIT, commit.View, commit.Sequence) {
		return
	}

	op := r.operations.FindOrConstruct(commit.View, commit.Sequence, commit.RequestHash, r.currentPeers())
	op.RecordCommit(env)
	if r.viewchange.InProgress() {
		return
	}
	r.maybeAdvanceOperation(op)
}

// drives an operation through its stages. Broadcasts happen at most once
// per stage; stage advancement happens at most once per stage
func (r *Replica) maybeAdvanceOperation(op *Operation) {
	if op.GetStage() == STAGE_PREPARE && op.IsPrepared() {
		if err := op.AdvanceStage(STAGE_COMMIT); err != nil {
			logger.Error("%v", err)
			return
		}
		r.statsInc("pbft.operation.prepared", 1)
		logger.Debug("Operation (%v, %v, %v) is prepared on %v", op.GetView(), op.GetSequence(), op.GetRequestHash(), r.uuid)

		if op.HasConfigRequest() {
			if config := r.deriveConfiguration(op.GetRequest()); config != nil {
				if r.configs.GetState(config.Hash()) == CONFIG_UNKNOWN {
					r.configs.Add(config)
				}
				r.configs.SetPrepared(config.Hash())
			}
		}

		if !op.commitSent {
			op.commitSent = true
			commit := &message.Commit{}
			commit.View = op.GetView()
			commit.Sequence = op.GetSequence()
			commit.RequestHash = op.GetRequestHash()
			commitEnv, err := r.wrapAndSign(commit)
			if err != nil {
				logger.Error("Failed to sign commit: %v", err)
				return
			}
			op.RecordCommit(commitEnv)
			r.broadcastToMembers(commitEnv)
		}
	}

	if op.GetStage() == STAGE_COMMIT && op.IsCommitted() {
		if err := op.AdvanceStage(STAGE_EXECUTE); err != nil {
			logger.Error("%v", err)
			return
		}
		r.statsInc("pbft.operation.committed", 1)
		if op.GetSequence() > r.lastCommitted {
			r.lastCommitted = op.GetSequence()
		}

		// execution is strictly by increasing sequence: buffer until
		// the contiguous prefix advances. A sequence re-agreed after a
		// view change may already be executed
		if op.GetSequence() > r.lastExecuted {
			r.waitingExecution[op.GetSequence()] = op
			r.drainExecutionWindow()
		}
	}
}

func (r *Replica) drainExecutionWindow() {
	for {
		op, exists := r.waitingExecution[r.lastExecuted+1]
		if !exists {
			return
		}
		delete(r.waitingExecution, op.GetSequence())
		r.executeOperation(op)
	}
}

func (r *Replica) executeOperation(op *Operation) {
	sequence := op.GetSequence()
	hash := op.GetRequestHash()

	if op.HasConfigRequest() {
		r.applyConfigChange(op)
	}

	// every slot goes through the service so the state hash chain stays
	// contiguous; no-ops and config changes leave the data untouched
	reply, err := r.service.ApplyOperation(op)
	if err != nil {
		logger.Error("Service failed to apply sequence %v: %v", sequence, err)
		return
	}
	r.lastExecuted = sequence
	r.statsInc("pbft.operation.executed", 1)
	logger.Debug("Executed sequence %v (%v) on %v", sequence, hash, r.uuid)

	if hash != "" {
		r.detector.RequestExecuted(hash)
	}

	session := op.GetSession()
	if session == nil {
		session = r.sessions[hash]
	}
	delete(r.sessions, hash)
	if reply != nil && session != nil && session.IsOpen() {
		replyEnv, err := r.wrapAndSign(reply)
		if err != nil {
			logger.Error("Failed to sign reply: %v", err)
		} else if err := session.SendReply(replyEnv); err != nil {
			// the session is weak: a disconnected client just misses
			// its reply
			logger.Debug("Failed to send reply for %v: %v", hash, err)
		}
	}

	r.emitCommitNotification(sequence, hash)
}

// a committed membership change flips its configuration to committed and
// moves the swarm to a new view where it becomes current
func (r *Replica) applyConfigChange(op *Operation) {
	config := r.deriveConfiguration(op.GetRequest())
	if config == nil {
		return
	}
	if r.configs.GetState(config.Hash()) == CONFIG_UNKNOWN {
		r.configs.Add(config)
	}
	alreadyCurrent := r.configs.Current() != nil && r.configs.Current().Hash() == config.Hash()
	r.configs.SetCommitted(config.Hash())
	r.statsInc("pbft.config.committed", 1)
	logger.Info("Configuration %v committed at sequence %v", config.Hash(), op.GetSequence())

	// if a view change already activated this configuration, the swarm
	// has moved; don't push it through another view
	if !alreadyCurrent {
		r.viewchange.InitiateConfigChange()
	}
}

// ------------- audit -------------

// each replica announces what it committed where; observers correlate
// the announcements to surface safety violations
func (r *Replica) emitCommitNotification(sequence uint64, hash string) {
	if !r.opts.AuditEnabled {
		return
	}
	env, err := r.wrapAndSign(&message.Audit{
		Kind:          message.AUDIT_COMMIT_NOTIFICATION,
		Sequence:      sequence,
		OperationHash: hash,
	})
	if err != nil {
		logger.Error("Failed to sign commit notification: %v", err)
		return
	}
	r.broadcastToMembers(env)
}

func (r *Replica) armAuditHeartbeat() {
	r.auditHeartbeat = r.sched.Schedule(r.opts.AuditHeartbeatInterval, r.handleAuditHeartbeat)
}

// the primary periodically claims its leadership on the audit stream
func (r *Replica) handleAuditHeartbeat() {
	if r.IsPrimary() && r.opts.AuditEnabled {
		env, err := r.wrapAndSign(&message.Audit{
			Kind: message.AUDIT_LEADER_STATUS,
			View: r.view,
			Uuid: string(r.uuid),
		})
		if err != nil {
			logger.Error("Failed to sign leader status: %v", err)
		} else {
			r.broadcastToMembers(env)
		}
	}
	if r.started {
		r.armAuditHeartbeat()
	}
}

// ------------- status and state transfer -------------

func (r *Replica) handleStatusRequest(env *message.Envelope, session node.Session) {
	response := &message.StatusResponse{
		View:          r.view,
		Primary:       string(r.primaryUuid(r.view)),
		LastCommitted: r.lastCommitted,
		LastExecuted:  r.lastExecuted,
		Outstanding:   uint64(r.operations.HeldOperationsCount()),
	}
	responseEnv, err := r.wrapAndSign(response)
	if err != nil {
		logger.Error("Failed to sign status response: %v", err)
		return
	}
	if session != nil && session.IsOpen() {
		if err := session.SendReply(responseEnv); err != nil {
			logger.Debug("Failed to send status response: %v", err)
		}
		return
	}
	if peer, exists := r.memberByUuid(node.NodeId(env.Sender)); exists {
		if err := r.transport.SendToPeer(peer, responseEnv); err != nil {
			logger.Debug("Failed to send status response to %v: %v", env.Sender, err)
		}
	}
}

// serves a state snapshot to a lagging member
func (r *Replica) handleCheckpointRequest(env *message.Envelope) {
	request := env.Payload.(*message.CheckpointRequest)

	state, err := r.service.ServiceState(request.Sequence)
	if err != nil {
		logger.Debug("No state to serve at checkpoint %v: %v", request.Sequence, err)
		return
	}
	hash, exists := r.service.StateHash(request.Sequence)
	if !exists {
		return
	}
	peer, exists := r.memberByUuid(node.NodeId(env.Sender))
	if !exists {
		return
	}
	responseEnv, err := r.wrapAndSign(&message.StateResponse{
		Sequence:  request.Sequence,
		StateHash: hash,
		State:     state,
	})
	if err != nil {
		logger.Error("Failed to sign state response: %v", err)
		return
	}
	r.statsInc("pbft.checkpoint.state_served", 1)
	if err := r.transport.SendToPeer(peer, responseEnv); err != nil {
		logger.Warning("Failed to send state response to %v: %v", env.Sender, err)
	}
}
