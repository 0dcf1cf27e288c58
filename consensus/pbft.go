/*
PBFT replication engine for the storage swarm.

Replicas move client requests through the three phase agreement protocol
(pre-prepare, prepare, commit), execute them in strict sequence order
against the service state machine, compact their logs at stable
checkpoints, and fail over to a new primary through view changes when the
failure detector stops seeing progress
 */
package consensus

import (
	"math/rand"
	"time"
)

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"
)

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
	"github.com/swarmkv/swarmkv/options"
	"github.com/swarmkv/swarmkv/scheduler"
	"github.com/swarmkv/swarmkv/service"
	"github.com/swarmkv/swarmkv/storage"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("consensus")
}

// the slice of the statsd client the engine uses; satisfied by
// *statsd.Client and by the in-package mock
type Statter interface {
	Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error
	Timing(stat string, delta int64, rate float32, tags ...statsd.Tag) error
}

// (view, sequence) index into the accepted pre-prepare log
type logKey struct {
	view     uint64
	sequence uint64
}

type Replica struct {
	uuid node.NodeId
	keys *crypto.KeyPair

	transport node.Transport
	beacon    node.PeersBeacon
	storage   storage.Storage
	service   service.Service
	detector  *FailureDetector
	sched     scheduler.Scheduler
	opts      *options.Options
	stats     Statter
	rand      *rand.Rand

	operations  *OperationStore
	checkpoints *CheckpointManager
	configs     *ConfigStore
	viewchange  *ViewChangeMachine

	// mutated only on the event loop
	view          uint64
	nextSequence  uint64
	lowWaterMark  uint64
	highWaterMark uint64

	// (view, sequence) -> accepted request hash, rejects conflicting
	// pre-prepares
	acceptedPrePrepares map[logKey]string

	// request hash -> client session, so the reply can be routed back
	// even by a replica that only forwarded the request
	sessions map[string]node.Session

	// committed operations waiting on the contiguous execution window
	waitingExecution map[uint64]*Operation

	lastExecuted  uint64
	lastCommitted uint64

	auditHeartbeat scheduler.TimerHandle

	// validates JOIN whitelist tokens when peer validation is enabled
	joinValidator func(token []byte, uuid node.NodeId) bool

	started bool
}

func NewReplica(
	// this replica's signing identity; its uuid is derived from the key
	keys *crypto.KeyPair,
	// envelope delivery to and from peers and clients
	transport node.Transport,
	// the authoritative member set used until a configuration commits
	beacon node.PeersBeacon,
	// durable protocol state
	store storage.Storage,
	// the replicated state machine
	svc service.Service,
	// stall detection driving view changes
	detector *FailureDetector,
	// the event loop all handlers run on
	sched scheduler.Scheduler,
	opts *options.Options,
	stats Statter,
	// randomness source for state transfer target selection
	rnd *rand.Rand,
) (*Replica, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	r := &Replica{
		uuid:                node.NodeId(keys.Uuid()),
		keys:                keys,
		transport:           transport,
		beacon:              beacon,
		storage:             store,
		service:             svc,
		detector:            detector,
		sched:               sched,
		opts:                opts,
		stats:               stats,
		rand:                rnd,
		operations:          NewOperationStore(store),
		acceptedPrePrepares: make(map[logKey]string),
		sessions:            make(map[string]node.Session),
		waitingExecution:    make(map[uint64]*Operation),
	}

	// corrupt persistent state aborts startup; it is never tolerated
	// mid-run
	var err error
	if r.view, err = loadUint64(store, viewKey, 1); err != nil {
		return nil, err
	}
	if r.nextSequence, err = loadUint64(store, nextSequenceKey, 1); err != nil {
		return nil, err
	}
	if r.configs, err = NewConfigStore(store); err != nil {
		return nil, err
	}
	if r.checkpoints, err = newCheckpointManager(r, store); err != nil {
		return nil, err
	}
	r.viewchange = newViewChangeMachine(r)

	if r.configs.Current() == nil {
		initial := NewConfiguration(beacon.Current())
		r.configs.Add(initial)
		r.configs.SetCurrent(initial.Hash(), r.view)
	}

	stable := r.checkpoints.LatestStableCheckpoint()
	r.lowWaterMark = stable.sequence
	r.highWaterMark = stable.sequence + 2*opts.CheckpointInterval
	r.lastExecuted = svc.LastExecuted()
	if stable.sequence > r.lastExecuted {
		r.lastExecuted = stable.sequence
	}
	r.lastCommitted = r.lastExecuted

	r.operations.LoadHeldOperations(r.currentPeers())

	r.registerHandlers()
	detector.RegisterFailureHandler(r.viewchange.HandleFailure)
	svc.RegisterExecuteHandler(r.onSequenceExecuted)

	return r, nil
}

func (r *Replica) registerHandlers() {
	for _, ptype := range []message.PayloadType{
		message.PRE_PREPARE,
		message.PREPARE,
		message.COMMIT,
		message.CHECKPOINT,
		message.VIEWCHANGE,
		message.NEWVIEW,
		message.JOIN,
		message.LEAVE,
		message.DATABASE,
		message.STATUS_REQUEST,
		message.CHECKPOINT_REQUEST,
		message.STATE_RESPONSE,
	} {
		r.transport.RegisterHandler(ptype, r.enqueue)
	}
}

// inbound envelopes are posted onto the event loop; handlers never run
// on transport goroutines
func (r *Replica) enqueue(env *message.Envelope, session node.Session) {
	r.sched.Post(func() { r.dispatch(env, session) })
}

func (r *Replica) Start() {
	if r.started {
		return
	}
	r.started = true
	logger.Info("Replica %v starting at view %v, next sequence %v", r.uuid, r.view, r.nextSequence)
	if r.opts.AuditEnabled {
		r.armAuditHeartbeat()
	}
}

func (r *Replica) Stop() {
	if r.auditHeartbeat != nil {
		r.auditHeartbeat.Cancel()
		r.auditHeartbeat = nil
	}
	r.started = false
}

// ------------- info getters -------------

func (r *Replica) GetUuid() node.NodeId { return r.uuid }
func (r *Replica) GetView() uint64      { return r.view }
func (r *Replica) GetNextSequence() uint64 { return r.nextSequence }
func (r *Replica) GetLastExecuted() uint64 { return r.lastExecuted }
func (r *Replica) GetLowWaterMark() uint64  { return r.lowWaterMark }
func (r *Replica) GetHighWaterMark() uint64 { return r.highWaterMark }

func (r *Replica) OutstandingOperationsCount() int {
	return r.operations.HeldOperationsCount()
}

// ------------- membership -------------

// the current configuration's members, uuid sorted
func (r *Replica) currentPeers() []node.PeerAddress {
	if current := r.configs.Current(); current != nil {
		return current.Peers()
	}
	return r.beacon.Current()
}

func (r *Replica) memberByUuid(uuid node.NodeId) (node.PeerAddress, bool) {
	for _, peer := range r.currentPeers() {
		if peer.Uuid == uuid {
			return peer, true
		}
	}
	return node.PeerAddress{}, false
}

func (r *Replica) isMember(uuid string) bool {
	_, exists := r.memberByUuid(node.NodeId(uuid))
	return exists
}

// max tolerated byzantine members under the current configuration
func (r *Replica) maxFaulty() int {
	return (len(r.currentPeers()) - 1) / 3
}

// primary election: members[view mod n] over the uuid sorted membership
func (r *Replica) primaryUuid(view uint64) node.NodeId {
	peers := r.currentPeers()
	if len(peers) == 0 {
		return ""
	}
	return peers[view%uint64(len(peers))].Uuid
}

func (r *Replica) IsPrimary() bool {
	return r.primaryUuid(r.view) == r.uuid
}

func (r *Replica) GetPrimary() node.NodeId {
	return r.primaryUuid(r.view)
}

// ------------- view and sequence bookkeeping -------------

func (r *Replica) setView(view uint64) {
	if view == r.view {
		return
	}
	r.view = view
	if err := storeUint64(r.storage, viewKey, view); err != nil {
		logger.Error("Failed to persist view: %v", err)
	}
}

func (r *Replica) bumpNextSequence(sequence uint64) {
	if sequence <= r.nextSequence {
		return
	}
	r.nextSequence = sequence
	if err := storeUint64(r.storage, nextSequenceKey, sequence); err != nil {
		logger.Error("Failed to persist next sequence: %v", err)
	}
}

// any protocol message outside (low, high] is silently dropped
func (r *Replica) inWindow(sequence uint64) bool {
	return sequence > r.lowWaterMark && sequence <= r.highWaterMark
}

// a stabilized checkpoint advances the watermarks and garbage collects
// everything at or below it
func (r *Replica) onCheckpointStabilized(cp checkpoint) {
	r.lowWaterMark = cp.sequence
	r.highWaterMark = cp.sequence + 2*r.opts.CheckpointInterval
	if r.lastExecuted < cp.sequence {
		r.lastExecuted = cp.sequence
	}
	if r.lastCommitted < cp.sequence {
		r.lastCommitted = cp.sequence
	}
	r.bumpNextSequence(cp.sequence + 1)

	for sequence := range r.waitingExecution {
		if sequence <= cp.sequence {
			delete(r.waitingExecution, sequence)
		}
	}
	for key := range r.acceptedPrePrepares {
		if key.sequence <= cp.sequence {
			delete(r.acceptedPrePrepares, key)
		}
	}
	r.operations.DeleteOperationsUntil(cp.sequence)
	r.service.ConsolidateLog(cp.sequence)
}

// invoked by the service after each applied sequence; emits our
// checkpoint attestation at interval boundaries
func (r *Replica) onSequenceExecuted(sequence uint64) {
	if r.opts.CheckpointInterval == 0 || sequence%r.opts.CheckpointInterval != 0 {
		return
	}
	hash, exists := r.service.StateHash(sequence)
	if !exists {
		logger.Error("Service has no state hash at checkpoint %v", sequence)
		return
	}
	r.checkpoints.LocalCheckpointReached(checkpoint{sequence: sequence, stateHash: hash})
}

// a new view activates the newest prepared configuration, so a
// reconfiguration agreed right before the view change isn't lost with
// the old primary
func (r *Replica) maybeAdoptConfig(view uint64) {
	hash := r.configs.NewestPrepared()
	if hash == "" {
		if current := r.configs.Current(); current != nil {
			hash = current.Hash()
		}
	}
	if hash != "" {
		r.configs.SetCurrent(hash, view)
	}
}

// ------------- outbound -------------

// wraps a payload in a signed envelope from this replica
func (r *Replica) wrapAndSign(payload message.Payload) (*message.Envelope, error) {
	env := &message.Envelope{
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := r.keys.SignEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// sends the envelope to every current member but ourselves. Send
// failures are transient; the next broadcast occasion retries
func (r *Replica) broadcastToMembers(env *message.Envelope) {
	for _, peer := range r.currentPeers() {
		if peer.Uuid == r.uuid {
			continue
		}
		if err := r.transport.SendToPeer(peer, env); err != nil {
			r.statsInc("pbft.send.failed", 1)
			logger.Warning("Failed to send %v to %v: %v", env.Payload.GetType(), peer.Uuid, err)
		}
	}
}

// ------------- metrics -------------

func (r *Replica) statsInc(stat string, value int64) {
	if r.stats != nil {
		r.stats.Inc(stat, value, 1.0)
	}
}

func (r *Replica) statsTiming(stat string, start time.Time) {
	if r.stats != nil {
		delta := int64(time.Since(start) / time.Millisecond)
		r.stats.Timing(stat, delta, 1.0)
	}
}

// ------------- hooks -------------

// installs the whitelist validator used when peer validation is enabled
func (r *Replica) RegisterJoinValidator(validator func(token []byte, uuid node.NodeId) bool) {
	r.joinValidator = validator
}
