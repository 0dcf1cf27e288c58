package consensus

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
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

// scheduler double: posted tasks run inline, timers are armed but only
// fire when the test says so
type mockTimer struct {
	duration  time.Duration
	task      scheduler.Task
	cancelled bool
	fired     bool
}

func (t *mockTimer) Cancel() { t.cancelled = true }

type mockScheduler struct {
	timers []*mockTimer
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{timers: make([]*mockTimer, 0)}
}

func (s *mockScheduler) Post(task scheduler.Task) { task() }

func (s *mockScheduler) Schedule(d time.Duration, task scheduler.Task) scheduler.TimerHandle {
	timer := &mockTimer{duration: d, task: task}
	s.timers = append(s.timers, timer)
	return timer
}

// fires every armed, uncancelled timer once
func (s *mockScheduler) fireAll() {
	pending := s.timers
	s.timers = make([]*mockTimer, 0)
	for _, timer := range pending {
		if !timer.cancelled && !timer.fired {
			timer.fired = true
			timer.task()
		}
	}
}

func (s *mockScheduler) pendingTimers() int {
	count := 0
	for _, timer := range s.timers {
		if !timer.cancelled && !timer.fired {
			count++
		}
	}
	return count
}

// session double recording replies
type mockSession struct {
	lock    sync.Mutex
	replies []*message.Envelope
	closed  bool
}

func newMockSession() *mockSession {
	return &mockSession{replies: make([]*message.Envelope, 0)}
}

func (s *mockSession) SendReply(env *message.Envelope) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	s.replies = append(s.replies, env)
	return nil
}

func (s *mockSession) IsOpen() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.closed
}

func (s *mockSession) replyCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.replies)
}

// in-process transport fabric. Envelopes are round-tripped through the
// wire encoding on delivery so serialization stays honest
type mockNetwork struct {
	transports map[node.NodeId]*mockTransport
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{transports: make(map[node.NodeId]*mockTransport)}
}

type mockTransport struct {
	network *mockNetwork
	uuid    node.NodeId

	handlers map[message.PayloadType]node.EnvelopeHandler

	// envelopes this node attempted to send, in order
	sent []*message.Envelope

	// a partitioned node can neither send nor receive
	partitioned bool

	// inbound payload types to drop silently
	dropInbound map[message.PayloadType]bool
}

var _ = node.Transport(&mockTransport{})

func newMockTransport(network *mockNetwork, uuid node.NodeId) *mockTransport {
	t := &mockTransport{
		network:     network,
		uuid:        uuid,
		handlers:    make(map[message.PayloadType]node.EnvelopeHandler),
		sent:        make([]*message.Envelope, 0),
		dropInbound: make(map[message.PayloadType]bool),
	}
	network.transports[uuid] = t
	return t
}

func (t *mockTransport) Start() error { return nil }
func (t *mockTransport) Stop() error  { return nil }

func (t *mockTransport) RegisterHandler(ptype message.PayloadType, handler node.EnvelopeHandler) {
	t.handlers[ptype] = handler
}

func (t *mockTransport) SendToPeer(peer node.PeerAddress, env *message.Envelope) error {
	t.sent = append(t.sent, env)
	if t.partitioned {
		return fmt.Errorf("node %v is partitioned", t.uuid)
	}
	dst, exists := t.network.transports[peer.Uuid]
	if !exists {
		return fmt.Errorf("no transport for %v", peer.Uuid)
	}
	return dst.deliver(env, nil)
}

func (t *mockTransport) deliver(env *message.Envelope, session node.Session) error {
	if t.partitioned {
		return fmt.Errorf("node %v is partitioned", t.uuid)
	}
	if t.dropInbound[env.Payload.GetType()] {
		return nil
	}
	encoded, err := message.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := message.DecodeEnvelope(encoded)
	if err != nil {
		return err
	}
	if handler, exists := t.handlers[decoded.Payload.GetType()]; exists {
		handler(decoded, session)
	}
	return nil
}

// envelopes of a type this node attempted to send
func (t *mockTransport) sentOfType(ptype message.PayloadType) []*message.Envelope {
	matched := make([]*message.Envelope, 0)
	for _, env := range t.sent {
		if env.Payload.GetType() == ptype {
			matched = append(matched, env)
		}
	}
	return matched
}

// implements the statter interface, used for testing things were
// counted internally
type mockStatter struct {
	mutex    sync.RWMutex
	counters map[string]int64
	timers   map[string]int64
}

func newMockStatter() *mockStatter {
	return &mockStatter{
		counters: make(map[string]int64),
		timers:   make(map[string]int64),
	}
}

func (s *mockStatter) Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.counters[stat] += value
	return nil
}

func (s *mockStatter) Timing(stat string, delta int64, rate float32, tags ...statsd.Tag) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.timers[stat] = delta
	return nil
}

func (s *mockStatter) counter(stat string) int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.counters[stat]
}

// one replica with all of its collaborators
type testReplica struct {
	keys      *crypto.KeyPair
	uuid      node.NodeId
	transport *mockTransport
	sched     *mockScheduler
	storage   *storage.MemStorage
	dbStorage *storage.MemStorage
	service   *service.KVService
	detector  *FailureDetector
	stats     *mockStatter
	replica   *Replica
}

// an in-process swarm of n replicas wired through the mock fabric
type testNetwork struct {
	network  *mockNetwork
	peers    []node.PeerAddress
	replicas map[node.NodeId]*testReplica

	// replicas in membership (uuid sorted) order
	ordered []*testReplica
}

func newTestNetwork(n int, opts *options.Options) (*testNetwork, error) {
	if opts == nil {
		opts = options.Defaults()
	}
	network := newMockNetwork()

	keys := make([]*crypto.KeyPair, n)
	peers := make([]node.PeerAddress, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.NewKeyPair()
		if err != nil {
			return nil, err
		}
		keys[i] = kp
		peers[i] = node.PeerAddress{Host: "127.0.0.1", Port: uint64(50000 + i), Uuid: node.NodeId(kp.Uuid())}
	}
	node.SortPeers(peers)

	tn := &testNetwork{
		network:  network,
		peers:    peers,
		replicas: make(map[node.NodeId]*testReplica),
		ordered:  make([]*testReplica, 0, n),
	}

	for _, kp := range keys {
		tr, err := newTestReplica(network, kp, peers, opts)
		if err != nil {
			return nil, err
		}
		tn.replicas[tr.uuid] = tr
	}
	for _, peer := range peers {
		tn.ordered = append(tn.ordered, tn.replicas[peer.Uuid])
	}
	for _, tr := range tn.ordered {
		tr.replica.Start()
	}
	return tn, nil
}

func newTestReplica(network *mockNetwork, kp *crypto.KeyPair, peers []node.PeerAddress, opts *options.Options) (*testReplica, error) {
	tr := &testReplica{
		keys:      kp,
		uuid:      node.NodeId(kp.Uuid()),
		sched:     newMockScheduler(),
		storage:   storage.NewMemStorage(),
		dbStorage: storage.NewMemStorage(),
		stats:     newMockStatter(),
	}
	tr.transport = newMockTransport(network, tr.uuid)
	tr.service = service.NewKVService(tr.dbStorage, opts.CheckpointInterval)

	var err error
	if tr.detector, err = NewFailureDetector(tr.sched, opts); err != nil {
		return nil, err
	}
	beacon := node.NewStaticBeacon(peers)
	tr.replica, err = NewReplica(kp, tr.transport, beacon, tr.storage, tr.service,
		tr.detector, tr.sched, opts, tr.stats, rand.New(rand.NewSource(42)))
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// the primary of the given view under the initial membership
func (tn *testNetwork) primary(view uint64) *testReplica {
	return tn.ordered[view%uint64(len(tn.ordered))]
}

// delivers an envelope to a single replica as if it arrived on a client
// connection
func (tn *testNetwork) submitTo(tr *testReplica, env *message.Envelope, session node.Session) {
	tr.replica.enqueue(env, session)
}

// builds a signed client database request envelope
func clientRequest(clientKeys *crypto.KeyPair, op message.DatabaseOp, key string, value []byte) (*message.Envelope, error) {
	env := &message.Envelope{
		Timestamp: 1,
		Payload:   &message.Database{Op: op, Key: key, Value: value},
	}
	if err := clientKeys.SignEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// builds a signed protocol envelope from the given member's keys
func signedBy(kp *crypto.KeyPair, payload message.Payload) (*message.Envelope, error) {
	env := &message.Envelope{Timestamp: 1, Payload: payload}
	if err := kp.SignEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}
