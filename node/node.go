/*
Internode addressing and the transport collaborators the consensus core
talks through
 */
package node

import (
	"fmt"
	"sort"
)

import (
	"github.com/pborman/uuid"
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/message"
)

type NodeId string

// generates a random node id for components that aren't backed by a
// keypair (test doubles, clients)
func NewNodeId() NodeId {
	return NodeId(uuid.NewRandom().String())
}

type PeerAddress struct {
	Host string
	Port uint64
	Uuid NodeId
}

func (p PeerAddress) Endpoint() string {
	return fmt.Sprintf("%v:%v", p.Host, p.Port)
}

// handler for inbound envelopes. The session is non nil when the envelope
// arrived on a client connection that can carry a reply
type EnvelopeHandler func(env *message.Envelope, session Session)

// delivers and accepts signed envelopes to and from peers and clients
type Transport interface {
	Start() error
	Stop() error

	// sends an envelope to a single peer
	SendToPeer(peer PeerAddress, env *message.Envelope) error

	// registers the handler for inbound envelopes of the given type
	RegisterHandler(ptype message.PayloadType, handler EnvelopeHandler)
}

// a client connection a reply can be routed back through. Sessions are
// weak: replies to a closed session are silently dropped
type Session interface {
	SendReply(env *message.Envelope) error
	IsOpen() bool
}

// yields the currently authoritative set of replicas
type PeersBeacon interface {
	// the current members, sorted by uuid
	Current() []PeerAddress

	// looks up a member by uuid
	ByUuid(id NodeId) (PeerAddress, bool)
}

// sorts a peer list by uuid in place and returns it
func SortPeers(peers []PeerAddress) []PeerAddress {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Uuid < peers[j].Uuid })
	return peers
}

// beacon over an explicit peer list, replaced through SetPeers. The
// consensus replica reads it only to seed its config store; after that,
// membership comes from the config store
type StaticBeacon struct {
	lock  deadlock.RWMutex
	peers []PeerAddress
}

var _ = PeersBeacon(&StaticBeacon{})

func NewStaticBeacon(peers []PeerAddress) *StaticBeacon {
	b := &StaticBeacon{}
	b.SetPeers(peers)
	return b
}

func (b *StaticBeacon) SetPeers(peers []PeerAddress) {
	cloned := make([]PeerAddress, len(peers))
	copy(cloned, peers)
	SortPeers(cloned)
	b.lock.Lock()
	defer b.lock.Unlock()
	b.peers = cloned
}

func (b *StaticBeacon) Current() []PeerAddress {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.peers
}

func (b *StaticBeacon) ByUuid(id NodeId) (PeerAddress, bool) {
	for _, peer := range b.Current() {
		if peer.Uuid == id {
			return peer, true
		}
	}
	return PeerAddress{}, false
}
