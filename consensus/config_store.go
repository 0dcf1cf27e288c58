package consensus

import (
	"bufio"
	"bytes"
	"fmt"
)

import (
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/node"
	"github.com/swarmkv/swarmkv/serializer"
	"github.com/swarmkv/swarmkv/storage"
)

type ConfigState int

const (
	CONFIG_UNKNOWN = ConfigState(iota)
	CONFIG_ACCEPTED
	CONFIG_PREPARED
	CONFIG_COMMITTED
	CONFIG_CURRENT
	CONFIG_DEPRECATED
)

func (s ConfigState) String() string {
	switch s {
	case CONFIG_UNKNOWN:
		return "unknown"
	case CONFIG_ACCEPTED:
		return "accepted"
	case CONFIG_PREPARED:
		return "prepared"
	case CONFIG_COMMITTED:
		return "committed"
	case CONFIG_CURRENT:
		return "current"
	case CONFIG_DEPRECATED:
		return "deprecated"
	default:
		return fmt.Sprintf("ConfigState(%v)", int(s))
	}
}

// an ordered set of peer addresses, identified by its content hash
type Configuration struct {
	peers []node.PeerAddress
	hash  string
}

func NewConfiguration(peers []node.PeerAddress) *Configuration {
	cloned := make([]node.PeerAddress, len(peers))
	copy(cloned, peers)
	node.SortPeers(cloned)
	c := &Configuration{peers: cloned}
	c.hash = crypto.Hash(c.encodePeers())
	return c
}

func (c *Configuration) Peers() []node.PeerAddress { return c.peers }
func (c *Configuration) Hash() string              { return c.hash }
func (c *Configuration) Size() int                 { return len(c.peers) }

func (c *Configuration) Contains(uuid node.NodeId) bool {
	for _, peer := range c.peers {
		if peer.Uuid == uuid {
			return true
		}
	}
	return false
}

// a copy of this configuration with the peer added
func (c *Configuration) WithPeer(peer node.PeerAddress) *Configuration {
	if c.Contains(peer.Uuid) {
		return NewConfiguration(c.peers)
	}
	return NewConfiguration(append(append([]node.PeerAddress{}, c.peers...), peer))
}

// a copy of this configuration with the peer removed
func (c *Configuration) WithoutPeer(uuid node.NodeId) *Configuration {
	peers := make([]node.PeerAddress, 0, len(c.peers))
	for _, peer := range c.peers {
		if peer.Uuid != uuid {
			peers = append(peers, peer)
		}
	}
	return NewConfiguration(peers)
}

func (c *Configuration) encodePeers() []byte {
	b := &bytes.Buffer{}
	buf := bufio.NewWriter(b)
	writePeerList(buf, c.peers)
	buf.Flush()
	return b.Bytes()
}

func writePeerList(buf *bufio.Writer, peers []node.PeerAddress) error {
	if err := serializer.WriteFieldUint64(buf, uint64(len(peers))); err != nil {
		return err
	}
	for _, peer := range peers {
		if err := serializer.WriteFieldString(buf, peer.Host); err != nil {
			return err
		}
		if err := serializer.WriteFieldUint64(buf, peer.Port); err != nil {
			return err
		}
		if err := serializer.WriteFieldString(buf, string(peer.Uuid)); err != nil {
			return err
		}
	}
	return nil
}

func readPeerList(buf *bufio.Reader) ([]node.PeerAddress, error) {
	num, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return nil, err
	}
	peers := make([]node.PeerAddress, num)
	for i := range peers {
		if peers[i].Host, err = serializer.ReadFieldString(buf); err != nil {
			return nil, err
		}
		if peers[i].Port, err = serializer.ReadFieldUint64(buf); err != nil {
			return nil, err
		}
		uuid, err := serializer.ReadFieldString(buf)
		if err != nil {
			return nil, err
		}
		peers[i].Uuid = node.NodeId(uuid)
	}
	return peers, nil
}

type configInfo struct {
	index  uint64
	config *Configuration
	state  ConfigState
	views  []uint64
}

// tracks successive membership configurations through the
// accepted -> prepared -> committed -> current -> deprecated lifecycle,
// so reconfiguration can ride the ordinary consensus path
type ConfigStore struct {
	lock deadlock.Mutex

	storage storage.Storage

	configs     map[string]*configInfo
	viewConfigs map[uint64]string
	currentHash string
	index       uint64
}

func NewConfigStore(store storage.Storage) (*ConfigStore, error) {
	s := &ConfigStore{
		storage:     store,
		configs:     make(map[string]*configInfo),
		viewConfigs: make(map[uint64]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// registers a configuration in the accepted state. Re-adding an existing
// hash refreshes its index without losing its views
func (s *ConfigStore) Add(config *Configuration) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.index++
	if info, exists := s.configs[config.Hash()]; exists {
		info.index = s.index
		info.state = CONFIG_ACCEPTED
	} else {
		s.configs[config.Hash()] = &configInfo{index: s.index, config: config, state: CONFIG_ACCEPTED}
	}
	s.persist(config.Hash())
	s.persistScalars()
}

func (s *ConfigStore) Get(hash string) *Configuration {
	s.lock.Lock()
	defer s.lock.Unlock()
	info, exists := s.configs[hash]
	if !exists {
		return nil
	}
	return info.config
}

// the configuration that was current for the given view
func (s *ConfigStore) GetByView(view uint64) *Configuration {
	s.lock.Lock()
	defer s.lock.Unlock()
	hash, exists := s.viewConfigs[view]
	if !exists {
		return nil
	}
	if info, exists := s.configs[hash]; exists {
		return info.config
	}
	return nil
}

func (s *ConfigStore) SetPrepared(hash string) bool {
	return s.setState(hash, CONFIG_PREPARED)
}

// marks the configuration committed and deprecates every non-current
// configuration with a lower index; those are no longer acceptable for
// future view changes
func (s *ConfigStore) SetCommitted(hash string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	info, exists := s.configs[hash]
	if !exists {
		return false
	}
	// a configuration that already went current stays current
	if info.state != CONFIG_CURRENT {
		info.state = CONFIG_COMMITTED
	}
	s.persist(hash)

	for otherHash, other := range s.configs {
		if other.state != CONFIG_CURRENT && other.state != CONFIG_DEPRECATED && other.index < info.index {
			other.state = CONFIG_DEPRECATED
			s.persist(otherHash)
		}
	}
	return true
}

// makes the configuration current for the given view. A view gets exactly
// one configuration
func (s *ConfigStore) SetCurrent(hash string, view uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.viewConfigs[view]; exists {
		logger.Error("Attempt to set configuration for a view that already has one: %v", view)
		return false
	}
	info, exists := s.configs[hash]
	if !exists {
		return false
	}
	info.state = CONFIG_CURRENT
	info.views = append(info.views, view)
	s.viewConfigs[view] = hash
	s.currentHash = hash
	s.persist(hash)
	s.persistScalars()
	return true
}

func (s *ConfigStore) Current() *Configuration {
	s.lock.Lock()
	defer s.lock.Unlock()
	if info, exists := s.configs[s.currentHash]; exists {
		return info.config
	}
	return nil
}

func (s *ConfigStore) GetState(hash string) ConfigState {
	s.lock.Lock()
	defer s.lock.Unlock()
	if info, exists := s.configs[hash]; exists {
		return info.state
	}
	return CONFIG_UNKNOWN
}

// the highest-indexed configuration that is prepared, committed or
// current
func (s *ConfigStore) NewestPrepared() string {
	return s.newest(CONFIG_PREPARED, CONFIG_COMMITTED, CONFIG_CURRENT)
}

// the highest-indexed configuration that is committed or current
func (s *ConfigStore) NewestCommitted() string {
	return s.newest(CONFIG_COMMITTED, CONFIG_CURRENT)
}

// a configuration is acceptable unless unknown or deprecated
func (s *ConfigStore) IsAcceptable(hash string) bool {
	state := s.GetState(hash)
	return state != CONFIG_UNKNOWN && state != CONFIG_DEPRECATED
}

func (s *ConfigStore) setState(hash string, state ConfigState) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	info, exists := s.configs[hash]
	if !exists {
		return false
	}
	info.state = state
	s.persist(hash)
	return true
}

func (s *ConfigStore) newest(states ...ConfigState) string {
	s.lock.Lock()
	defer s.lock.Unlock()

	var hash string
	var max uint64
	for candidate, info := range s.configs {
		if info.index <= max {
			continue
		}
		for _, state := range states {
			if info.state == state {
				max = info.index
				hash = candidate
				break
			}
		}
	}
	return hash
}

// ------------- persistence -------------

func configRecordKey(hash string) string {
	return configStoreKeyPrefix + "/config/" + hash
}

const (
	configCurrentKey = configStoreKeyPrefix + "/current"
	configIndexKey   = configStoreKeyPrefix + "/index"
)

// must be called with the lock held
func (s *ConfigStore) persist(hash string) {
	if s.storage == nil {
		return
	}
	info := s.configs[hash]
	b := &bytes.Buffer{}
	buf := bufio.NewWriter(b)
	if err := s.encodeInfo(buf, info); err != nil {
		logger.Error("Failed to encode configuration %v: %v", hash, err)
		return
	}
	if err := buf.Flush(); err != nil {
		logger.Error("Failed to encode configuration %v: %v", hash, err)
		return
	}
	if err := writeScalar(s.storage, configRecordKey(hash), b.Bytes()); err != nil {
		logger.Error("Failed to persist configuration %v: %v", hash, err)
	}
}

// must be called with the lock held
func (s *ConfigStore) persistScalars() {
	if s.storage == nil {
		return
	}
	if err := writeScalar(s.storage, configCurrentKey, []byte(s.currentHash)); err != nil {
		logger.Error("Failed to persist current configuration: %v", err)
	}
	if err := storeUint64(s.storage, configIndexKey, s.index); err != nil {
		logger.Error("Failed to persist configuration index: %v", err)
	}
}

func (s *ConfigStore) encodeInfo(buf *bufio.Writer, info *configInfo) error {
	if err := serializer.WriteFieldUint64(buf, info.index); err != nil {
		return err
	}
	if err := serializer.WriteFieldUint8(buf, byte(info.state)); err != nil {
		return err
	}
	views := make([]uint64, len(info.views))
	copy(views, info.views)
	if err := serializer.WriteFieldUint64(buf, uint64(len(views))); err != nil {
		return err
	}
	for _, view := range views {
		if err := serializer.WriteFieldUint64(buf, view); err != nil {
			return err
		}
	}
	return writePeerList(buf, info.config.Peers())
}

func (s *ConfigStore) decodeInfo(buf *bufio.Reader) (*configInfo, error) {
	info := &configInfo{}
	var err error
	if info.index, err = serializer.ReadFieldUint64(buf); err != nil {
		return nil, err
	}
	state, err := serializer.ReadFieldUint8(buf)
	if err != nil {
		return nil, err
	}
	info.state = ConfigState(state)
	numViews, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return nil, err
	}
	info.views = make([]uint64, numViews)
	for i := range info.views {
		if info.views[i], err = serializer.ReadFieldUint64(buf); err != nil {
			return nil, err
		}
	}
	peers, err := readPeerList(buf)
	if err != nil {
		return nil, err
	}
	info.config = NewConfiguration(peers)
	return info, nil
}

func (s *ConfigStore) load() error {
	if s.storage == nil {
		return nil
	}
	for _, pair := range s.storage.ReadIfPrefix(configStoreKeyPrefix + "/config/") {
		info, err := s.decodeInfo(bufio.NewReader(bytes.NewReader(pair.Value)))
		if err != nil {
			return fmt.Errorf("corrupt configuration record %v: %v", pair.Key, err)
		}
		s.configs[info.config.Hash()] = info
		for _, view := range info.views {
			s.viewConfigs[view] = info.config.Hash()
		}
	}
	if raw, err := s.storage.Read(configCurrentKey); err == nil {
		s.currentHash = string(raw)
	} else if err != storage.ErrNotFound {
		return err
	}
	index, err := loadUint64(s.storage, configIndexKey, 0)
	if err != nil {
		return err
	}
	s.index = index
	return nil
}
