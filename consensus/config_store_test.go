package consensus

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/swarmkv/swarmkv/node"
	"github.com/swarmkv/swarmkv/storage"
)

type ConfigStoreTest struct {
	store   *ConfigStore
	storage *storage.MemStorage
}

var _ = gocheck.Suite(&ConfigStoreTest{})

func (s *ConfigStoreTest) SetUpTest(c *gocheck.C) {
	s.storage = storage.NewMemStorage()
	var err error
	s.store, err = NewConfigStore(s.storage)
	c.Assert(err, gocheck.IsNil)
}

func testConfig(uuids ...string) *Configuration {
	peers := make([]node.PeerAddress, len(uuids))
	for i, uuid := range uuids {
		peers[i] = node.PeerAddress{Host: "h", Port: uint64(i + 1), Uuid: node.NodeId(uuid)}
	}
	return NewConfiguration(peers)
}

// configurations hash by content, not by peer order
func (s *ConfigStoreTest) TestHashIsOrderIndependent(c *gocheck.C) {
	a := testConfig("u0", "u1", "u2")
	peers := a.Peers()
	b := NewConfiguration([]node.PeerAddress{peers[2], peers[0], peers[1]})
	c.Check(a.Hash(), gocheck.Equals, b.Hash())
	c.Check(a.Hash(), gocheck.Not(gocheck.Equals), testConfig("u0", "u1").Hash())
}

func (s *ConfigStoreTest) TestStateTransitions(c *gocheck.C) {
	config := testConfig("u0", "u1", "u2", "u3")
	c.Check(s.store.GetState(config.Hash()), gocheck.Equals, CONFIG_UNKNOWN)
	c.Check(s.store.IsAcceptable(config.Hash()), gocheck.Equals, false)

	s.store.Add(config)
	c.Check(s.store.GetState(config.Hash()), gocheck.Equals, CONFIG_ACCEPTED)
	c.Check(s.store.IsAcceptable(config.Hash()), gocheck.Equals, true)

	c.Check(s.store.SetPrepared(config.Hash()), gocheck.Equals, true)
	c.Check(s.store.GetState(config.Hash()), gocheck.Equals, CONFIG_PREPARED)

	c.Check(s.store.SetCommitted(config.Hash()), gocheck.Equals, true)
	c.Check(s.store.GetState(config.Hash()), gocheck.Equals, CONFIG_COMMITTED)

	c.Check(s.store.SetCurrent(config.Hash(), 1), gocheck.Equals, true)
	c.Check(s.store.GetState(config.Hash()), gocheck.Equals, CONFIG_CURRENT)
	c.Check(s.store.Current().Hash(), gocheck.Equals, config.Hash())
	c.Check(s.store.GetByView(1).Hash(), gocheck.Equals, config.Hash())
}

// a view gets exactly one configuration
func (s *ConfigStoreTest) TestOneConfigPerView(c *gocheck.C) {
	a := testConfig("u0", "u1", "u2")
	b := testConfig("u0", "u1", "u3")
	s.store.Add(a)
	s.store.Add(b)

	c.Check(s.store.SetCurrent(a.Hash(), 1), gocheck.Equals, true)
	c.Check(s.store.SetCurrent(b.Hash(), 1), gocheck.Equals, false)
}

// committing a configuration deprecates older non-current ones, which
// stop being acceptable
func (s *ConfigStoreTest) TestCommitDeprecatesOlder(c *gocheck.C) {
	current := testConfig("u0", "u1", "u2", "u3")
	stale := testConfig("u0", "u1", "u2", "u4")
	winner := testConfig("u0", "u1", "u2", "u5")

	s.store.Add(current)
	s.store.SetCurrent(current.Hash(), 1)
	s.store.Add(stale)
	s.store.Add(winner)

	s.store.SetCommitted(winner.Hash())

	c.Check(s.store.GetState(stale.Hash()), gocheck.Equals, CONFIG_DEPRECATED)
	c.Check(s.store.IsAcceptable(stale.Hash()), gocheck.Equals, false)
	// the current configuration is never deprecated by a commit
	c.Check(s.store.GetState(current.Hash()), gocheck.Equals, CONFIG_CURRENT)
}

func (s *ConfigStoreTest) TestNewestPreparedAndCommitted(c *gocheck.C) {
	first := testConfig("u0", "u1")
	second := testConfig("u0", "u2")
	third := testConfig("u0", "u3")

	s.store.Add(first)
	s.store.Add(second)
	s.store.Add(third)

	c.Check(s.store.NewestPrepared(), gocheck.Equals, "")
	c.Check(s.store.NewestCommitted(), gocheck.Equals, "")

	s.store.SetPrepared(first.Hash())
	s.store.SetPrepared(second.Hash())
	c.Check(s.store.NewestPrepared(), gocheck.Equals, second.Hash())

	s.store.SetCommitted(first.Hash())
	c.Check(s.store.NewestCommitted(), gocheck.Equals, first.Hash())
	// committed still counts as prepared-or-better
	c.Check(s.store.NewestPrepared(), gocheck.Equals, second.Hash())
}

// the store reloads its records from storage
func (s *ConfigStoreTest) TestPersistenceRoundTrip(c *gocheck.C) {
	config := testConfig("u0", "u1", "u2", "u3")
	s.store.Add(config)
	s.store.SetCurrent(config.Hash(), 3)

	reloaded, err := NewConfigStore(s.storage)
	c.Assert(err, gocheck.IsNil)
	c.Assert(reloaded.Current(), gocheck.NotNil)
	c.Check(reloaded.Current().Hash(), gocheck.Equals, config.Hash())
	c.Check(reloaded.GetState(config.Hash()), gocheck.Equals, CONFIG_CURRENT)
	c.Check(reloaded.GetByView(3).Hash(), gocheck.Equals, config.Hash())
}

func (s *ConfigStoreTest) TestWithAndWithoutPeer(c *gocheck.C) {
	config := testConfig("u0", "u1", "u2")
	grown := config.WithPeer(node.PeerAddress{Host: "h", Port: 9, Uuid: "u3"})
	c.Check(grown.Size(), gocheck.Equals, 4)
	c.Check(grown.Contains("u3"), gocheck.Equals, true)
	// adding an existing member changes nothing
	c.Check(config.WithPeer(node.PeerAddress{Host: "h", Port: 1, Uuid: "u0"}).Hash(), gocheck.Equals, config.Hash())

	shrunk := grown.WithoutPeer("u1")
	c.Check(shrunk.Size(), gocheck.Equals, 3)
	c.Check(shrunk.Contains("u1"), gocheck.Equals, false)
}
