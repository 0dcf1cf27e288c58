package storage

import (
	"bytes"
	"testing"
)

import (
	gocheck "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) {
	gocheck.TestingT(t)
}

type MemStorageTest struct {
	store *MemStorage
}

var _ = gocheck.Suite(&MemStorageTest{})

func (s *MemStorageTest) SetUpTest(c *gocheck.C) {
	s.store = NewMemStorage()
}

func (s *MemStorageTest) TestCrud(c *gocheck.C) {
	c.Assert(s.store.Create("a", []byte("1")), gocheck.IsNil)
	c.Check(s.store.Create("a", []byte("2")), gocheck.Equals, ErrExists)

	value, err := s.store.Read("a")
	c.Assert(err, gocheck.IsNil)
	c.Check(value, gocheck.DeepEquals, []byte("1"))

	c.Assert(s.store.Update("a", []byte("2")), gocheck.IsNil)
	value, _ = s.store.Read("a")
	c.Check(value, gocheck.DeepEquals, []byte("2"))
	c.Check(s.store.Update("missing", []byte("x")), gocheck.Equals, ErrNotFound)

	c.Check(s.store.Has("a"), gocheck.Equals, true)
	c.Assert(s.store.Remove("a"), gocheck.IsNil)
	c.Check(s.store.Has("a"), gocheck.Equals, false)
	c.Check(s.store.Remove("a"), gocheck.Equals, ErrNotFound)

	_, err = s.store.Read("a")
	c.Check(err, gocheck.Equals, ErrNotFound)
}

func (s *MemStorageTest) TestValueSizeLimit(c *gocheck.C) {
	huge := make([]byte, MaxValueSize+1)
	c.Check(s.store.Create("a", huge), gocheck.Equals, ErrValueTooLarge)
	c.Assert(s.store.Create("a", []byte("1")), gocheck.IsNil)
	c.Check(s.store.Update("a", huge), gocheck.Equals, ErrValueTooLarge)
}

// values are copied on the way in and out
func (s *MemStorageTest) TestValueIsolation(c *gocheck.C) {
	value := []byte("abc")
	c.Assert(s.store.Create("a", value), gocheck.IsNil)
	value[0] = 'x'

	read, _ := s.store.Read("a")
	c.Check(read, gocheck.DeepEquals, []byte("abc"))
	read[0] = 'y'

	again, _ := s.store.Read("a")
	c.Check(again, gocheck.DeepEquals, []byte("abc"))
}

func (s *MemStorageTest) TestPrefixScans(c *gocheck.C) {
	c.Assert(s.store.Create("op/2/x", []byte("c")), gocheck.IsNil)
	c.Assert(s.store.Create("op/1/x", []byte("a")), gocheck.IsNil)
	c.Assert(s.store.Create("op/1/y", []byte("b")), gocheck.IsNil)
	c.Assert(s.store.Create("other", []byte("z")), gocheck.IsNil)

	keys := s.store.KeysIfPrefix("op/")
	c.Check(keys, gocheck.DeepEquals, []string{"op/1/x", "op/1/y", "op/2/x"})

	pairs := s.store.ReadIfPrefix("op/1/")
	c.Assert(len(pairs), gocheck.Equals, 2)
	c.Check(pairs[0].Key, gocheck.Equals, "op/1/x")
	c.Check(pairs[0].Value, gocheck.DeepEquals, []byte("a"))

	s.store.RemoveIfPrefix("op/")
	c.Check(len(s.store.KeysIfPrefix("op/")), gocheck.Equals, 0)
	c.Check(s.store.Has("other"), gocheck.Equals, true)
}

func (s *MemStorageTest) TestDumpAndLoad(c *gocheck.C) {
	c.Assert(s.store.Create("a", []byte("1")), gocheck.IsNil)
	c.Assert(s.store.Create("b", []byte("2")), gocheck.IsNil)

	buf := &bytes.Buffer{}
	c.Assert(s.store.Dump(buf), gocheck.IsNil)

	restored := NewMemStorage()
	c.Assert(restored.Create("stale", []byte("x")), gocheck.IsNil)
	c.Assert(restored.Load(buf), gocheck.IsNil)

	c.Check(restored.Keys(), gocheck.DeepEquals, []string{"a", "b"})
	value, err := restored.Read("b")
	c.Assert(err, gocheck.IsNil)
	c.Check(value, gocheck.DeepEquals, []byte("2"))
	c.Check(restored.Has("stale"), gocheck.Equals, false)
}
