/*
Persistent key/value storage used both by the replicated service and by
the consensus engine for durable protocol state
 */
package storage

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strings"
)

import (
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/serializer"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrExists        = errors.New("key already exists")
	ErrValueTooLarge = errors.New("value exceeds maximum size")
)

// values larger than this are rejected
const MaxValueSize = 1 << 20

type KeyValue struct {
	Key   string
	Value []byte
}

type Storage interface {
	Create(key string, value []byte) error
	Read(key string) ([]byte, error)
	Update(key string, value []byte) error
	Remove(key string) error

	Has(key string) bool
	Keys() []string

	// range scans over the key-prefixed layout
	KeysIfPrefix(prefix string) []string
	ReadIfPrefix(prefix string) []KeyValue
	RemoveIfPrefix(prefix string)
}

// map backed storage. Scans return keys in sorted order so prefix
// iteration is deterministic
type MemStorage struct {
	lock deadlock.RWMutex
	kv   map[string][]byte
}

var _ = Storage(&MemStorage{})

func NewMemStorage() *MemStorage {
	return &MemStorage{kv: make(map[string][]byte)}
}

func (s *MemStorage) Create(key string, value []byte) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.kv[key]; exists {
		return ErrExists
	}
	s.kv[key] = cloneBytes(value)
	return nil
}

func (s *MemStorage) Read(key string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	value, exists := s.kv[key]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneBytes(value), nil
}

func (s *MemStorage) Update(key string, value []byte) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.kv[key]; !exists {
		return ErrNotFound
	}
	s.kv[key] = cloneBytes(value)
	return nil
}

func (s *MemStorage) Remove(key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.kv[key]; !exists {
		return ErrNotFound
	}
	delete(s.kv, key)
	return nil
}

func (s *MemStorage) Has(key string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, exists := s.kv[key]
	return exists
}

func (s *MemStorage) Keys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]string, 0, len(s.kv))
	for key := range s.kv {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemStorage) KeysIfPrefix(prefix string) []string {
	keys := make([]string, 0)
	for _, key := range s.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *MemStorage) ReadIfPrefix(prefix string) []KeyValue {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]string, 0)
	for key := range s.kv {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	result := make([]KeyValue, len(keys))
	for i, key := range keys {
		result[i] = KeyValue{Key: key, Value: cloneBytes(s.kv[key])}
	}
	return result
}

func (s *MemStorage) RemoveIfPrefix(prefix string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for key := range s.kv {
		if strings.HasPrefix(key, prefix) {
			delete(s.kv, key)
		}
	}
}

// writes the full contents as length prefixed pairs, the dump file format
// read by swarmcat
func (s *MemStorage) Dump(w io.Writer) error {
	pairs := s.ReadIfPrefix("")
	buf := bufio.NewWriter(w)
	if err := serializer.WriteFieldUint64(buf, uint64(len(pairs))); err != nil {
		return err
	}
	for _, pair := range pairs {
		if err := serializer.WriteFieldString(buf, pair.Key); err != nil {
			return err
		}
		if err := serializer.WriteFieldBytes(buf, pair.Value); err != nil {
			return err
		}
	}
	return buf.Flush()
}

// replaces the full contents from a dump
func (s *MemStorage) Load(r io.Reader) error {
	buf := bufio.NewReader(r)
	num, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return err
	}
	kv := make(map[string][]byte, num)
	for i := uint64(0); i < num; i++ {
		key, err := serializer.ReadFieldString(buf)
		if err != nil {
			return err
		}
		value, err := serializer.ReadFieldBytes(buf)
		if err != nil {
			return err
		}
		kv[key] = value
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.kv = kv
	return nil
}

// encodes the full contents to a byte string
func (s *MemStorage) DumpBytes() ([]byte, error) {
	b := &bytes.Buffer{}
	if err := s.Dump(b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// replaces the full contents from an encoded byte string
func (s *MemStorage) LoadBytes(b []byte) error {
	return s.Load(bytes.NewReader(b))
}

func cloneBytes(b []byte) []byte {
	cloned := make([]byte, len(b))
	copy(cloned, b)
	return cloned
}
