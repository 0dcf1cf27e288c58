package consensus

import (
	"bufio"
	"bytes"
)

import (
	"github.com/pkg/errors"
)

import (
	"github.com/swarmkv/swarmkv/serializer"
	"github.com/swarmkv/swarmkv/storage"
)

// storage keys for the engine's durable scalars
const (
	viewKey         = "view"
	nextSequenceKey = "next_sequence"

	latestStableCheckpointKey  = "stable_checkpoint"
	stableCheckpointProofKey   = "stable_checkpoint_proof"
	latestLocalCheckpointKey   = "local_checkpoint"
	partialCheckpointProofsKey = "partial_checkpoint_proofs"

	operationKeyPrefix   = "operation"
	configStoreKeyPrefix = "config_store"
)

// a (sequence, service state hash) pair
type checkpoint struct {
	sequence  uint64
	stateHash string
}

func writeScalar(store storage.Storage, key string, value []byte) error {
	if store.Has(key) {
		return store.Update(key, value)
	}
	return store.Create(key, value)
}

func storeUint64(store storage.Storage, key string, value uint64) error {
	b := &bytes.Buffer{}
	buf := bufio.NewWriter(b)
	if err := serializer.WriteFieldUint64(buf, value); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return writeScalar(store, key, b.Bytes())
}

// reads a persisted uint64, returning the default when the key has never
// been written. A present but unreadable value is corrupt state: the
// error aborts startup
func loadUint64(store storage.Storage, key string, def uint64) (uint64, error) {
	raw, err := store.Read(key)
	if err == storage.ErrNotFound {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := serializer.ReadFieldUint64(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt persisted state at %v", key)
	}
	return value, nil
}

func storeCheckpoint(store storage.Storage, key string, cp checkpoint) error {
	b := &bytes.Buffer{}
	buf := bufio.NewWriter(b)
	if err := serializer.WriteFieldUint64(buf, cp.sequence); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, cp.stateHash); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return writeScalar(store, key, b.Bytes())
}

func loadCheckpoint(store storage.Storage, key string, def checkpoint) (checkpoint, error) {
	raw, err := store.Read(key)
	if err == storage.ErrNotFound {
		return def, nil
	}
	if err != nil {
		return checkpoint{}, err
	}
	buf := bufio.NewReader(bytes.NewReader(raw))
	cp := checkpoint{}
	if cp.sequence, err = serializer.ReadFieldUint64(buf); err != nil {
		return checkpoint{}, errors.Wrapf(err, "corrupt persisted state at %v", key)
	}
	if cp.stateHash, err = serializer.ReadFieldString(buf); err != nil {
		return checkpoint{}, errors.Wrapf(err, "corrupt persisted state at %v", key)
	}
	return cp, nil
}
