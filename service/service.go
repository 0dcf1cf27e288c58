/*
The state machine driven by consensus. Applies committed operations in
sequence order, exposes a state hash per sequence, and supports state
transfer for lagging replicas
 */
package service

import (
	"bufio"
	"bytes"
	"fmt"
)

import (
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/crypto"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/serializer"
	"github.com/swarmkv/swarmkv/storage"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("service")
}

// state hash reported before any operation has executed
const InitialStateHash = "<null db state>"

// a committed consensus slot handed to the service for execution
type Operation interface {
	GetSequence() uint64
	GetRequestHash() string

	// the request envelope, nil for no-op slots issued during view changes
	GetRequest() *message.Envelope
}

type Service interface {
	// applies the operation at its sequence. Must be called strictly in
	// ascending sequence order. Returns the client reply payload, nil
	// when the operation produces no reply
	ApplyOperation(op Operation) (*message.Database, error)

	// the state hash after executing the given sequence
	StateHash(sequence uint64) (string, bool)

	// a state snapshot for the given checkpoint sequence
	ServiceState(sequence uint64) ([]byte, error)

	// installs a state snapshot received via state transfer
	SetServiceState(sequence uint64, state []byte) error

	// discards per-sequence bookkeeping below the given stable checkpoint;
	// the checkpoint's own entries are kept
	ConsolidateLog(sequence uint64)

	// registers a callback invoked after each applied sequence
	RegisterExecuteHandler(handler func(sequence uint64))

	LastExecuted() uint64
}

const dbPrefix = "db/"

// replicated key/value service backed by a storage instance. Snapshots
// are captured at checkpoint boundaries so state transfer can serve them
type KVService struct {
	lock    deadlock.Mutex
	storage storage.Storage

	checkpointInterval uint64

	lastExecuted uint64
	stateHashes  map[uint64]string
	snapshots    map[uint64][]byte

	executeHandler func(uint64)
}

var _ = Service(&KVService{})

func NewKVService(store storage.Storage, checkpointInterval uint64) *KVService {
	return &KVService{
		storage:            store,
		checkpointInterval: checkpointInterval,
		stateHashes:        map[uint64]string{0: InitialStateHash},
		snapshots:          make(map[uint64][]byte),
	}
}

func (s *KVService) ApplyOperation(op Operation) (*message.Database, error) {
	s.lock.Lock()

	sequence := op.GetSequence()
	if sequence != s.lastExecuted+1 {
		s.lock.Unlock()
		return nil, errors.Errorf("out of order execution: expected %v, got %v", s.lastExecuted+1, sequence)
	}

	var reply *message.Database
	if request := op.GetRequest(); request != nil {
		if db, ok := request.Payload.(*message.Database); ok {
			reply = s.applyDatabase(db)
		}
		// non database requests (config changes) advance the hash
		// chain without touching the data
	}

	s.lastExecuted = sequence
	s.stateHashes[sequence] = crypto.Hash([]byte(s.stateHashes[sequence-1] + op.GetRequestHash()))

	if s.checkpointInterval > 0 && sequence%s.checkpointInterval == 0 {
		if snapshot, err := s.encodeSnapshot(sequence); err != nil {
			logger.Error("Failed to capture snapshot at %v: %v", sequence, err)
		} else {
			s.snapshots[sequence] = snapshot
		}
	}

	// invoked outside the lock, the handler reads back through the
	// public interface
	handler := s.executeHandler
	s.lock.Unlock()

	if handler != nil {
		handler(sequence)
	}
	return reply, nil
}

func (s *KVService) applyDatabase(db *message.Database) *message.Database {
	reply := &message.Database{Op: db.Op, Key: db.Key, Response: true}
	var err error
	switch db.Op {
	case message.DB_CREATE:
		err = s.storage.Create(dbPrefix+db.Key, db.Value)
	case message.DB_READ:
		reply.Value, err = s.storage.Read(dbPrefix + db.Key)
	case message.DB_UPDATE:
		err = s.storage.Update(dbPrefix+db.Key, db.Value)
	case message.DB_DELETE:
		err = s.storage.Remove(dbPrefix + db.Key)
	case message.DB_HAS:
		reply.Exists = s.storage.Has(dbPrefix + db.Key)
	case message.DB_KEYS:
		keys := s.storage.KeysIfPrefix(dbPrefix)
		reply.Keys = make([]string, len(keys))
		for i, key := range keys {
			reply.Keys[i] = key[len(dbPrefix):]
		}
	default:
		err = fmt.Errorf("unknown database op: %v", db.Op)
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (s *KVService) StateHash(sequence uint64) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	hash, exists := s.stateHashes[sequence]
	return hash, exists
}

func (s *KVService) ServiceState(sequence uint64) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	snapshot, exists := s.snapshots[sequence]
	if !exists {
		return nil, errors.Errorf("no snapshot held for sequence %v", sequence)
	}
	return snapshot, nil
}

func (s *KVService) SetServiceState(sequence uint64, state []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	buf := bufio.NewReader(bytes.NewReader(state))
	snapSequence, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return err
	}
	if snapSequence != sequence {
		return errors.Errorf("snapshot is for sequence %v, expected %v", snapSequence, sequence)
	}
	hash, err := serializer.ReadFieldString(buf)
	if err != nil {
		return err
	}
	num, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return err
	}
	pairs := make([]storage.KeyValue, num)
	for i := range pairs {
		if pairs[i].Key, err = serializer.ReadFieldString(buf); err != nil {
			return err
		}
		if pairs[i].Value, err = serializer.ReadFieldBytes(buf); err != nil {
			return err
		}
	}

	// replace the current data with the snapshot contents
	s.storage.RemoveIfPrefix(dbPrefix)
	for _, pair := range pairs {
		if err := s.storage.Create(pair.Key, pair.Value); err != nil {
			return errors.Wrap(err, "installing snapshot")
		}
	}

	s.lastExecuted = sequence
	s.stateHashes = map[uint64]string{sequence: hash}
	s.snapshots = map[uint64][]byte{sequence: state}
	logger.Info("Installed service state at sequence %v", sequence)
	return nil
}

func (s *KVService) ConsolidateLog(sequence uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for seq := range s.stateHashes {
		if seq < sequence {
			delete(s.stateHashes, seq)
		}
	}
	for seq := range s.snapshots {
		if seq < sequence {
			delete(s.snapshots, seq)
		}
	}
}

func (s *KVService) RegisterExecuteHandler(handler func(uint64)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.executeHandler = handler
}

func (s *KVService) LastExecuted() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastExecuted
}

func (s *KVService) encodeSnapshot(sequence uint64) ([]byte, error) {
	pairs := s.storage.ReadIfPrefix(dbPrefix)
	b := &bytes.Buffer{}
	buf := bufio.NewWriter(b)
	if err := serializer.WriteFieldUint64(buf, sequence); err != nil {
		return nil, err
	}
	if err := serializer.WriteFieldString(buf, s.stateHashes[sequence]); err != nil {
		return nil, err
	}
	if err := serializer.WriteFieldUint64(buf, uint64(len(pairs))); err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if err := serializer.WriteFieldString(buf, pair.Key); err != nil {
			return nil, err
		}
		if err := serializer.WriteFieldBytes(buf, pair.Value); err != nil {
			return nil, err
		}
	}
	if err := buf.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
