package consensus

import (
	"fmt"
	"strconv"
	"strings"
)

import (
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
	"github.com/swarmkv/swarmkv/storage"
)

const (
	recordTypePrePrepare = "preprepare"
	recordTypePrepare    = "prepare"
	recordTypeCommit     = "commit"
	recordTypeRequest    = "request"
	recordTypeStage      = "stage"
)

type operationKey struct {
	view     uint64
	sequence uint64
	hash     string
}

// key-prefix encoding for durable operations:
// operation/<view>/<sequence>/<hash>/<type>/<sender>
func operationPrefix(key operationKey) string {
	return fmt.Sprintf("%v/%020d/%020d/%v/", operationKeyPrefix, key.view, key.sequence, key.hash)
}

func parseOperationStorageKey(storageKey string) (key operationKey, recordType string, sender string, err error) {
	parts := strings.Split(storageKey, "/")
	if len(parts) != 6 || parts[0] != operationKeyPrefix {
		err = fmt.Errorf("unparseable operation key: %v", storageKey)
		return
	}
	if key.view, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return
	}
	if key.sequence, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return
	}
	key.hash = parts[3]
	recordType = parts[4]
	sender = parts[5]
	return
}

// find-or-construct map of operations. Returns the same instance for the
// lifetime of a key, which matters because client session handles are
// held in memory on the operation
type OperationStore struct {
	lock deadlock.Mutex

	// nil for a memory-only store
	storage storage.Storage

	held map[operationKey]*Operation
}

func NewOperationStore(store storage.Storage) *OperationStore {
	return &OperationStore{
		storage: store,
		held:    make(map[operationKey]*Operation),
	}
}

// returns the operation for (view, sequence, hash), constructing it on
// first sight. A freshly constructed operation with durable records under
// its prefix is rehydrated from storage
func (s *OperationStore) FindOrConstruct(view uint64, sequence uint64, hash string, peers []node.PeerAddress) *Operation {
	s.lock.Lock()
	defer s.lock.Unlock()

	key := operationKey{view: view, sequence: sequence, hash: hash}
	if op, exists := s.held[key]; exists {
		return op
	}

	op := newOperation(view, sequence, hash, peers)
	if s.storage != nil {
		s.rehydrate(op)
		op.store = s
	}
	s.held[key] = op
	return op
}

// rebuilds an operation's evidence from its persisted records. Session
// handles do not survive restart
func (s *OperationStore) rehydrate(op *Operation) {
	for _, pair := range s.storage.ReadIfPrefix(operationPrefix(op.key())) {
		_, recordType, _, err := parseOperationStorageKey(pair.Key)
		if err != nil {
			logger.Warning("Skipping unparseable operation record %v: %v", pair.Key, err)
			continue
		}
		if recordType == recordTypeStage {
			if len(pair.Value) == 1 {
				op.stage = Stage(pair.Value[0])
			}
			continue
		}
		env, err := message.DecodeEnvelope(pair.Value)
		if err != nil {
			logger.Warning("Skipping undecodable operation record %v: %v", pair.Key, err)
			continue
		}
		switch recordType {
		case recordTypePrePrepare:
			op.prePrepareSeen = true
			op.prePrepare = env
		case recordTypePrepare:
			op.preparesSeen.Add(env.Sender)
			op.prepareEnvs[node.NodeId(env.Sender)] = env
		case recordTypeCommit:
			op.commitsSeen.Add(env.Sender)
		case recordTypeRequest:
			op.request = env
			op.requestSaved = true
		}
	}
}

// constructs held operations for every persisted record. Called once at
// startup before the engine begins processing
func (s *OperationStore) LoadHeldOperations(peers []node.PeerAddress) {
	if s.storage == nil {
		return
	}
	seen := make(map[operationKey]bool)
	for _, storageKey := range s.storage.KeysIfPrefix(operationKeyPrefix + "/") {
		key, _, _, err := parseOperationStorageKey(storageKey)
		if err != nil {
			continue
		}
		if !seen[key] {
			seen[key] = true
			s.FindOrConstruct(key.view, key.sequence, key.hash, peers)
		}
	}
}

// the prepared operations with sequence above the given one, keyed by
// sequence. Used to build view change prepared-proofs. When multiple
// views hold a prepared operation at the same sequence, the newest view
// wins
func (s *OperationStore) PreparedOperationsSince(sequence uint64) map[uint64]*Operation {
	s.lock.Lock()
	defer s.lock.Unlock()

	prepared := make(map[uint64]*Operation)
	for key, op := range s.held {
		if key.sequence <= sequence || !op.IsPrepared() {
			continue
		}
		if existing, exists := prepared[key.sequence]; exists && existing.view >= op.view {
			continue
		}
		prepared[key.sequence] = op
	}
	return prepared
}

func (s *OperationStore) HeldOperationsCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.held)
}

// removes operations with sequence at or below the given one, both from
// memory and from storage. Called when the containing checkpoint
// stabilizes
func (s *OperationStore) DeleteOperationsUntil(sequence uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for key := range s.held {
		if key.sequence <= sequence {
			delete(s.held, key)
		}
	}
	if s.storage == nil {
		return
	}
	for _, storageKey := range s.storage.KeysIfPrefix(operationKeyPrefix + "/") {
		key, _, _, err := parseOperationStorageKey(storageKey)
		if err != nil {
			continue
		}
		if key.sequence <= sequence {
			if err := s.storage.Remove(storageKey); err != nil {
				logger.Warning("Failed to remove operation record %v: %v", storageKey, err)
			}
		}
	}
}

func (s *OperationStore) persistEvidence(op *Operation, recordType string, sender string, env *message.Envelope) {
	if s.storage == nil {
		return
	}
	encoded, err := message.EncodeEnvelope(env)
	if err != nil {
		logger.Error("Failed to encode operation record: %v", err)
		return
	}
	storageKey := operationPrefix(op.key()) + recordType + "/" + sender
	if err := writeScalar(s.storage, storageKey, encoded); err != nil {
		logger.Error("Failed to persist operation record %v: %v", storageKey, err)
	}
}

func (s *OperationStore) persistStage(op *Operation) {
	if s.storage == nil {
		return
	}
	storageKey := operationPrefix(op.key()) + recordTypeStage + "/self"
	if err := writeScalar(s.storage, storageKey, []byte{byte(op.stage)}); err != nil {
		logger.Error("Failed to persist operation stage %v: %v", storageKey, err)
	}
}
