/*
Passive safety monitor for a swarm.

The observer attaches to the audit message stream and correlates commit
notifications and leader claims across replicas. Two replicas committing
different operations at one sequence, or two primaries claiming one view,
are safety violations; the observer records them and surfaces them for
external alerting. Recorded facts are write once per key: there are no
retries and no recovery
 */
package audit

import (
	"fmt"
)

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
	lru "github.com/hashicorp/golang-lru"
	logging "github.com/op/go-logging"
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/node"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("audit")
}

// the slice of the statsd client the observer uses; satisfied by
// *statsd.Client
type Statter interface {
	Inc(stat string, value int64, rate float32, tags ...statsd.Tag) error
}

type Observer struct {
	lock deadlock.Mutex

	// sequence -> request hash
	commits *lru.Cache

	// view -> primary uuid
	leaders *lru.Cache

	errors []string

	stats Statter
}

// memSize bounds both recorded maps; the oldest entries are forgotten
// first
func NewObserver(memSize int, stats Statter) (*Observer, error) {
	commits, err := lru.New(memSize)
	if err != nil {
		return nil, err
	}
	leaders, err := lru.New(memSize)
	if err != nil {
		return nil, err
	}
	return &Observer{
		commits: commits,
		leaders: leaders,
		errors:  make([]string, 0),
		stats:   stats,
	}, nil
}

// registers the observer on the transport's audit stream
func (o *Observer) Attach(transport node.Transport) {
	transport.RegisterHandler(message.AUDIT, o.Handle)
}

func (o *Observer) Handle(env *message.Envelope, _ node.Session) {
	if env == nil || env.Payload == nil {
		return
	}
	payload, ok := env.Payload.(*message.Audit)
	if !ok {
		return
	}
	switch payload.Kind {
	case message.AUDIT_COMMIT_NOTIFICATION:
		o.handleCommitNotification(payload)
	case message.AUDIT_LEADER_STATUS:
		o.handleLeaderStatus(payload)
	default:
		logger.Warning("Got an audit message with no content from %v", env.Sender)
	}
}

func (o *Observer) handleCommitNotification(payload *message.Audit) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if recorded, exists := o.commits.Get(payload.Sequence); exists {
		if recorded.(string) != payload.OperationHash {
			err := fmt.Sprintf(
				"Conflicting commit detected! %v is the recorded operation at sequence %v, but %v has been committed with the same sequence.",
				recorded.(string), payload.Sequence, payload.OperationHash)
			o.recordError(err)
		}
		return
	}
	logger.Debug("Audit recording that operation %v is committed at sequence %v", payload.OperationHash, payload.Sequence)
	o.commits.Add(payload.Sequence, payload.OperationHash)
}

func (o *Observer) handleLeaderStatus(payload *message.Audit) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if recorded, exists := o.leaders.Get(payload.View); exists {
		if recorded.(string) != payload.Uuid {
			err := fmt.Sprintf(
				"Conflicting primary elected! %v is the recorded primary of view %v, but %v claims to be the primary of the same view.",
				recorded.(string), payload.View, payload.Uuid)
			o.recordError(err)
		}
		return
	}
	logger.Debug("Audit recording that the primary of view %v is %v", payload.View, payload.Uuid)
	o.leaders.Add(payload.View, payload.Uuid)
}

// must be called with the lock held
func (o *Observer) recordError(err string) {
	o.errors = append(o.errors, err)
	logger.Critical("%v", err)
	if o.stats != nil {
		o.stats.Inc("audit.error", 1, 1.0)
	}
}

func (o *Observer) ErrorCount() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.errors)
}

func (o *Observer) ErrorStrings() []string {
	o.lock.Lock()
	defer o.lock.Unlock()
	errors := make([]string, len(o.errors))
	copy(errors, o.errors)
	return errors
}

// recorded commit at a sequence, for status reporting
func (o *Observer) RecordedCommit(sequence uint64) (string, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if hash, exists := o.commits.Get(sequence); exists {
		return hash.(string), true
	}
	return "", false
}

// recorded primary of a view, for status reporting
func (o *Observer) RecordedLeader(view uint64) (string, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if uuid, exists := o.leaders.Get(view); exists {
		return uuid.(string), true
	}
	return "", false
}
