package consensus

import (
	"time"
)

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/sasha-s/go-deadlock"
)

import (
	"github.com/swarmkv/swarmkv/options"
	"github.com/swarmkv/swarmkv/scheduler"
)

// tracks requests that have been seen but not executed and raises the
// failure handler when the head of the line stalls past its timeout.
// The list, the executed memory and the timer are guarded by one mutex
type FailureDetector struct {
	lock deadlock.Mutex

	sched scheduler.Scheduler
	opts  *options.Options

	// request hashes in arrival order, awaiting execution
	ordered []string

	outstanding map[string]bool

	// bounded memory of executed hashes, oldest evicted first
	completed *lru.Cache

	timer scheduler.TimerHandle

	failureHandler func()
}

func NewFailureDetector(sched scheduler.Scheduler, opts *options.Options) (*FailureDetector, error) {
	completed, err := lru.New(opts.MaxCompletedRequestsMemory)
	if err != nil {
		return nil, err
	}
	return &FailureDetector{
		sched:       sched,
		opts:        opts,
		ordered:     make([]string, 0),
		outstanding: make(map[string]bool),
		completed:   completed,
	}, nil
}

// the engine registers its view change trigger here
func (d *FailureDetector) RegisterFailureHandler(handler func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failureHandler = handler
}

// records a request awaiting execution. The first pending request arms
// the progress timer
func (d *FailureDetector) RequestSeen(requestHash string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.outstanding[requestHash] || d.completed.Contains(requestHash) {
		return
	}
	logger.Debug("Failure detector recording new request %v", requestHash)
	d.ordered = append(d.ordered, requestHash)
	d.outstanding[requestHash] = true

	if len(d.ordered) == 1 {
		d.startTimer(d.opts.FDOperTimeout)
	}
}

// marks a request executed and pops the executed prefix of the line
func (d *FailureDetector) RequestExecuted(requestHash string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	delete(d.outstanding, requestHash)
	d.completed.Add(requestHash, true)

	for len(d.ordered) > 0 && d.completed.Contains(d.ordered[0]) {
		d.ordered = d.ordered[1:]
	}
}

// pending request count, exposed for status reporting
func (d *FailureDetector) OutstandingCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.ordered)
}

// must be called with the lock held
func (d *FailureDetector) startTimer(timeout time.Duration) {
	if d.timer != nil {
		d.timer.Cancel()
	}
	d.timer = d.sched.Schedule(timeout, d.handleTimeout)
}

func (d *FailureDetector) handleTimeout() {
	d.lock.Lock()

	if len(d.ordered) == 0 {
		d.lock.Unlock()
		return
	}

	if !d.completed.Contains(d.ordered[0]) {
		logger.Error("Failure detector detected unexecuted request %v", d.ordered[0])
		d.ordered = d.ordered[1:]
		if len(d.ordered) > 0 {
			// the cascade timeout is shorter, the swarm is already
			// suspected unhealthy
			d.startTimer(d.opts.FDFailTimeout)
		}
		handler := d.failureHandler
		d.lock.Unlock()

		if handler != nil {
			d.sched.Post(handler)
		}
		return
	}

	for len(d.ordered) > 0 && d.completed.Contains(d.ordered[0]) {
		d.ordered = d.ordered[1:]
	}
	if len(d.ordered) > 0 {
		d.startTimer(d.opts.FDOperTimeout)
	}
	d.lock.Unlock()
}
