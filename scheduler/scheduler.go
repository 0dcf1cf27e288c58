/*
Cooperative event loop and cancellable timers.

All protocol state handlers run on a single loop goroutine and never
block; follow-up work (broadcasts, executions, timer arms) is posted as
fresh tasks
 */
package scheduler

import (
	"sync"
	"time"
)

import (
	logging "github.com/op/go-logging"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("scheduler")
}

type Task func()

// handle for a scheduled timer. Cancel is idempotent and safe to call
// after the timer has fired
type TimerHandle interface {
	Cancel()
}

type Scheduler interface {
	// enqueues a task onto the event loop
	Post(task Task)

	// arms a timer that posts the task after the given duration
	Schedule(d time.Duration, task Task) TimerHandle
}

type loopTimer struct {
	loop  *Loop
	id    uint64
	timer *time.Timer
}

func (t *loopTimer) Cancel() {
	t.timer.Stop()
	t.loop.forgetTimer(t.id)
}

// single goroutine reactor. Tasks posted after Stop are dropped
type Loop struct {
	tasks chan Task
	quit  chan struct{}
	done  chan struct{}

	lock      sync.Mutex
	timers    map[uint64]*loopTimer
	nextTimer uint64
	stopped   bool
}

var _ = Scheduler(&Loop{})

func NewLoop() *Loop {
	return &Loop{
		tasks:  make(chan Task, 1024),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[uint64]*loopTimer),
	}
}

func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.quit:
			// drain whatever was enqueued before shutdown
			for {
				select {
				case task := <-l.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) Post(task Task) {
	l.lock.Lock()
	stopped := l.stopped
	l.lock.Unlock()
	if stopped {
		logger.Debug("Dropping task posted after shutdown")
		return
	}
	select {
	case l.tasks <- task:
	case <-l.quit:
		logger.Debug("Dropping task posted during shutdown")
	}
}

func (l *Loop) Schedule(d time.Duration, task Task) TimerHandle {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.stopped {
		return &loopTimer{loop: l, timer: time.NewTimer(0)}
	}
	l.nextTimer++
	id := l.nextTimer
	lt := &loopTimer{loop: l, id: id}
	lt.timer = time.AfterFunc(d, func() {
		l.forgetTimer(id)
		l.Post(task)
	})
	l.timers[id] = lt
	return lt
}

func (l *Loop) forgetTimer(id uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.timers, id)
}

// cancels all outstanding timers, then drains the event loop
func (l *Loop) Stop() {
	l.lock.Lock()
	if l.stopped {
		l.lock.Unlock()
		return
	}
	l.stopped = true
	for _, lt := range l.timers {
		lt.timer.Stop()
	}
	l.timers = make(map[uint64]*loopTimer)
	l.lock.Unlock()

	close(l.quit)
	<-l.done
}
