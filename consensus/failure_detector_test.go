package consensus

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/swarmkv/swarmkv/options"
)

type FailureDetectorTest struct {
	sched    *mockScheduler
	detector *FailureDetector
	failures int
}

var _ = gocheck.Suite(&FailureDetectorTest{})

func (s *FailureDetectorTest) SetUpTest(c *gocheck.C) {
	s.sched = newMockScheduler()
	s.failures = 0
	var err error
	s.detector, err = NewFailureDetector(s.sched, options.Defaults())
	c.Assert(err, gocheck.IsNil)
	s.detector.RegisterFailureHandler(func() { s.failures++ })
}

// the first pending request arms the timer; later ones don't re-arm it
func (s *FailureDetectorTest) TestTimerArming(c *gocheck.C) {
	c.Check(s.sched.pendingTimers(), gocheck.Equals, 0)

	s.detector.RequestSeen("a")
	c.Check(s.sched.pendingTimers(), gocheck.Equals, 1)

	s.detector.RequestSeen("b")
	c.Check(s.sched.pendingTimers(), gocheck.Equals, 1)
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 2)
}

// duplicate sightings are ignored
func (s *FailureDetectorTest) TestDuplicateSeen(c *gocheck.C) {
	s.detector.RequestSeen("a")
	s.detector.RequestSeen("a")
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 1)
}

// an executed request is popped and a later timeout does nothing
func (s *FailureDetectorTest) TestExecutedBeforeTimeout(c *gocheck.C) {
	s.detector.RequestSeen("a")
	s.detector.RequestExecuted("a")
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 0)

	s.sched.fireAll()
	c.Check(s.failures, gocheck.Equals, 0)
}

// a request already executed isn't recorded as pending again
func (s *FailureDetectorTest) TestExecutedThenSeenAgain(c *gocheck.C) {
	s.detector.RequestSeen("a")
	s.detector.RequestExecuted("a")
	s.detector.RequestSeen("a")
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 0)
}

// an unexecuted head triggers the failure handler, and the remaining
// pending requests restart the timer on the shorter cascade timeout
func (s *FailureDetectorTest) TestTimeoutTriggersFailure(c *gocheck.C) {
	s.detector.RequestSeen("a")
	s.detector.RequestSeen("b")

	s.sched.fireAll()
	c.Check(s.failures, gocheck.Equals, 1)
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 1)

	// the cascade timer is armed with the shorter timeout
	c.Assert(s.sched.pendingTimers(), gocheck.Equals, 1)
	c.Check(s.sched.timers[len(s.sched.timers)-1].duration, gocheck.Equals, options.Defaults().FDFailTimeout)

	s.sched.fireAll()
	c.Check(s.failures, gocheck.Equals, 2)
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 0)
}

// executing the head pops the executed prefix, leaving only the pending
// tail to time out
func (s *FailureDetectorTest) TestExecutedPrefixPopped(c *gocheck.C) {
	s.detector.RequestSeen("a")
	s.detector.RequestSeen("b")
	s.detector.RequestSeen("c")
	s.detector.RequestExecuted("a")
	s.detector.RequestExecuted("b")
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 1)

	s.sched.fireAll()
	c.Check(s.failures, gocheck.Equals, 1)
	c.Check(s.detector.OutstandingCount(), gocheck.Equals, 0)
}
