// Package sched provides the cooperative scheduling primitives of the
// control loop: a clock, explicit suspension points, periodic background
// tasks and bounded watchdog feeding.
//
// There is a single thread of control. Nothing here preempts; background
// work only runs when the caller reaches a suspension point (Service,
// Delay or Until).
package sched

import (
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
)

// DefaultFeedInterval is the supervisor deadline: the watchdog must be fed
// at least this often while the control loop is busy.
const DefaultFeedInterval = 100 * time.Millisecond

// Clock abstracts time so that motion timing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Feeder is fed periodically to keep an external supervisor from resetting the system.
type Feeder interface {
	Feed() error
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Task is periodic background work run at suspension points.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(now time.Time)

	next time.Time
}

// Scheduler owns the clock, the watchdog and the background task list.
type Scheduler struct {
	clock     Clock
	feeder    Feeder
	feedEvery time.Duration
	lastFeed  time.Time
	tasks     []*Task
	inTask    bool
}

// New creates a scheduler. feedInterval is the supervisor deadline; the
// feeder is fed at half that interval so that one late slice cannot miss it.
// A nil feeder disables feeding.
func New(clock Clock, feeder Feeder, feedInterval time.Duration) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if feedInterval <= 0 {
		feedInterval = DefaultFeedInterval
	}
	return &Scheduler{
		clock:     clock,
		feeder:    feeder,
		feedEvery: feedInterval / 2,
	}
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Every registers fn to run at most once per interval at suspension points.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(now time.Time)) {
	s.tasks = append(s.tasks, &Task{
		Name:     name,
		Interval: interval,
		Run:      fn,
		next:     s.clock.Now().Add(interval),
	})
}

// Service is a suspension point: it feeds the watchdog if due and runs
// every background task whose interval has elapsed.
func (s *Scheduler) Service() {
	now := s.clock.Now()
	s.feed(now)

	// Tasks may themselves reach suspension points; do not re-enter.
	if s.inTask {
		return
	}
	s.inTask = true
	defer func() { s.inTask = false }()

	for _, t := range s.tasks {
		if now.Before(t.next) {
			continue
		}
		t.Run(now)
		t.next = now.Add(t.Interval)
	}
}

// Delay suspends for d, servicing background work in slices no longer
// than half the feed interval.
func (s *Scheduler) Delay(d time.Duration) {
	s.Until(s.clock.Now().Add(d))
}

// Until suspends until deadline, servicing background work meanwhile.
func (s *Scheduler) Until(deadline time.Time) {
	for {
		s.Service()
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return
		}
		if remaining > s.feedEvery {
			remaining = s.feedEvery
		}
		s.clock.Sleep(remaining)
	}
}

func (s *Scheduler) feed(now time.Time) {
	if s.feeder == nil {
		return
	}
	if !s.lastFeed.IsZero() && now.Sub(s.lastFeed) < s.feedEvery {
		return
	}
	if err := s.feeder.Feed(); err != nil {
		debug.Error(err)
	}
	s.lastFeed = now
}
