package sched

import (
	"sync"
	"time"
)

// FakeClock is a manual clock: Sleep advances time instantly.
// Shared by the tests of every package that drives motion.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
	naps  []time.Duration
}

// NewFakeClock returns a clock starting at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	c.naps = append(c.naps, d)
}

// Advance moves time forward without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Slept returns the total time spent sleeping.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// Naps returns each individual sleep.
func (c *FakeClock) Naps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.naps...)
}

// FeedRecorder records watchdog feeds against a clock.
type FeedRecorder struct {
	Clock Clock
	Feeds []time.Time
}

func (f *FeedRecorder) Feed() error {
	f.Feeds = append(f.Feeds, f.Clock.Now())
	return nil
}

// MaxGap returns the longest interval between consecutive feeds.
func (f *FeedRecorder) MaxGap() time.Duration {
	var max time.Duration
	for i := 1; i < len(f.Feeds); i++ {
		if g := f.Feeds[i].Sub(f.Feeds[i-1]); g > max {
			max = g
		}
	}
	return max
}
