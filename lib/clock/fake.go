// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Tickers fire during
// Advance, in deadline order, once per elapsed interval.
type FakeClock struct {
	mu       sync.Mutex
	changed  *sync.Cond
	current  time.Time
	tickers  []*fakeTicker
	sleepers int
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker registers a fake ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		deadline: c.current.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, ticker)
	c.changed.Broadcast()
	return &Ticker{
		C: ticker.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
		},
	}
}

// Sleep blocks until the fake clock advances past d.
func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	deadline := c.current.Add(d)
	c.sleepers++
	c.changed.Broadcast()
	for c.current.Before(deadline) {
		c.changed.Wait()
	}
	c.sleepers--
	c.mu.Unlock()
}

// Advance moves the fake time forward by d, firing every ticker whose
// deadline falls inside the window. A ticker with a full channel drops
// the tick, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.current.Add(d)
	for {
		next := c.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		select {
		case next.channel <- next.deadline:
		default:
		}
		next.deadline = next.deadline.Add(next.interval)
	}
	c.current = target
	c.changed.Broadcast()
}

// WaitForTickers blocks until at least n tickers are registered. Tests
// call this before Advance to avoid racing goroutine startup.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveTickersLocked() < n {
		c.changed.Wait()
	}
}

// WaitForSleepers blocks until at least n goroutines are blocked in
// Sleep, so a test can Advance past deadlines that are already fixed.
func (c *FakeClock) WaitForSleepers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.sleepers < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) liveTickersLocked() int {
	count := 0
	for _, t := range c.tickers {
		if !t.stopped {
			count++
		}
	}
	return count
}

// nextDeadlineLocked returns the unstopped ticker with the earliest
// deadline not after target, or nil when none remain in the window.
func (c *FakeClock) nextDeadlineLocked(target time.Time) *fakeTicker {
	var next *fakeTicker
	for _, t := range c.tickers {
		if t.stopped || t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}
