// Package clock provides a substitutable time source.
//
// Production code takes a [Clock] and uses it for every wall-clock read so
// that idle timing and run deadlines can be driven deterministically in
// tests via [Fake].
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the idle manager and the latency harness.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// System is a [Clock] backed by the real time package.
// The zero value is ready to use.
type System struct{}

// Now implements [Clock.Now].
func (System) Now() time.Time { return time.Now() }

// Since implements [Clock.Since].
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually driven [Clock] for tests.
// All methods are safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a [Fake] starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now implements [Clock.Now].
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since implements [Clock.Since].
func (f *Fake) Since(t time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
