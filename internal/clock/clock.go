// Package clock abstracts wall-clock time and timers so the announcement
// scheduler, device-list timers, and subscription expiry timers can be
// driven deterministically under test, the same role an injected
// `now func() time.Time` field plays in events.Manager.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is the substrate every timer-owning component in this module
// takes as a constructor dependency.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal handle this module needs from a scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing, returning false if it already
	// fired or was stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d.
	Reset(d time.Duration) bool
}

// Real is the production Clock, backed by the standard library.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool              { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Rand abstracts the jitter source used by the announcement scheduler's
// "random_uniform(0, window)" discipline so tests can inject a
// deterministic sequence.
type Rand interface {
	// UniformDuration returns a value in [0, max); max<=0 returns 0.
	UniformDuration(max time.Duration) time.Duration
}

// SystemRand wraps math/rand with a private source, safe for concurrent use.
type SystemRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewSystemRand builds a SystemRand seeded with seed. Callers needing
// non-deterministic behavior should seed from time.Now().UnixNano().
func NewSystemRand(seed int64) *SystemRand {
	return &SystemRand{src: rand.New(rand.NewSource(seed))}
}

func (r *SystemRand) UniformDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.src.Int63n(int64(max)))
}
