// Package ratelimit applies a sliding-window per-user quota. It is the
// primary per-user back-pressure in front of the conversation engine.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

type Limiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	ownerExempt bool
	history     map[int64][]time.Time
	now         func() time.Time
}

// Options configure the limiter at construction; they map directly onto
// the ratelimit.* config keys.
type Options struct {
	MaxRequests   int
	WindowSeconds int
	OwnerExempt   bool
	Now           func() time.Time
}

func New(opts Options) *Limiter {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 4
	}
	if opts.WindowSeconds <= 0 {
		opts.WindowSeconds = 60
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		window:      time.Duration(opts.WindowSeconds) * time.Second,
		maxRequests: opts.MaxRequests,
		ownerExempt: opts.OwnerExempt,
		history:     make(map[int64][]time.Time),
		now:         opts.Now,
	}
}

// Allow admits or rejects one request. On rejection retryAfter holds the
// time until the oldest timestamp leaves the window.
func (l *Limiter) Allow(userID int64, level access.Level) (allowed bool, retryAfter time.Duration) {
	if l.ownerExempt && level == access.Owner {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.history[userID][:0]
	for _, ts := range l.history[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.maxRequests {
		l.history[userID] = kept
		return false, kept[0].Sub(cutoff)
	}

	l.history[userID] = append(kept, now)
	return true, 0
}

// Reset clears one user's window.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	delete(l.history, userID)
	l.mu.Unlock()
}
