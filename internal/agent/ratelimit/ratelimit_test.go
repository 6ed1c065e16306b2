package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

func newTestLimiter(max, windowSec int, exempt bool) (*Limiter, *time.Time) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := New(Options{
		MaxRequests:   max,
		WindowSeconds: windowSec,
		OwnerExempt:   exempt,
		Now:           func() time.Time { return clock },
	})
	return l, &clock
}

func TestWindowAdmitsUpToMax(t *testing.T) {
	l, clock := newTestLimiter(4, 60, true)

	for i := 0; i < 4; i++ {
		ok, _ := l.Allow(7, access.Friend)
		assert.True(t, ok, "request %d should pass", i+1)
		*clock = clock.Add(time.Second)
	}

	ok, retry := l.Allow(7, access.Friend)
	assert.False(t, ok)
	// oldest entry is 4s old in a 60s window
	assert.Equal(t, 56*time.Second, retry)
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, 60, true)

	l.Allow(7, access.Friend)
	l.Allow(7, access.Friend)

	ok, _ := l.Allow(7, access.Friend)
	assert.False(t, ok)

	// after the window passes the user is admitted again
	*clock = clock.Add(61 * time.Second)
	ok, _ = l.Allow(7, access.Friend)
	assert.True(t, ok)
}

func TestOwnerExempt(t *testing.T) {
	l, _ := newTestLimiter(2, 60, true)

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow(1, access.Owner)
		assert.True(t, ok)
	}

	// exemption off: owner is limited like everyone else
	l2, _ := newTestLimiter(2, 60, false)
	l2.Allow(1, access.Owner)
	l2.Allow(1, access.Owner)
	ok, _ := l2.Allow(1, access.Owner)
	assert.False(t, ok)
}

func TestUsersIsolated(t *testing.T) {
	l, _ := newTestLimiter(1, 60, true)

	ok, _ := l.Allow(7, access.Friend)
	assert.True(t, ok)
	ok, _ = l.Allow(8, access.Friend)
	assert.True(t, ok)
	ok, _ = l.Allow(7, access.Friend)
	assert.False(t, ok)
}
