// Package ratelimit enforces the per-user send cooldown. It is a
// best-effort UX throttle, not a security control — the gateway runs the
// same check server-side against clients that skip this one.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCooldown is the minimum interval between accepted sends from the
// same user, across all channels.
const DefaultCooldown = 3 * time.Second

// Limiter tracks the last accepted send per user. Pure time math: no
// network calls, no goroutines, no queuing. A rejected caller gets the
// remaining wait and decides for itself whether to retry.
type Limiter struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[uuid.UUID]time.Time
	now      func() time.Time
}

func New(cooldown time.Duration) *Limiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Limiter{
		cooldown: cooldown,
		last:     make(map[uuid.UUID]time.Time),
		now:      time.Now,
	}
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(cooldown time.Duration, now func() time.Time) *Limiter {
	l := New(cooldown)
	l.now = now
	return l
}

// CheckAndRecord reports whether userID may send right now. If allowed,
// the send is recorded and the cooldown restarts. If not, retryAfter is
// how long the caller must wait; the attempt is not recorded and MUST NOT
// be sent. A send exactly at the cooldown boundary is allowed.
func (l *Limiter) CheckAndRecord(userID uuid.UUID) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if prev, ok := l.last[userID]; ok {
		elapsed := now.Sub(prev)
		if elapsed < l.cooldown {
			return false, l.cooldown - elapsed
		}
	}
	l.last[userID] = now
	return true, 0
}

// Cooldown returns the configured cooldown window.
func (l *Limiter) Cooldown() time.Duration {
	return l.cooldown
}
