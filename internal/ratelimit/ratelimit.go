// Package ratelimit implements a fixed-window per-minute rate limiter with
// wait-time reporting. It guards the upstream model API, the web-search and
// article-search providers, and per-user streaming message budgets.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// window is the fixed limiter window.
const window = time.Minute

// ErrLimited is returned by [Manager.Allow] when a key is over budget. It
// carries the time until the oldest recorded call ages out of the window.
type ErrLimited struct {
	Name string
	Wait time.Duration
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("ratelimit: %s: limit reached, retry in %s", e.Name, e.Wait.Round(time.Millisecond))
}

// Limiter tracks call timestamps for a single key within the sliding
// minute window. The zero value is not usable; use [NewLimiter].
type Limiter struct {
	mu    sync.Mutex
	calls []time.Time
	now   func() time.Time
}

// NewLimiter creates a limiter. The now function may be overridden in tests.
func NewLimiter() *Limiter {
	return &Limiter{now: time.Now}
}

// Check reports whether another call fits under rate within the current
// window. When allowed, the call is recorded. When denied, wait is the time
// until the oldest recorded call falls out of the window.
func (l *Limiter) Check(rate int) (allowed bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	// Evict timestamps that left the window.
	keep := l.calls[:0]
	for _, t := range l.calls {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.calls = keep

	if len(l.calls) < rate {
		l.calls = append(l.calls, now)
		return true, 0
	}

	oldest := l.calls[0]
	return false, window - now.Sub(oldest)
}

// Manager keys limiters by a logical name plus an identifier, so one named
// budget (e.g. "user_stream") can fan out per user while another ("search")
// stays global with an empty identifier.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	now      func() time.Time
}

// NewManager creates an empty limiter registry.
func NewManager() *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		now:      time.Now,
	}
}

// Check applies the named budget for id. rate is calls per minute.
func (m *Manager) Check(name string, rate int, id string) (allowed bool, wait time.Duration) {
	key := name
	if id != "" {
		key = name + ":" + id
	}

	m.mu.Lock()
	l, ok := m.limiters[key]
	if !ok {
		l = &Limiter{now: m.now}
		m.limiters[key] = l
	}
	m.mu.Unlock()

	return l.Check(rate)
}

// Allow is like [Manager.Check] but returns an [ErrLimited] when denied,
// which adapters can surface directly.
func (m *Manager) Allow(name string, rate int, id string) error {
	allowed, wait := m.Check(name, rate, id)
	if !allowed {
		return &ErrLimited{Name: name, Wait: wait}
	}
	return nil
}

// Size returns the number of tracked keys. Used by stats endpoints.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}
