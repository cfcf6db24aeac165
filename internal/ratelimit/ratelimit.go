// Package ratelimit provides in-memory admission control for the gateway:
// per-user sliding windows, a global window, and per-user connection quotas.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/commitledger/agent-gateway/pkg/metrics"
)

// Config holds the window and quota limits.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	GlobalPerMinute   int
	MaxConnsPerUser   int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 10,
		RequestsPerHour:   60,
		GlobalPerMinute:   100,
		MaxConnsPerUser:   3,
	}
}

// Decision is the structured outcome of a rate-limit check. Checks never
// fail with an error; a denied request carries the reason and the delay
// after which a retry can succeed.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int // seconds
}

type window struct {
	count   int
	resetAt time.Time
}

// reset lazily rolls the window forward when its deadline has passed.
// Windows are never advanced by timers, only at check time.
func (w *window) reset(now time.Time, d time.Duration) {
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(d)
	}
}

func (w *window) retryAfter(now time.Time) int {
	return int(math.Ceil(w.resetAt.Sub(now).Seconds()))
}

// Limiter is the process-wide admission-control state. It is constructed
// once at startup and injected into the connection handler; state is not
// persisted across restarts.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	global  window
	minutes map[string]*window
	hours   map[string]*window
	conns   map[string]int
}

// New creates a Limiter with the given limits. Zero or negative limits fall
// back to the defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.RequestsPerHour <= 0 {
		cfg.RequestsPerHour = def.RequestsPerHour
	}
	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = def.GlobalPerMinute
	}
	if cfg.MaxConnsPerUser <= 0 {
		cfg.MaxConnsPerUser = def.MaxConnsPerUser
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		minutes: make(map[string]*window),
		hours:   make(map[string]*window),
		conns:   make(map[string]int),
	}
}

// Check evaluates the request-rate windows for userID in strict order:
// global, then per-user per-minute, then per-user per-hour, short-circuiting
// on the first violation. Global violations preempt user-specific ones since
// shared-capacity protection takes priority. On success all three counters
// are incremented under one lock acquisition, so no cross-request race can
// split a check from its increment.
func (l *Limiter) Check(userID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	l.global.reset(now, time.Minute)
	if l.global.count >= l.cfg.GlobalPerMinute {
		metrics.RecordRateLimitHit("global")
		return Decision{
			Reason:     fmt.Sprintf("global rate limit of %d requests per minute exceeded", l.cfg.GlobalPerMinute),
			RetryAfter: l.global.retryAfter(now),
		}
	}

	minute := l.userWindow(l.minutes, userID)
	minute.reset(now, time.Minute)
	if minute.count >= l.cfg.RequestsPerMinute {
		metrics.RecordRateLimitHit("user_minute")
		return Decision{
			Reason:     fmt.Sprintf("per-minute limit of %d requests exceeded", l.cfg.RequestsPerMinute),
			RetryAfter: minute.retryAfter(now),
		}
	}

	hour := l.userWindow(l.hours, userID)
	hour.reset(now, time.Hour)
	if hour.count >= l.cfg.RequestsPerHour {
		metrics.RecordRateLimitHit("user_hour")
		return Decision{
			Reason:     fmt.Sprintf("hourly limit of %d requests exceeded", l.cfg.RequestsPerHour),
			RetryAfter: hour.retryAfter(now),
		}
	}

	l.global.count++
	minute.count++
	hour.count++
	return Decision{Allowed: true}
}

// TrackConnection tests-and-increments the per-user connection count against
// the cap. Returns false without mutating state if the user is at the cap.
func (l *Limiter) TrackConnection(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conns[userID] >= l.cfg.MaxConnsPerUser {
		return false
	}
	l.conns[userID]++
	return true
}

// ReleaseConnection decrements the per-user connection count, never below
// zero. Callers must pair it exactly once with each successful
// TrackConnection, including on abnormal disconnect.
func (l *Limiter) ReleaseConnection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conns[userID] > 0 {
		l.conns[userID]--
	}
	if l.conns[userID] == 0 {
		delete(l.conns, userID)
	}
}

// Connections reports the current open-connection count for a user.
func (l *Limiter) Connections(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[userID]
}

func (l *Limiter) userWindow(m map[string]*window, userID string) *window {
	w, ok := m[userID]
	if !ok {
		w = &window{}
		m[userID] = w
	}
	return w
}
