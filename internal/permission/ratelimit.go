package permission

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fixed-window defaults for sensitive operations.
const (
	DefaultWindow   = 60 * time.Second
	DefaultMaxCalls = 10
)

// RateLimitError reports when the window resets so callers can back off.
type RateLimitError struct {
	Operation string
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("permission: rate limit exceeded for %s, resets at %s", e.Operation, e.ResetAt.UTC().Format(time.RFC3339))
}

type window struct {
	start time.Time
	count int
}

// Limiter enforces a fixed window per (orgID, userDID, operation). Stale
// windows are dropped opportunistically on each Allow call.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	window   time.Duration
	maxCalls int
	now      func() time.Time
}

// NewLimiter constructs a Limiter; non-positive arguments use the defaults.
func NewLimiter(windowSize time.Duration, maxCalls int) *Limiter {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	return &Limiter{
		windows:  make(map[string]*window),
		window:   windowSize,
		maxCalls: maxCalls,
		now:      time.Now,
	}
}

// Allow consumes one call from the window, returning a RateLimitError once
// the budget is spent.
func (l *Limiter) Allow(orgID, userDID, operation string) error {
	key := strings.Join([]string{orgID, userDID, operation}, "\x00")
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &window{start: now, count: 1}
		return nil
	}
	if w.count >= l.maxCalls {
		return &RateLimitError{Operation: operation, ResetAt: w.start.Add(l.window)}
	}
	w.count++
	return nil
}

func (l *Limiter) sweepLocked(now time.Time) {
	if len(l.windows) < 4096 {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}
