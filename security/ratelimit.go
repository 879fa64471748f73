package security

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds request rates per identifier.
type RateLimitConfig struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
}

// DefaultRateLimitConfig allows 60 requests per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Enabled: true, MaxRequests: 60, Window: time.Minute}
}

// RateLimiter admits or rejects requests per identifier. retryAfter
// is seconds until the identifier may try again.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter int)
	Remaining(ctx context.Context, key string) int
}

// InMemoryRateLimiter is a sliding-window limiter for single-instance
// deployments. A breach blocks the identifier for the full window.
type InMemoryRateLimiter struct {
	config      RateLimitConfig
	windows     sync.Map // map[string]*slidingWindow
	cleanupMu   sync.Mutex
	lastCleanup time.Time
	now         func() time.Time
}

type slidingWindow struct {
	mu           sync.Mutex
	timestamps   []time.Time
	blockedUntil time.Time
}

// NewInMemoryRateLimiter creates the in-process limiter.
func NewInMemoryRateLimiter(config RateLimitConfig) *InMemoryRateLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultRateLimitConfig().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitConfig().Window
	}
	return &InMemoryRateLimiter{
		config:      config,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (l *InMemoryRateLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// Allow admits the request if the identifier has headroom in the
// sliding window and is not serving a block.
func (l *InMemoryRateLimiter) Allow(ctx context.Context, key string) (bool, int) {
	now := l.now()
	l.cleanupIfNeeded(now)

	wi, _ := l.windows.LoadOrStore(key, &slidingWindow{})
	w := wi.(*slidingWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Before(w.blockedUntil) {
		return false, retryAfterSeconds(w.blockedUntil.Sub(now))
	}

	cutoff := now.Add(-l.config.Window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= l.config.MaxRequests {
		// Breach blocks the identifier for the full window.
		w.blockedUntil = now.Add(l.config.Window)
		return false, retryAfterSeconds(l.config.Window)
	}

	w.timestamps = append(w.timestamps, now)
	return true, 0
}

// Remaining returns the identifier's headroom in the current window.
func (l *InMemoryRateLimiter) Remaining(ctx context.Context, key string) int {
	wi, ok := l.windows.Load(key)
	if !ok {
		return l.config.MaxRequests
	}
	w := wi.(*slidingWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Before(w.blockedUntil) {
		return 0
	}
	cutoff := now.Add(-l.config.Window)
	count := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	remaining := l.config.MaxRequests - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *InMemoryRateLimiter) cleanupIfNeeded(now time.Time) {
	if now.Sub(l.lastCleanup) < 5*time.Minute {
		return
	}
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if now.Sub(l.lastCleanup) < 5*time.Minute {
		return
	}
	cutoff := now.Add(-2 * l.config.Window)
	l.windows.Range(func(key, value interface{}) bool {
		w := value.(*slidingWindow)
		w.mu.Lock()
		stale := len(w.timestamps) == 0 || w.timestamps[len(w.timestamps)-1].Before(cutoff)
		stale = stale && now.After(w.blockedUntil)
		w.mu.Unlock()
		if stale {
			l.windows.Delete(key)
		}
		return true
	})
	l.lastCleanup = now
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
