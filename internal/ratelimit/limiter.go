// Package ratelimit provides per-key token bucket rate limiting for MCP tools.
//
// Buckets are keyed by session, so one noisy client cannot starve another
// session served by the same process.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is matched by every *LimitError.
var ErrLimited = errors.New("rate limit exceeded")

// LimitError reports which tool and key ran out of tokens.
type LimitError struct {
	Tool string
	Key  string
}

func (e *LimitError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("rate limit exceeded for %s, please try again shortly", e.Tool)
	}
	return fmt.Sprintf("rate limit exceeded for %s on session %s, please try again shortly", e.Tool, e.Key)
}

// Is makes errors.Is(err, ErrLimited) true.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// Limiter implements a per-key token bucket rate limiter.
// Each key gets its own bucket with the configured rate and burst.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit       // tokens per second
	burst   int              // max burst size (also initial token count)
	nowFunc func() time.Time // injectable clock for testing
}

// NewLimiter creates a rate limiter with the given rate (tokens/sec) and burst size.
// The burst size also serves as the initial number of tokens available.
func NewLimiter(r float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(r),
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow checks if a request for the given key should be allowed.
// Returns true if allowed, false if rate limited.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = b
	}
	return b.AllowN(l.nowFunc(), 1)
}

// Forget drops the bucket for key. Called when a session closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Keys returns the number of tracked buckets.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ToolLimiters maps tool names to their rate limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters creates the default set of per-tool rate limiters.
// Sampling commands are cheap and interactive, so they get generous bursts;
// creating and resetting populations is limited harder.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"cmr_new":       NewLimiter(10.0/60.0, 3), // 10/minute, burst 3
		"cmr_reset":     NewLimiter(10.0/60.0, 3), // 10/minute, burst 3
		"cmr_tag":       NewLimiter(1.0, 10),      // 60/minute, burst 10
		"cmr_recapture": NewLimiter(1.0, 10),      // 60/minute, burst 10
		"cmr_estimate":  NewLimiter(1.0, 10),      // 60/minute, burst 10
		"cmr_reveal":    NewLimiter(30.0/60.0, 5), // 30/minute, burst 5
		"cmr_history":   NewLimiter(30.0/60.0, 5), // 30/minute, burst 5
	}
}

// CheckLimit checks the rate limit for toolName under key (usually a session ID).
// Returns nil if allowed, or a *LimitError if rate limited.
// Tools without a configured limiter are always allowed.
func CheckLimit(limiters ToolLimiters, toolName, key string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}

	if !limiter.Allow(key) {
		return &LimitError{Tool: toolName, Key: key}
	}

	return nil
}

// Forget drops key from every limiter.
func (tl ToolLimiters) Forget(key string) {
	for _, l := range tl {
		l.Forget(key)
	}
}
