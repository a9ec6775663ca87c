package ratelimit

import (
	"sync"
	"time"

	"github.com/real-rm/chatrelay/internal/constants"
)

// KeyLimiter is a sliding-window limiter keyed by an opaque string, used for
// per-IP limiting on public HTTP endpoints.
type KeyLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	mu     sync.Mutex

	stopCleanup chan struct{}
	cleanupWg   sync.WaitGroup
}

// NewKeyLimiter creates a string-keyed rate limiter
func NewKeyLimiter(window time.Duration, limit int) *KeyLimiter {
	return &KeyLimiter{
		events:      make(map[string][]time.Time),
		window:      window,
		limit:       limit,
		stopCleanup: make(chan struct{}),
	}
}

// Allow checks if an event is allowed for the key
func (kl *KeyLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-kl.window)

	// Cap map growth: reject new keys when at capacity
	events := kl.events[key]
	if events == nil && len(kl.events) >= constants.MaxUsersTracked {
		return false
	}

	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= kl.limit {
		kl.events[key] = recent
		return false
	}

	recent = append(recent, now)
	kl.events[key] = recent

	return true
}

// GetRetryAfter returns the time in milliseconds until the next event is allowed
func (kl *KeyLimiter) GetRetryAfter(key string) int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	events := kl.events[key]
	if len(events) < kl.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-kl.window)

	var oldestInWindow time.Time
	for _, t := range events {
		if t.After(cutoff) {
			if oldestInWindow.IsZero() || t.Before(oldestInWindow) {
				oldestInWindow = t
			}
		}
	}

	if oldestInWindow.IsZero() {
		return 0
	}

	retryAfter := oldestInWindow.Add(kl.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}

	return int(retryAfter.Milliseconds())
}

// StartCleanup launches the periodic cleanup goroutine
func (kl *KeyLimiter) StartCleanup() {
	kl.cleanupWg.Add(1)
	go func() {
		defer kl.cleanupWg.Done()

		ticker := time.NewTicker(constants.DefaultCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				kl.cleanup()
			case <-kl.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to exit
func (kl *KeyLimiter) StopCleanup() {
	close(kl.stopCleanup)
	kl.cleanupWg.Wait()
}

func (kl *KeyLimiter) cleanup() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := time.Now().Add(-kl.window)

	for key, events := range kl.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(kl.events, key)
		} else {
			kl.events[key] = recent
		}
	}
}
