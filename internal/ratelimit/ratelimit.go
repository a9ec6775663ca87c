// Package ratelimit provides message rate limiting for chatrelay connections.
// It implements a sliding window per identity so one flooding peer cannot
// starve the dispatch path for everyone else.
package ratelimit

import (
	"sync"
	"time"

	"github.com/real-rm/chatrelay/internal/constants"
)

// MessageLimiter limits the rate of messages per identity using a sliding window
type MessageLimiter struct {
	events map[int64][]time.Time // identity -> message timestamps
	window time.Duration
	limit  int
	mu     sync.RWMutex

	// Cleanup goroutine management
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a new message rate limiter.
// window: time window for rate limiting (e.g., 1 minute)
// limit: maximum number of messages allowed in the window
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[int64][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: constants.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow checks if a message is allowed for the identity.
// Returns true if allowed, false if the rate limit is exceeded.
func (ml *MessageLimiter) Allow(userID int64) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	events := ml.events[userID]

	// Keep only events inside the window
	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= ml.limit {
		ml.events[userID] = recent
		return false
	}

	// Cap per-identity history so a burst cannot grow the slice unbounded
	if len(recent) >= constants.MaxEventsPerUser {
		ml.events[userID] = recent
		return false
	}

	recent = append(recent, now)
	ml.events[userID] = recent

	return true
}

// GetRetryAfter returns the time in milliseconds until the next message is allowed
func (ml *MessageLimiter) GetRetryAfter(userID int64) int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.events[userID]
	if len(events) < ml.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-ml.window)

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

	retryAfter := oldestInWindow.Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}

	return int(retryAfter.Milliseconds())
}

// Reset clears the event history for an identity
func (ml *MessageLimiter) Reset(userID int64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	delete(ml.events, userID)
}

// Cleanup removes identities whose events have all aged out of the window
func (ml *MessageLimiter) Cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)

	for userID, events := range ml.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(ml.events, userID)
		} else {
			ml.events[userID] = recent
		}
	}
}

// StartCleanup launches the periodic cleanup goroutine
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()

		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ml.Cleanup()
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to exit
func (ml *MessageLimiter) StopCleanup() {
	close(ml.stopCleanup)
	ml.cleanupWg.Wait()
}
