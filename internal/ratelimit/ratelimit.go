// Package ratelimit throttles message submission per sender.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"legalchat/internal/metrics"
	"legalchat/pkg/interfaces"
)

// SlidingWindow implements per-sender rate limiting in process memory
// ARCHITECTURAL DISCOVERY: Per-sender state tracking with periodic cleanup prevents memory leaks
type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string][]time.Time
	now     func() time.Time
}

var _ interfaces.RateLimiter = (*SlidingWindow)(nil)

// NewSlidingWindow admits at most limit messages per sender in any window
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		senders: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt and reports whether it fits in the window.
// Rejected attempts are not recorded.
func (rl *SlidingWindow) Allow(_ context.Context, senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := prune(rl.senders[senderID], now.Add(-rl.window))

	if len(hits) >= rl.limit {
		rl.senders[senderID] = hits
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.senders[senderID] = append(hits, now)
	return true
}

// Cleanup removes senders with no hits inside the window (call periodically)
func (rl *SlidingWindow) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for senderID, hits := range rl.senders {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(rl.senders, senderID)
		} else {
			rl.senders[senderID] = hits
		}
	}
}

// Run calls Cleanup every interval until ctx is done
func (rl *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Tracked returns how many senders currently hold state
func (rl *SlidingWindow) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.senders)
}

// prune drops hits at or before cutoff; hits are in ascending order
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
