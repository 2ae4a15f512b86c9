package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-user limiter is kept before the
// next insert evicts it.
const limiterIdleTTL = time.Hour

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter rate-limits inbound updates per user so one chatty user cannot
// monopolize the API budget. Idle entries are evicted so the map stays
// bounded by the recently active user count.
type userLimiter struct {
	entries map[string]*limiterEntry
	mu      sync.Mutex

	perSecond float64
	burst     int

	// now is swappable for tests.
	now func() time.Time
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	return &userLimiter{
		entries:   make(map[string]*limiterEntry),
		perSecond: perSecond,
		burst:     burst,
		now:       time.Now,
	}
}

// Allow reports whether the user may proceed right now.
func (ul *userLimiter) Allow(userID string) bool {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	now := ul.now()
	entry, ok := ul.entries[userID]
	if !ok {
		ul.evictIdle(now)
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(ul.perSecond), ul.burst),
		}
		ul.entries[userID] = entry
	}
	entry.lastSeen = now

	return entry.limiter.Allow()
}

// evictIdle drops entries not seen within limiterIdleTTL. Called with the
// lock held, on inserts only.
func (ul *userLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for userID, entry := range ul.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(ul.entries, userID)
		}
	}
}
