package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parlorhq/parlor/internal/v1/metrics"
	"github.com/parlorhq/parlor/internal/v1/types"
)

const (
	janitorInterval = 30 * time.Second
	bucketIdleTTL   = 10 * time.Minute
)

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Admission applies the per-user message budget. Each sender gets a token
// bucket; a denied Allow means the frame is dropped before it is persisted
// or fanned out. Buckets idle past bucketIdleTTL are reaped by a background
// janitor so the map does not grow with every user ever seen.
type Admission struct {
	capacity     int
	refillPerSec float64

	mu      sync.Mutex
	buckets map[types.UserIDType]*bucketEntry

	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewAdmission returns a gate refilling refillPerSec tokens per user up to
// capacity, and starts its janitor. Call Stop on shutdown.
func NewAdmission(capacity int, refillPerSec float64) *Admission {
	a := &Admission{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		buckets:      make(map[types.UserIDType]*bucketEntry),
		cleanupDone:  make(chan struct{}),
	}
	go a.clean()
	return a
}

// Allow reports whether userID may send one message now. A denial consumes
// nothing; the bucket keeps refilling on the wall clock.
func (a *Admission) Allow(userID types.UserIDType) bool {
	a.mu.Lock()
	entry, ok := a.buckets[userID]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(a.refillPerSec), a.capacity)}
		a.buckets[userID] = entry
	}
	entry.lastSeen = time.Now()
	a.mu.Unlock()

	// rate.Limiter is internally synchronized; no need to hold the map lock.
	if !entry.limiter.Allow() {
		metrics.AdmissionRejections.Inc()
		return false
	}
	return true
}

// Stop halts the janitor. Safe to call more than once.
func (a *Admission) Stop() {
	a.stopOnce.Do(func() { close(a.cleanupDone) })
}

func (a *Admission) clean() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.cleanupDone:
			return
		case <-ticker.C:
			a.reapIdle(time.Now().Add(-bucketIdleTTL))
		}
	}
}

func (a *Admission) reapIdle(cutoff time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for userID, entry := range a.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(a.buckets, userID)
		}
	}
}
