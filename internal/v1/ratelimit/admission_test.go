package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/v1/types"
)

func newTestAdmission(t *testing.T, capacity int, refillPerSec float64) *Admission {
	t.Helper()
	a := NewAdmission(capacity, refillPerSec)
	t.Cleanup(a.Stop)
	return a
}

func TestAdmission_AllowsBurstThenRejects(t *testing.T) {
	a := newTestAdmission(t, 3, 0.001)

	for i := 0; i < 3; i++ {
		assert.True(t, a.Allow("u1"), "send %d should fit in the burst", i+1)
	}
	assert.False(t, a.Allow("u1"), "burst exhausted, no refill yet")
}

func TestAdmission_RefillsOverTime(t *testing.T) {
	a := newTestAdmission(t, 1, 50)

	require.True(t, a.Allow("u1"))
	assert.False(t, a.Allow("u1"))

	require.Eventually(t, func() bool {
		return a.Allow("u1")
	}, time.Second, 5*time.Millisecond, "bucket should refill")
}

func TestAdmission_IsolatesUsers(t *testing.T) {
	a := newTestAdmission(t, 1, 0.001)

	require.True(t, a.Allow("u1"))
	require.False(t, a.Allow("u1"))
	assert.True(t, a.Allow("u2"), "one user's exhaustion must not affect another")
}

func TestAdmission_ReapsIdleBuckets(t *testing.T) {
	a := newTestAdmission(t, 3, 1)

	a.Allow("u1")
	a.Allow("u2")

	a.mu.Lock()
	a.buckets["u1"].lastSeen = time.Now().Add(-time.Hour)
	a.mu.Unlock()

	a.reapIdle(time.Now().Add(-bucketIdleTTL))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.NotContains(t, a.buckets, types.UserIDType("u1"))
	assert.Contains(t, a.buckets, types.UserIDType("u2"))
}

func TestAdmission_StopIsIdempotent(t *testing.T) {
	a := NewAdmission(3, 1)
	a.Stop()
	a.Stop()
}
