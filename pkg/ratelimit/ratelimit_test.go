package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
)

func testConfig(calls int, window time.Duration) Config {
	return Config{Budgets: map[string]Budget{
		"advanced": {Calls: calls, Window: window},
	}}
}

func TestWindowBudget(t *testing.T) {
	limiter := New(testConfig(5, time.Minute))
	now := time.Now()

	// The full budget is available up front
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.allowAt(now, "alice", "advanced"), "call %d", i+1)
	}

	// The (N+1)th call in the window is denied
	err := limiter.allowAt(now, "alice", "advanced")
	assert.True(t, errdefs.IsCode(err, errdefs.CodeRateLimitExceeded))

	// One window later the budget is fully restored
	later := now.Add(time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.allowAt(later, "alice", "advanced"), "call %d after refill", i+1)
	}
	err = limiter.allowAt(later, "alice", "advanced")
	assert.True(t, errdefs.IsCode(err, errdefs.CodeRateLimitExceeded))
}

func TestIdentitiesAreIndependent(t *testing.T) {
	limiter := New(testConfig(1, time.Minute))
	now := time.Now()

	require.NoError(t, limiter.allowAt(now, "alice", "advanced"))
	require.Error(t, limiter.allowAt(now, "alice", "advanced"))

	// Bob has his own bucket
	assert.NoError(t, limiter.allowAt(now, "bob", "advanced"))
}

func TestTiersAreIndependent(t *testing.T) {
	limiter := New(Config{Budgets: map[string]Budget{
		"fundamental": {Calls: 2, Window: time.Minute},
		"advanced":    {Calls: 1, Window: time.Minute},
	}})
	now := time.Now()

	require.NoError(t, limiter.allowAt(now, "alice", "advanced"))
	require.Error(t, limiter.allowAt(now, "alice", "advanced"))

	assert.NoError(t, limiter.allowAt(now, "alice", "fundamental"))
}

func TestUnknownTier(t *testing.T) {
	limiter := New(DefaultConfig())
	err := limiter.Allow("alice", "superuser")
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidRequest))
}

func TestDenialReportsRetryDelay(t *testing.T) {
	limiter := New(testConfig(1, time.Minute))
	now := time.Now()

	require.NoError(t, limiter.allowAt(now, "alice", "advanced"))

	err := limiter.allowAt(now, "alice", "advanced")
	require.Error(t, err)

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	retry, ok := e.Data["retry_after_ms"].(int64)
	require.True(t, ok)
	assert.Positive(t, retry)
}
