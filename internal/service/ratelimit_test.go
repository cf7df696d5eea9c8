package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	mockauth "github.com/casetrail/tcm-ui-api/internal/mocks/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

func newTestRateLimiter(t *testing.T, store ports.CounterStore, clock *fakeClock) *RateLimiter {
	t.Helper()
	limiter, err := NewRateLimiter(RateLimiterOptions{
		Store: store,
		Clock: clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(limiter.Close)
	return limiter
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := mockauth.NewMemoryCounterStore()
	store.Now = clock.Now
	limiter := newTestRateLimiter(t, store, clock)
	ctx := context.Background()

	const limit = 3
	for i := 1; i <= limit; i++ {
		decision, err := limiter.Allow(ctx, "login:203.0.113.1", limit, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should be admitted", i)
		assert.Equal(t, limit-i, decision.Remaining)
		assert.True(t, decision.ResetAt.After(clock.Now()))
	}

	decision, err := limiter.Allow(ctx, "login:203.0.113.1", limit, time.Minute)
	require.NoError(t, err, "an exhausted window is a decision, not an error")
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.Remaining)
}

func TestRateLimiter_WindowRollover(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := mockauth.NewMemoryCounterStore()
	store.Now = clock.Now
	limiter := newTestRateLimiter(t, store, clock)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	clock.Advance(61 * time.Second)

	decision, err = limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "new window admits again")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := mockauth.NewMemoryCounterStore()
	store.Now = clock.Now
	limiter := newTestRateLimiter(t, store, clock)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "login:a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "login:b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "other keys keep their own budget")
}

// countingStore wraps a CounterStore and counts Increment calls.
type countingStore struct {
	ports.CounterStore
	increments atomic.Int64
}

func (s *countingStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.increments.Add(1)
	return s.CounterStore.Increment(ctx, key, ttl)
}

func TestRateLimiter_ExhaustedWindowServedFromCache(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	inner := mockauth.NewMemoryCounterStore()
	inner.Now = clock.Now
	store := &countingStore{CounterStore: inner}
	limiter := newTestRateLimiter(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "hot", 2, time.Minute)
		require.NoError(t, err)
	}
	before := store.increments.Load()

	// Within the cache TTL the known-exhausted window is denied locally.
	decision, err := limiter.Allow(ctx, "hot", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, before, store.increments.Load())

	// Once the cache entry ages out the store is consulted again.
	clock.Advance(2 * time.Second)
	_, err = limiter.Allow(ctx, "hot", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, before+1, store.increments.Load())
}

// failingCounterStore errors on every operation.
type failingCounterStore struct{}

func (failingCounterStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingCounterStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingCounterStore) Delete(context.Context, string) error {
	return errors.New("connection refused")
}
func (failingCounterStore) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingCounterStore) GetValue(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func TestRateLimiter_FailPermissive(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	limiter := newTestRateLimiter(t, failingCounterStore{}, clock)

	decision, err := limiter.Allow(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "store outage must not turn into a request outage")
}

func TestRateLimiter_Reset(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := mockauth.NewMemoryCounterStore()
	store.Now = clock.Now
	limiter := newTestRateLimiter(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Reset(ctx, "k", time.Minute))

	decision, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRateLimiter_RejectsBadParameters(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := mockauth.NewMemoryCounterStore()
	limiter := newTestRateLimiter(t, store, clock)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "", 1, time.Minute)
	assert.ErrorIs(t, err, domainauth.ErrValidation)

	_, err = limiter.Allow(ctx, "k", 0, time.Minute)
	assert.ErrorIs(t, err, domainauth.ErrValidation)

	_, err = limiter.Allow(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, domainauth.ErrValidation)
}

func TestNewRateLimiter_RequiresStore(t *testing.T) {
	t.Parallel()
	_, err := NewRateLimiter(RateLimiterOptions{})
	assert.Error(t, err)
}
