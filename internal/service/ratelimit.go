package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Decision is the outcome of a rate-limit check. Callers render headers from
// it; an exhausted window is a normal decision, not an error.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiterOptions configures a RateLimiter.
type RateLimiterOptions struct {
	Store  ports.CounterStore
	Logger *slog.Logger

	// CacheTTL bounds how long a locally cached count may short-circuit the
	// store. Defaults to one second.
	CacheTTL time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// RateLimiter enforces fixed-window limits over a shared counter store. A
// small in-process cache of last known counts absorbs hot-key reads: once a
// window is known to be exhausted, further requests for it are denied without
// a round trip until the cache entry ages out.
type RateLimiter struct {
	store    ports.CounterStore
	logger   *slog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedCount

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type cachedCount struct {
	count    int64
	fetched  time.Time
	windowID int64
}

// NewRateLimiter validates options and starts the cache janitor.
func NewRateLimiter(opts RateLimiterOptions) (*RateLimiter, error) {
	if opts.Store == nil {
		return nil, errors.New("counter store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &RateLimiter{
		store:    opts.Store,
		logger:   opts.Logger.With("component", "ratelimit"),
		cacheTTL: opts.CacheTTL,
		now:      opts.Clock,
		cache:    make(map[string]cachedCount),
		done:     make(chan struct{}),
	}

	l.wg.Add(1)
	go l.janitor()

	return l, nil
}

// Allow consumes one unit from the fixed window for key. Exhausted windows
// come back as Allowed=false with a nil error. Store failures are
// fail-permissive: the request is admitted and the failure logged, so a Redis
// outage degrades to unlimited rather than an outage of our own.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if key == "" || limit <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("rate limit parameters: %w", errInvalidArgs)
	}

	now := l.now()
	windowID := now.UnixNano() / int64(window)
	resetAt := time.Unix(0, (windowID+1)*int64(window))
	counterKey := fmt.Sprintf("%s:%d", key, windowID)

	if l.cachedExhausted(counterKey, windowID, int64(limit), now) {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	count, err := l.store.Increment(ctx, counterKey, window+time.Second)
	if err != nil {
		l.logger.WarnContext(ctx, "counter store unavailable, admitting request",
			"key", key, "error", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: resetAt}, nil
	}

	l.remember(counterKey, windowID, count, now)

	if count > int64(limit) {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the current window for key. Operator override.
func (l *RateLimiter) Reset(ctx context.Context, key string, window time.Duration) error {
	if key == "" || window <= 0 {
		return fmt.Errorf("rate limit parameters: %w", errInvalidArgs)
	}
	windowID := l.now().UnixNano() / int64(window)
	counterKey := fmt.Sprintf("%s:%d", key, windowID)

	l.mu.Lock()
	delete(l.cache, counterKey)
	l.mu.Unlock()

	if err := l.store.Delete(ctx, counterKey); err != nil {
		return fmt.Errorf("reset rate limit %q: %w", key, err)
	}
	return nil
}

// Close stops the cache janitor. Safe to call more than once.
func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

func (l *RateLimiter) cachedExhausted(counterKey string, windowID, limit int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.cache[counterKey]
	if !ok || entry.windowID != windowID {
		return false
	}
	if now.Sub(entry.fetched) > l.cacheTTL {
		return false
	}
	return entry.count >= limit
}

func (l *RateLimiter) remember(counterKey string, windowID, count int64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[counterKey] = cachedCount{count: count, fetched: now, windowID: windowID}
}

func (l *RateLimiter) janitor() {
	defer l.wg.Done()
	ticker := time.NewTicker(10 * l.cacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-l.cacheTTL)
			l.mu.Lock()
			for key, entry := range l.cache {
				if entry.fetched.Before(cutoff) {
					delete(l.cache, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
