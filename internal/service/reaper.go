package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Reaper defaults.
const (
	DefaultReaperInterval  = time.Hour
	DefaultReaperBatchSize = 500

	// DefaultRevokedRetention keeps revoked token rows around long enough for
	// replay detection and incident review before they are swept.
	DefaultRevokedRetention = 7 * 24 * time.Hour
)

// ReaperOptions groups dependencies for the Reaper.
type ReaperOptions struct {
	Tokens ports.RefreshTokenStore
	Logger *slog.Logger
	Clock  func() time.Time

	Interval         time.Duration
	BatchSize        int
	RevokedRetention time.Duration
}

// Reaper periodically deletes expired and long-revoked refresh tokens in
// batches. Sweeps are idempotent and safe under multiple concurrent
// instances; startup jitter keeps a fleet from sweeping in lockstep.
type Reaper struct {
	tokens ports.RefreshTokenStore
	logger *slog.Logger
	now    func() time.Time

	interval  time.Duration
	batchSize int
	retention time.Duration
}

// NewReaper validates options and applies defaults.
func NewReaper(opts ReaperOptions) (*Reaper, error) {
	if opts.Tokens == nil {
		return nil, errors.New("refresh token store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultReaperInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultReaperBatchSize
	}
	if opts.RevokedRetention <= 0 {
		opts.RevokedRetention = DefaultRevokedRetention
	}

	return &Reaper{
		tokens:    opts.Tokens,
		logger:    opts.Logger.With("component", "reaper"),
		now:       opts.Clock,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		retention: opts.RevokedRetention,
	}, nil
}

// Run starts the sweep loop and blocks until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting token reaper", "interval", r.interval)

	// Jitter so multiple instances started together do not sweep in unison.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.Sweep(ctx); err != nil {
		r.logSweepError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "token reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logSweepError(ctx, err)
			}
		}
	}
}

// Sweep deletes eligible rows in batches until a batch comes back short.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.retention)
	var total int64
	for {
		count, err := r.tokens.DeleteExpired(ctx, cutoff, r.batchSize)
		if err != nil {
			return fmt.Errorf("delete expired tokens: %w", err)
		}
		total += count
		if count < int64(r.batchSize) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "swept refresh tokens",
			"count", total, "cutoff", cutoff)
	}
	return nil
}

// waitWithJitter delays up to 10% of the interval.
func (r *Reaper) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (r *Reaper) logSweepError(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.DebugContext(ctx, "sweep cancelled", "error", err)
		return
	}
	r.logger.ErrorContext(ctx, "sweep failed", "error", err)
}
