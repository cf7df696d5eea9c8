package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casetrail/tcm-ui-api/internal/adapters/audit"
	redisadapters "github.com/casetrail/tcm-ui-api/internal/adapters/redis"
	"github.com/casetrail/tcm-ui-api/internal/bootstrap"
	"github.com/casetrail/tcm-ui-api/internal/data"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

const defaultCommandTimeout = 2 * time.Minute

func runMigrate(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runUnlockIdentity(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("unlock-identity", flag.ContinueOnError)
	id := fs.String("id", "", "identity ID")
	email := fs.String("email", "", "identity email (alternative to -id)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	identityRepo := data.NewIdentityRepo(db)
	identity, err := resolveIdentity(ctx, identityRepo, *id, *email)
	if err != nil {
		return err
	}

	lockout, err := service.NewAccountLockoutService(service.LockoutOptions{
		Identities:      identityRepo,
		Counters:        redisadapters.NewCounterStore(redisClient, ""),
		Audit:           auditSink(cmdCtx, db),
		Logger:          cmdCtx.Logger,
		MaxAttempts:     cmdCtx.Config.Auth.LockoutMaxAttempts,
		LockoutDuration: cmdCtx.Config.Auth.LockoutDuration,
		AttemptWindow:   cmdCtx.Config.Auth.LockoutAttemptWindow,
	})
	if err != nil {
		return fmt.Errorf("build lockout service: %w", err)
	}

	if err := lockout.Unlock(ctx, identity.ID); err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}

	cmdCtx.Logger.InfoContext(ctx, "identity unlocked", "identity_id", identity.ID, "email", identity.Email)
	return nil
}

func runListSessions(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-sessions", flag.ContinueOnError)
	id := fs.String("id", "", "identity ID")
	email := fs.String("email", "", "identity email (alternative to -id)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	identity, err := resolveIdentity(ctx, data.NewIdentityRepo(db), *id, *email)
	if err != nil {
		return err
	}

	sessions, err := buildSessionManager(cmdCtx, db, redisClient)
	if err != nil {
		return err
	}

	active, err := sessions.List(ctx, identity.ID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(active) == 0 {
		return writef(os.Stdout, "no active sessions for %s\n", identity.Email)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(tw, "SESSION ID\tCREATED\tLAST ACTIVE\tEXPIRES\tIP\tBROWSER\n"); err != nil {
		return err
	}
	for _, s := range active {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.CreatedAt.Format(time.RFC3339),
			s.LastActiveAt.Format(time.RFC3339),
			s.ExpiresAt.Format(time.RFC3339),
			s.Device.IPAddress,
			s.Device.Browser,
		); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func runRevokeSessions(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("revoke-sessions", flag.ContinueOnError)
	id := fs.String("id", "", "identity ID")
	email := fs.String("email", "", "identity email (alternative to -id)")
	yes := fs.Bool("yes", false, "confirm revocation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return errors.New("revoking all sessions signs the user out everywhere; re-run with -yes to confirm")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	identity, err := resolveIdentity(ctx, data.NewIdentityRepo(db), *id, *email)
	if err != nil {
		return err
	}

	sessions, err := buildSessionManager(cmdCtx, db, redisClient)
	if err != nil {
		return err
	}

	count, err := sessions.InvalidateAll(ctx, identity.ID, "")
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	cmdCtx.Logger.InfoContext(ctx, "sessions revoked",
		"identity_id", identity.ID, "email", identity.Email, "count", count)
	return nil
}

func runResetRateLimit(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("reset-rate-limit", flag.ContinueOnError)
	key := fs.String("key", "", `rate limit key, e.g. "ratelimit:login:203.0.113.9"`)
	window := fs.Duration("window", time.Minute, "window the key was limited over")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, redisClient)

	limiter, err := service.NewRateLimiter(service.RateLimiterOptions{
		Store:  redisadapters.NewCounterStore(redisClient, ""),
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}
	defer limiter.Close()

	if err := limiter.Reset(ctx, *key, *window); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}

	cmdCtx.Logger.InfoContext(ctx, "rate limit reset", "key", *key, "window", *window)
	return nil
}

func runListAudit(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-audit", flag.ContinueOnError)
	actor := fs.String("actor", "", "filter by actor identity ID")
	action := fs.String("action", "", "filter by audit action")
	limit := fs.Int("limit", 50, "maximum events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	events, err := data.NewAuditRepo(db).ListRecent(ctx, data.ListFilter{
		ActorID: *actor,
		Action:  domainauth.AuditAction(*action),
		Limit:   *limit,
	})
	if err != nil {
		return fmt.Errorf("list audit events: %w", err)
	}

	if len(events) == 0 {
		return writef(os.Stdout, "no audit events matched\n")
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(tw, "AT\tACTION\tOUTCOME\tACTOR\tIP\n"); err != nil {
		return err
	}
	for _, e := range events {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Format(time.RFC3339), e.Action, e.Outcome, e.ActorID, e.IPAddress); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func runSweepTokens(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("sweep-tokens", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	reaper, err := service.NewReaper(service.ReaperOptions{
		Tokens:           data.NewRefreshTokenRepo(db),
		Logger:           cmdCtx.Logger,
		BatchSize:        cmdCtx.Config.Reaper.BatchSize,
		RevokedRetention: cmdCtx.Config.Reaper.RevokedRetention,
	})
	if err != nil {
		return fmt.Errorf("build reaper: %w", err)
	}

	if err := reaper.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep tokens: %w", err)
	}
	return nil
}

// resolveIdentity looks up an identity by ID or email, requiring exactly one.
func resolveIdentity(
	ctx context.Context,
	repo *data.IdentityRepo,
	id, email string,
) (domainauth.Identity, error) {
	switch {
	case id != "" && email != "":
		return domainauth.Identity{}, errors.New("pass either -id or -email, not both")
	case id != "":
		identity, err := repo.GetByID(ctx, id)
		if err != nil {
			return domainauth.Identity{}, fmt.Errorf("look up identity %q: %w", id, err)
		}
		return identity, nil
	case email != "":
		identity, err := repo.GetByEmail(ctx, email)
		if err != nil {
			return domainauth.Identity{}, fmt.Errorf("look up identity %q: %w", email, err)
		}
		return identity, nil
	default:
		return domainauth.Identity{}, errors.New("either -id or -email is required")
	}
}

func buildSessionManager(
	cmdCtx *commandContext,
	db *sql.DB,
	redisClient redis.UniversalClient,
) (*service.SessionManager, error) {
	sessions, err := service.NewSessionManager(service.SessionManagerOptions{
		Store:         redisadapters.NewSessionStore(redisClient),
		Audit:         auditSink(cmdCtx, db),
		Logger:        cmdCtx.Logger,
		TTL:           cmdCtx.Config.Auth.SessionTTL,
		ActivityLimit: cmdCtx.Config.Auth.SessionActivityLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}
	return sessions, nil
}

// auditSink records operator actions to both the log and the audit table.
func auditSink(cmdCtx *commandContext, db *sql.DB) *audit.Fanout {
	return audit.NewFanout(
		audit.NewSlogSink(cmdCtx.Logger),
		audit.NewStoreSink(data.NewAuditRepo(db), cmdCtx.Logger),
	)
}
