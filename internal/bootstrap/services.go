package bootstrap

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/casetrail/tcm-ui-api/config"
	"github.com/casetrail/tcm-ui-api/internal/adapters/audit"
	"github.com/casetrail/tcm-ui-api/internal/adapters/authroles"
	"github.com/casetrail/tcm-ui-api/internal/adapters/mail"
	"github.com/casetrail/tcm-ui-api/internal/adapters/oidc"
	"github.com/casetrail/tcm-ui-api/internal/adapters/password"
	redisadapters "github.com/casetrail/tcm-ui-api/internal/adapters/redis"
	"github.com/casetrail/tcm-ui-api/internal/adapters/token"
	"github.com/casetrail/tcm-ui-api/internal/data"
	"github.com/casetrail/tcm-ui-api/internal/ports"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Login     *service.LoginService
	Sessions  *service.SessionManager
	Refresh   *service.RefreshTokenService
	TwoFactor *service.TwoFactorService
	Lockout   *service.AccountLockoutService
	RBAC      *service.RBACService
	Limiter   *service.RateLimiter
	Reaper    *service.Reaper

	Identities ports.IdentityStore
	AuditLog   *data.AuditRepo

	// SSOProvider is nil when no discovery URL is configured.
	SSOProvider ports.AuthProvider

	webhookSink *audit.WebhookSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// BuildServices constructs repositories, adapters, and services from the
// loaded configuration.
func BuildServices(deps ServiceDeps) (ServiceContainer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.AppConfig{}
	}

	identityRepo := data.NewIdentityRepo(deps.DB)
	tokenRepo := data.NewRefreshTokenRepo(deps.DB)
	twoFactorRepo := data.NewTwoFactorRepo(deps.DB)
	aclRepo := data.NewResourceACLRepo(deps.DB)
	auditRepo := data.NewAuditRepo(deps.DB)

	sessionStore := redisadapters.NewSessionStore(deps.RedisClient)
	counterStore := redisadapters.NewCounterStore(deps.RedisClient, "")

	hasher := password.NewBcryptHasher(cfg.Auth.BcryptCost)

	signer, err := token.NewJWTSigner([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build token signer: %w", err)
	}

	auditSink, webhookSink, err := buildAuditSink(auditRepo, cfg.Audit, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	lockout, err := service.NewAccountLockoutService(service.LockoutOptions{
		Identities:      identityRepo,
		Counters:        counterStore,
		Audit:           auditSink,
		Logger:          logger,
		MaxAttempts:     cfg.Auth.LockoutMaxAttempts,
		LockoutDuration: cfg.Auth.LockoutDuration,
		AttemptWindow:   cfg.Auth.LockoutAttemptWindow,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build lockout service: %w", err)
	}

	sessions, err := service.NewSessionManager(service.SessionManagerOptions{
		Store:         sessionStore,
		Audit:         auditSink,
		Logger:        logger,
		TTL:           cfg.Auth.SessionTTL,
		ActivityLimit: cfg.Auth.SessionActivityLimit,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build session manager: %w", err)
	}

	refresh, err := service.NewRefreshTokenService(service.RefreshTokenServiceOptions{
		Tokens:     tokenRepo,
		Sessions:   sessionStore,
		Signer:     signer,
		Audit:      auditSink,
		Logger:     logger,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build refresh token service: %w", err)
	}

	twoFactor, err := service.NewTwoFactorService(service.TwoFactorOptions{
		Store:           twoFactorRepo,
		Identities:      identityRepo,
		Sessions:        sessionStore,
		Counters:        counterStore,
		Hasher:          hasher,
		Audit:           auditSink,
		Logger:          logger,
		ReverifyEvery:   cfg.Auth.TwoFactorReverifyEvery,
		BackupCodeCount: cfg.Auth.BackupCodeCount,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build two-factor service: %w", err)
	}

	rbac, err := service.NewRBACService(service.RBACOptions{
		ACL:    aclRepo,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build rbac service: %w", err)
	}

	limiter, err := service.NewRateLimiter(service.RateLimiterOptions{
		Store:  counterStore,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build rate limiter: %w", err)
	}

	mailer := mail.LogMailer{
		Logger:  logger,
		BaseURL: cfg.HTTP.BaseURL,
	}

	login, err := service.NewLoginService(service.LoginOptions{
		Identities: identityRepo,
		Hasher:     hasher,
		Lockout:    lockout,
		Sessions:   sessions,
		Refresh:    refresh,
		TwoFactor:  twoFactor,
		Counters:   counterStore,
		Mailer:     mailer,
		Audit:      auditSink,
		Logger:     logger,
		Roles: authroles.StaticRoleMapper{
			GroupRoles: cfg.Auth.RoleGroups.GroupRoles(),
		},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build login service: %w", err)
	}

	reaper, err := service.NewReaper(service.ReaperOptions{
		Tokens:           tokenRepo,
		Logger:           logger,
		Interval:         cfg.Reaper.Interval,
		BatchSize:        cfg.Reaper.BatchSize,
		RevokedRetention: cfg.Reaper.RevokedRetention,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build reaper: %w", err)
	}

	var provider ports.AuthProvider
	if cfg.Auth.SSO.Enabled() {
		p, providerErr := oidc.NewProvider(oidc.ProviderConfig{
			ClientID:     cfg.Auth.SSO.ClientID,
			ClientSecret: cfg.Auth.SSO.ClientSecret,
			RedirectURL:  cfg.Auth.SSO.RedirectURL,
			Scope:        cfg.Auth.SSO.Scope,
			DiscoveryURL: cfg.Auth.SSO.DiscoveryURL,
			LogoutURL:    cfg.Auth.SSO.LogoutURL,
		})
		if providerErr != nil {
			return ServiceContainer{}, fmt.Errorf("build sso provider: %w", providerErr)
		}
		provider = p
		logger.Info("sso enabled", "discovery_url", cfg.Auth.SSO.DiscoveryURL)
	}

	return ServiceContainer{
		Login:       login,
		Sessions:    sessions,
		Refresh:     refresh,
		TwoFactor:   twoFactor,
		Lockout:     lockout,
		RBAC:        rbac,
		Limiter:     limiter,
		Reaper:      reaper,
		Identities:  identityRepo,
		AuditLog:    auditRepo,
		SSOProvider: provider,
		webhookSink: webhookSink,
	}, nil
}

// buildAuditSink fans events out to the log, the database, and, when
// configured, an external webhook.
func buildAuditSink(
	repo *data.AuditRepo,
	cfg config.AuditConfig,
	logger *slog.Logger,
) (ports.AuditSink, *audit.WebhookSink, error) {
	sinks := []ports.AuditSink{
		audit.NewSlogSink(logger),
		audit.NewStoreSink(repo, logger),
	}

	var webhook *audit.WebhookSink
	if cfg.WebhookURL != "" {
		sink, err := audit.NewWebhookSink(audit.WebhookSinkOptions{
			URL:      cfg.WebhookURL,
			BodyExpr: cfg.WebhookBodyExpression,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build audit webhook sink: %w", err)
		}
		webhook = sink
		sinks = append(sinks, sink)
		logger.Info("audit webhook sink enabled", "url", cfg.WebhookURL)
	}

	return audit.NewFanout(sinks...), webhook, nil
}

// Close releases background resources held by the container. Safe on a zero
// container.
func (c *ServiceContainer) Close() {
	if c.Limiter != nil {
		c.Limiter.Close()
	}
	if c.webhookSink != nil {
		c.webhookSink.Close()
	}
}
