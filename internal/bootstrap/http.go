package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/casetrail/tcm-ui-api/config"
	httpx "github.com/casetrail/tcm-ui-api/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	// The router installs its own logging and panic-recovery middleware.
	handler := httpx.NewRouter(httpx.RouterServices{
		Login:          cfg.Services.Login,
		Sessions:       cfg.Services.Sessions,
		Refresh:        cfg.Services.Refresh,
		TwoFactor:      cfg.Services.TwoFactor,
		Lockout:        cfg.Services.Lockout,
		RBAC:           cfg.Services.RBAC,
		Limiter:        cfg.Services.Limiter,
		Identities:     cfg.Services.Identities,
		SSOProvider:    cfg.Services.SSOProvider,
		Audit:          cfg.Services.AuditLog,
		TrustedProxies: appCfg.HTTP.TrustedProxies,
		CookieDomain:   appCfg.HTTP.CookieDomain,
		Logger:         logger,
		APIRateLimit: httpx.RateLimitPolicy{
			Name:   "api",
			Limit:  appCfg.Auth.APIRateLimit,
			Window: appCfg.Auth.APIRateWindow,
		},
		LoginRateLimit: httpx.RateLimitPolicy{
			Name:   "login",
			Limit:  appCfg.Auth.LoginRateLimit,
			Window: appCfg.Auth.LoginRateWindow,
		},
	})

	return startServer(logger, handler, appCfg.HTTP.Addr)
}

func startServer(logger *slog.Logger, handler http.Handler, addr string) *http.Server {
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Timeout time.Duration
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(cfg.Context, timeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
