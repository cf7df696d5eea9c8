package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/casetrail/tcm-ui-api/config"
)

// ServiceOrchestrationConfig groups dependencies for running enabled services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if enabled[config.ServiceModeHTTP] {
		server := StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
		g.Go(func() error {
			<-gctx.Done()
			// Shutdown runs on a fresh context: gctx is already done.
			return ShutdownHTTPServer(ShutdownConfig{
				Context: context.Background(),
				Server:  server,
				Timeout: cfg.Config.HTTP.ShutdownTimeout,
				Logger:  logger,
			})
		})
	}

	if enabled[config.ServiceModeReaper] {
		g.Go(func() error {
			return cfg.Services.Reaper.Run(gctx)
		})
	}

	runErr := g.Wait()
	cfg.Services.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	logger.Info("services stopped")
	return nil
}
