package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browser-router/internal/api"
	"github.com/shehryarbajwa/browser-router/internal/browser"
	"github.com/shehryarbajwa/browser-router/internal/config"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/metrics"
	"github.com/shehryarbajwa/browser-router/internal/proxy"
	"github.com/shehryarbajwa/browser-router/internal/ratelimit"
	"github.com/shehryarbajwa/browser-router/internal/region"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front-end and regional routers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, envFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogOptions())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger logr.Logger) error {
	setupLog := logger.WithName("setup")
	setupLog.Info("Starting browser router", "version", version, "listen", cfg.Listen)

	metrics.Register(prometheus.DefaultRegisterer)

	pool, err := browser.NewPool(cfg.PoolOptions())
	if err != nil {
		return err
	}
	defer pool.Close()

	removeOrphans(ctx, pool, setupLog)

	regions, err := region.NewManager(pool, cfg.RegionList(), region.Region(cfg.DefaultRegion), cfg.RouterOptions(), logger)
	if err != nil {
		return err
	}

	imageCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	setupLog.Info("Ensuring container image is available", "image", cfg.Container.Image)
	err = regions.EnsureImages(imageCtx)
	cancel()
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerHour > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	}

	handler := api.NewHandler(regions, logger)
	routes := handler.SetupRoutes(api.RouteOptions{
		Proxy:           proxy.NewServer(regions, cfg.Container.HandshakeTimeout, logger),
		RateLimiter:     limiter,
		RequestsPerHour: cfg.RateLimit.RequestsPerHour,
	})

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     routes,
		ReadTimeout: 15 * time.Second,
		// No write timeout: proxied sessions are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go regions.RunReapers(bgCtx, cfg.Routing.ReapInterval)
	if limiter != nil {
		go pruneLimiter(bgCtx, limiter)
	}

	serveErr := make(chan error, 1)
	go func() {
		setupLog.Info("Serving", "listen", cfg.Listen, "regions", cfg.Regions, "policy", cfg.Routing.Policy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	setupLog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	bgCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "Server forced to shut down")
	}
	if err := regions.Close(shutdownCtx); err != nil {
		setupLog.Error(err, "Failed to stop every container")
		return err
	}
	setupLog.Info("Stopped cleanly")
	return nil
}

// removeOrphans stops containers left behind by an earlier run.
func removeOrphans(ctx context.Context, pool *browser.Pool, logger logr.Logger) {
	ids, err := pool.Orphans(ctx)
	if err != nil {
		logger.Error(err, "Failed to list leftover containers")
		return
	}
	for _, id := range ids {
		if err := pool.Stop(ctx, id); err != nil {
			logger.Error(err, "Failed to remove leftover container", "containerId", id)
			continue
		}
		logger.Info("Removed leftover container", "containerId", id)
	}
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(2 * time.Hour)
		}
	}
}
