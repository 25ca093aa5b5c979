// Package main is the entry point for the circuit breaker daemon. It loads
// configuration, builds one breaker per configured downstream, serves the
// admin/health/metrics endpoints, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/breaker-core/internal/admin"
	"github.com/dskow/breaker-core/internal/breaker"
	"github.com/dskow/breaker-core/internal/config"
	"github.com/dskow/breaker-core/internal/health"
	"github.com/dskow/breaker-core/internal/logging"
	"github.com/dskow/breaker-core/internal/metrics"
	"github.com/dskow/breaker-core/internal/middleware"
	"github.com/dskow/breaker-core/internal/registry"
	"github.com/dskow/breaker-core/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/breakerd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logWriter, err := logging.Open(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log output: %v\n", err)
		os.Exit(1)
	}
	defer logWriter.Close()

	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"breakers", len(cfg.Breakers),
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
	)

	metrics.Init()

	// Build the breaker registry from configuration.
	reg := registry.New(logger)
	syncBreakers(reg, cfg, logger)
	defer reg.StopAll()

	// Config hot-reload: new breaker entries are created, removed entries
	// are evicted. Option changes to existing breakers require a restart
	// (breaker configuration is immutable after construction).
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		syncBreakers(reg, newCfg, logger)
	})
	reloader.Start()
	defer reloader.Stop()

	mux := http.NewServeMux()

	healthHandler := health.New(reg, logger)
	healthHandler.RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reg, reloader, cfg.Admin, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin API registered",
			"auth_enabled", cfg.Admin.Auth.Enabled,
			"allowlist", len(cfg.Admin.IPAllowlist),
		)
	}

	// Assemble middleware stack: Recovery → RequestID → AccessLog → mux
	var handler http.Handler = mux
	handler = middleware.AccessLog(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		tlsCfg, loader, err := tlsutil.ServerConfig(cfg.Server.TLS, logger)
		if err != nil {
			logger.Error("failed to configure TLS", "error", err)
			os.Exit(1)
		}
		certLoader = loader
		srv.TLSConfig = tlsCfg
		defer certLoader.Stop()
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting breakerd", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("breakerd stopped gracefully")
}

// syncBreakers reconciles the registry with the configured breaker set:
// unseen names get a new breaker, names no longer configured are evicted.
func syncBreakers(reg *registry.Registry, cfg *config.Config, logger *slog.Logger) {
	configured := make(map[string]bool, len(cfg.Breakers))
	for _, bc := range cfg.Breakers {
		configured[bc.Name] = true
		reg.GetBreaker(bc.Name, breakerOptions(bc, logger))
	}
	for _, name := range reg.Names() {
		if !configured[name] {
			reg.RemoveBreaker(name)
		}
	}
}

func breakerOptions(bc config.BreakerConfig, logger *slog.Logger) breaker.Options {
	opts := breaker.Options{
		Timeout:                  bc.Timeout(),
		Threshold:                bc.Threshold,
		ResetTimeout:             bc.ResetTimeout(),
		RollingWindow:            bc.RollingWindow(),
		BucketInterval:           bc.BucketInterval(),
		VolumeThreshold:          bc.VolumeThreshold,
		ErrorThresholdPercentage: bc.ErrorThresholdPercentage,
		Listeners:                []breaker.Listener{failureListener(logger)},
		Logger:                   logger,
	}
	if bc.HealthCheckURL != "" {
		opts.HealthCheck = httpHealthCheck(bc.HealthCheckURL)
	}
	return opts
}

// failureListener surfaces individual call failures at debug level;
// state transitions are already logged by the breaker itself.
func failureListener(logger *slog.Logger) breaker.Listener {
	return func(ev breaker.Event) {
		if ev.Type == breaker.EventFailure {
			logger.Debug("breaker call failed",
				"breaker", ev.Breaker,
				"error", ev.Err,
				"duration_ms", ev.Duration.Milliseconds(),
			)
		}
	}
}

// httpHealthCheck probes url with a GET; any transport error or status
// >= 400 counts as unhealthy. The probe context carries the deadline.
func httpHealthCheck(url string) breaker.HealthCheck {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return nil
	}
}
