// Command lookoutd is the lookout daemon. It loads a YAML configuration
// file, opens the store, scans persistence items on a schedule and whenever
// their sources change, sweeps expired containments, serves the REST API,
// event stream and Prometheus metrics, and shuts down gracefully on SIGTERM
// or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/lookout/internal/app"
	"github.com/tripwire/lookout/internal/config"
	"github.com/tripwire/lookout/internal/server/rest"
	"github.com/tripwire/lookout/internal/server/stream"
)

const defaultConfigPath = "/etc/lookout/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the lookout YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookoutd: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stderr, cfg.LogLevel, true)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("api_addr", cfg.API.Addr),
		slog.Duration("scan_interval", cfg.Scan.Interval),
		slog.Bool("watch", cfg.Watch.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger, app.WithWatcher())
	if err != nil {
		logger.Error("failed to build engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close error", slog.Any("error", err))
		}
	}()

	if err := a.Agent.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	// ── REST API server ───────────────────────────────────────────────────────
	var httpServer *http.Server
	httpErrCh := make(chan error, 1)
	if cfg.API.Addr != "-" {
		jwtCfg, err := jwtConfig(cfg.API, logger)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		srv := rest.NewServer(a.Agent, a.Monitor, a.Controller,
			rest.WithAuditLog(cfg.AuditLog),
			rest.WithMetricsHandler(a.Metrics.Handler()),
			rest.WithEventStream(stream.NewHandler(a.Events, logger, 0)),
			rest.WithLogger(logger),
		)
		httpServer = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           rest.NewRouter(srv, jwtCfg),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// POST /api/v1/scans answers when the scan finishes.
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("HTTP REST server listening", slog.String("addr", cfg.API.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			}
			close(httpErrCh)
		}()
	} else {
		logger.Info("REST API disabled")
	}

	// ── Wait for shutdown signal or fatal error ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Stop the HTTP server first so no request races the store closing.
	// Stream clients are hijacked connections Shutdown does not track.
	a.Events.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", slog.Any("error", err))
		}
	}
	cancel()
	a.Agent.Stop()

	logger.Info("lookoutd exited cleanly")
}

// loadConfig reads path. A missing file at the default location selects the
// built-in defaults; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil && path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func jwtConfig(api config.APIConfig, logger *slog.Logger) (rest.JWTConfig, error) {
	jc := rest.JWTConfig{Issuer: api.JWTIssuer, Audience: api.JWTAudience, Logger: logger}
	if api.JWTPublicKey == "" {
		logger.Warn("jwt_public_key not configured; REST API authentication disabled")
		return jc, nil
	}
	pem, err := os.ReadFile(api.JWTPublicKey)
	if err != nil {
		return jc, err
	}
	var key *rsa.PublicKey
	if key, err = rest.ParseRSAPublicKey(pem); err != nil {
		return jc, err
	}
	jc.PublicKey = key
	logger.Info("JWT validation enabled")
	return jc, nil
}
