// Package main is the entry point for the mailhub server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hmontel/mailhub-lite/internal/config"
	"github.com/hmontel/mailhub-lite/internal/registry"
	"github.com/hmontel/mailhub-lite/internal/relay"
	"github.com/hmontel/mailhub-lite/internal/relay/ses"
	"github.com/hmontel/mailhub-lite/internal/relay/stdout"
	"github.com/hmontel/mailhub-lite/internal/server"
	"github.com/hmontel/mailhub-lite/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Open the flat-file store and hydrate users and mailboxes from it
	st, err := store.New(cfg.Server.DataDir)
	if err != nil {
		slog.Error("failed to open data directory", "dir", cfg.Server.DataDir, "error", err)
		os.Exit(1)
	}

	reg := registry.New(st)
	if err := reg.Load(); err != nil {
		slog.Error("failed to load persisted state", "error", err)
		os.Exit(1)
	}

	// Select outbound relay backend, if any
	rel := selectRelay(cfg)

	srv := server.New(server.ServerConfig{
		ListenAddr:  cfg.Server.Listen,
		Registry:    reg,
		Relay:       rel,
		Workers:     cfg.Server.Workers,
		IdleTimeout: cfg.IdleTimeout(),
	})

	relayName := "none"
	if rel != nil {
		relayName = rel.Name()
	}
	slog.Info("starting mailhub",
		"listen", cfg.Server.Listen,
		"data_dir", cfg.Server.DataDir,
		"workers", cfg.Server.Workers,
		"relay", relayName,
		"users", reg.UserCount(),
	)

	if cfg.MetricsEnabled() {
		startMetricsListener(cfg.Metrics.Listen)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailhub stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectRelay chooses the outbound forwarding backend based on configuration.
// A nil return disables relaying entirely.
func selectRelay(cfg *config.Config) relay.Provider {
	switch cfg.Relay.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES relay selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		slog.Info("using AWS SES relay",
			"region", cfg.Relay.SES.Region,
			"sender", cfg.Relay.SES.Sender,
		)
		p, err := ses.New(context.Background(), ses.Config{
			Region:          cfg.Relay.SES.Region,
			AccessKeyID:     cfg.Relay.SES.AccessKeyID,
			SecretAccessKey: cfg.Relay.SES.SecretAccessKey,
			Sender:          cfg.Relay.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create SES relay", "error", err)
			os.Exit(1)
		}
		return p

	case "stdout":
		slog.Info("using stdout relay")
		return stdout.New()

	case "":
		return nil

	default:
		slog.Error("unknown relay provider", "provider", cfg.Relay.Provider)
		os.Exit(1)
		return nil
	}
}

// startMetricsListener serves the Prometheus scrape endpoint on its own
// listener. Failures here do not take down the mail server.
func startMetricsListener(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	slog.Info("starting metrics listener", "listen", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics listener stopped", "error", err)
		}
	}()
}
