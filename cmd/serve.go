package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/openfab/printhost/internal/api"
	"github.com/openfab/printhost/internal/api/middleware"
	"github.com/openfab/printhost/internal/archive"
	"github.com/openfab/printhost/internal/config"
	"github.com/openfab/printhost/internal/core"
	"github.com/openfab/printhost/internal/db"
	"github.com/openfab/printhost/internal/metrics"
	"github.com/openfab/printhost/internal/serialport"
	"github.com/openfab/printhost/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the print host server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(promReg)

	hub := api.NewHub(logger)
	sinks := []core.EventSink{db.NewRecorder(logger), hub}

	var sender *webhook.Sender
	if len(cfg.Webhooks) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks))
		for _, w := range cfg.Webhooks {
			endpoints = append(endpoints, webhook.Endpoint{
				URL:    w.URL,
				Secret: w.Secret,
				Events: w.Events,
			})
		}
		sender = webhook.NewSender(endpoints, webhook.SenderConfig{}, logger)
		sender.Start()
		sinks = append(sinks, sender)
	}

	registry := core.NewRegistry(serialport.Opener{}, serialport.Enumerator{}, core.RegistryOptions{
		DefaultBaudRate:    cfg.Serial.DefaultBaudRate,
		BootDelay:          cfg.Serial.BootDelay,
		HandshakeTimeout:   cfg.Serial.HandshakeTimeout,
		CommandTimeout:     cfg.Serial.CommandTimeout,
		TempReportInterval: cfg.Serial.TempReportInterval,
		Logger:             logger,
		Sink:               core.CombineSinks(sinks...),
		Metrics:            met,
	})
	if cfg.Serial.PortScanInterval > 0 {
		registry.StartPortWatcher(cfg.Serial.PortScanInterval)
	}

	authMW, err := middleware.NewAuthMiddleware(middleware.AuthOptions{
		JWTSecret:       cfg.Auth.JWTSecret,
		InitialPassword: cfg.Auth.InitialPassword,
		TokenTTL:        cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	archiver, err := archive.NewArchiver(archive.Config{
		ArchivePath: cfg.Database.ArchivePath,
		ArchiveDays: cfg.Database.ArchiveDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize archiver: %w", err)
	}
	archiver.Start()

	srv := api.NewServer(cfg.Server, api.ServerOptions{
		Registry: registry,
		Auth:     authMW,
		Hub:      hub,
		Archiver: archiver,
		Gatherer: promReg,
		Version:  version,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	registry.Shutdown()
	archiver.Stop()
	if sender != nil {
		sender.Stop()
	}
	hub.Close()
	logger.Info("shutdown complete")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv(), nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
