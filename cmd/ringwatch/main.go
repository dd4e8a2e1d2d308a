package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/ringwatch/internal/api"
	"github.com/flowpbx/ringwatch/internal/config"
	"github.com/flowpbx/ringwatch/internal/database"
	"github.com/flowpbx/ringwatch/internal/database/models"
	"github.com/flowpbx/ringwatch/internal/media"
	"github.com/flowpbx/ringwatch/internal/metrics"
	"github.com/flowpbx/ringwatch/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ringwatch",
		"http_port", cfg.HTTPPort,
		"listen_port_min", cfg.ListenPortMin,
		"listen_port_max", cfg.ListenPortMax,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	verdicts := database.NewVerdictRepository(db)
	users := database.NewOperatorUserRepository(db)

	if err := bootstrapOperator(context.Background(), users); err != nil {
		slog.Error("failed to bootstrap operator user", "error", err)
		os.Exit(1)
	}

	// Webhook notifier for verdict callbacks, if configured.
	var notifier media.Notifier
	webhook := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, logger)
	if webhook.Configured() {
		notifier = webhook
		slog.Info("verdict webhook enabled", "url", cfg.WebhookURL)
	}

	// Detection session manager.
	mgr, err := media.NewManager(media.ManagerConfig{
		PortMin:  cfg.ListenPortMin,
		PortMax:  cfg.ListenPortMax,
		Detector: cfg.DetectorConfig(),
	}, &verdictStoreAdapter{verdicts: verdicts}, notifier, logger)
	if err != nil {
		slog.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}

	// Prometheus metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(mgr, verdicts, time.Now()))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// HTTP server using the api package.
	handler := api.NewServer(mgr, verdicts, users, jwtSecret, metricsHandler, cfg.HangupOnBusy)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	mgr.StopAll()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("ringwatch stopped")
}

// bootstrapOperator creates the initial operator account on first boot and
// logs the generated password once. The password should be rotated after
// the first login.
func bootstrapOperator(ctx context.Context, users database.OperatorUserRepository) error {
	count, err := users.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating password: %w", err)
	}
	password := hex.EncodeToString(raw)

	hash, err := database.HashPassword(password)
	if err != nil {
		return err
	}

	user := &models.OperatorUser{Username: "admin", PasswordHash: hash}
	if err := users.Create(ctx, user); err != nil {
		return err
	}

	slog.Warn("initial operator user created",
		"username", user.Username,
		"password", password,
	)
	return nil
}

// verdictStoreAdapter bridges the media manager with the verdict repository,
// converting between session records and database models.
type verdictStoreAdapter struct {
	verdicts database.VerdictRepository
}

func (a *verdictStoreAdapter) SaveVerdict(ctx context.Context, rec media.VerdictRecord) error {
	return a.verdicts.Create(ctx, &models.Verdict{
		SessionID:    rec.SessionID,
		CallID:       rec.CallID,
		Tone:         rec.Tone,
		FinishCause:  rec.FinishCause,
		ToneMs:       rec.ToneMs,
		SilenceMs:    rec.SilenceMs,
		ElapsedMs:    rec.ElapsedMs,
		HangupOnBusy: rec.HangupOnBusy,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	})
}
