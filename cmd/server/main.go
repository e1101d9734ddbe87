// Package main is the entry point for the PGP signing service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kjanat/gpg-signing-service/internal/audit"
	"github.com/kjanat/gpg-signing-service/internal/auth"
	"github.com/kjanat/gpg-signing-service/internal/config"
	"github.com/kjanat/gpg-signing-service/internal/fetch"
	"github.com/kjanat/gpg-signing-service/internal/keycache"
	"github.com/kjanat/gpg-signing-service/internal/keystore"
	"github.com/kjanat/gpg-signing-service/internal/pgp"
	"github.com/kjanat/gpg-signing-service/internal/ratelimit"
	"github.com/kjanat/gpg-signing-service/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use a basic logger for startup errors
		basicLogger, _ := zap.NewProduction()
		basicLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		basicLogger, _ := zap.NewProduction()
		basicLogger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("configuration loaded",
		zap.Int("server_port", cfg.ServerPort),
		zap.String("log_level", cfg.LogLevel),
		zap.Strings("allowed_issuers", cfg.AllowedIssuers),
		zap.String("default_key_id", cfg.DefaultKeyID),
		zap.Duration("rate_limit_window", cfg.RateLimitWindow),
		zap.Int("rate_limit_capacity", cfg.RateLimitCapacity),
		zap.Bool("metrics_enabled", cfg.MetricsEnabled),
	)

	// Open durable stores
	keys, err := keystore.OpenFileStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open key store", zap.Error(err))
		return 1
	}

	auditStore, err := audit.OpenSQLite(cfg.AuditDBPath)
	if err != nil {
		logger.Error("failed to open audit database", zap.Error(err))
		return 1
	}
	defer func() {
		_ = auditStore.Close()
	}()

	// Assemble the signing pipeline
	fetcher := fetch.New(cfg.FetchTimeout)
	verifier := auth.NewOIDCVerifier(cfg.AllowedIssuers, cfg.OIDCAudience, fetcher, cfg.JWKSCacheTTL)
	limiter := ratelimit.NewFixedWindow(cfg.RateLimitWindow, cfg.RateLimitCapacity)
	signer := pgp.NewSigner(keycache.New(cfg.KeyCacheTTL), cfg.KeyPassphrase)

	srv := server.New(cfg, logger, server.Deps{
		Verifier:    verifier,
		Limiter:     limiter,
		Keys:        keys,
		Signer:      signer,
		AuditWriter: auditStore,
		AuditReader: auditStore,
		AuditPinger: auditStore,
	})

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
		return 1
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			return 1
		}
	}

	logger.Info("server stopped")
	return 0
}

// initLogger initializes a zap logger with the specified log level.
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapConfig.Build()
}
