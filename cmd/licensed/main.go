// Command licensed runs the keymint licensing server: trial metering,
// abuse detection, license issuance, activation, and verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keymint/internal/abuse"
	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/keystore"
	"keymint/internal/license"
	"keymint/internal/store"
	"keymint/internal/trial"
	transport "keymint/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "licensed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}

	// Missing signing keys are fatal. Run `keymint-admin keys generate`
	// before first start.
	custodian, err := keystore.Load(cfg.Keys.Dir, logger)
	if err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}

	metrics, meterProvider, err := infrastructure.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("meter provider shutdown failed", slog.String("error", err.Error()))
		}
	}()

	detector := abuse.NewDetector(db, logger, cfg.Trial.DebounceWindow)
	registry := trial.NewRegistry(db, detector, metrics, logger, cfg.Trial.StartingCredits)
	issuer := license.NewIssuer(db, custodian, metrics, logger)
	activator := license.NewActivator(db, detector, metrics, logger)
	verifier := license.NewVerifier(custodian, metrics, logger)

	router := transport.NewRouter(cfg, transport.Services{
		Registry:  registry,
		Issuer:    issuer,
		Activator: activator,
		Verifier:  verifier,
		Store:     db,
		Custodian: custodian,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go sweepStaleTrials(ctx, registry, cfg.Trial.SweepInterval, cfg.Trial.StaleAfter, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("licensing server starting",
			slog.String("addr", srv.Addr),
			slog.String("database", cfg.Database.Path),
			slog.String("key_dir", cfg.Keys.Dir),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// sweepStaleTrials periodically exhausts trials with no recent
// activity so abandoned installations cannot hoard credits forever.
func sweepStaleTrials(ctx context.Context, registry *trial.Registry, interval, staleAfter time.Duration, logger *slog.Logger) {
	if interval <= 0 || staleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.ExpireStaleTrials(ctx, staleAfter); err != nil {
				logger.Error("stale trial sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
