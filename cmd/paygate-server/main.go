// Package main initializes and runs the paygate decision server.
//
// It acts as the composition root: configuration, stores, the decision
// core, the config syncer, the decision HTTP API and the observability
// server, plus the graceful shutdown of all of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/config"
	"github.com/rafaeljc/paygate/internal/core"
	"github.com/rafaeljc/paygate/internal/database"
	"github.com/rafaeljc/paygate/internal/decisionapi"
	"github.com/rafaeljc/paygate/internal/logger"
	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/snapshot"
	"github.com/rafaeljc/paygate/internal/store"
	"github.com/rafaeljc/paygate/internal/syncer"
)

// main is the application entrypoint.
func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appLog := logger.New(&cfg.App)
	slog.SetDefault(appLog)
	cfg.LogConfig(appLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	stores, checkers, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	// -------------------------------------------------------------------------
	// 3. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	instance, err := core.New(ctx, logger.Component(appLog, "core"), stores, core.Options{
		UserID:             cfg.Presentation.UserID,
		DefaultLocale:      cfg.Presentation.DefaultLocale,
		ReadinessTimeout:   cfg.Presentation.ReadinessTimeout,
		CacheCapacity:      cfg.Surface.CacheCapacity,
		Preload:            cfg.Presentation.Preload,
		PreloadConcurrency: cfg.Presentation.PreloadConcurrency,
		Retry: assignment.RetryPolicy{
			MaxTries:     cfg.Confirmation.MaxRetries,
			InitialDelay: cfg.Confirmation.BaseDelay,
			MaxElapsed:   cfg.Confirmation.MaxElapsed,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create decision core: %w", err)
	}
	defer instance.Close()

	syncSvc := syncer.New(
		logger.Component(appLog, "syncer"),
		syncer.Config{Interval: cfg.Snapshot.PollInterval, Watch: cfg.Snapshot.Watch},
		snapshot.NewFileSource(appLog, cfg.Snapshot.Path),
		instance,
		instance.Snapshots,
	)

	api := decisionapi.NewAPI(logger.Component(appLog, "decisionapi"), decisionapi.Dependencies{
		Decisions:    instance.Orchestrator,
		Subscription: instance.Subscription,
		Sessions:     instance.Sessions,
	}, decisionapi.Options{
		RateLimit:  cfg.Server.RateLimit,
		RateWindow: cfg.Server.RateWindow,
	})

	checkers = append(checkers, observability.CheckFunc("config", instance.Check))
	obsServer := observability.NewServer(logger.Component(appLog, "observability"), &cfg.Observability, checkers...)

	// -------------------------------------------------------------------------
	// 4. Background Workers & Servers
	// -------------------------------------------------------------------------
	errChan := make(chan error, 2)

	go func() {
		if err := syncSvc.Run(ctx); err != nil {
			errChan <- fmt.Errorf("syncer stopped: %w", err)
		}
	}()
	go instance.Surfaces.RunMetricsCollector(ctx, cfg.Surface.MetricsInterval)

	obsServer.Start()

	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		appLog.Info("decision api listening",
			slog.String("addr", httpServer.Addr),
			slog.Bool("tls", cfg.Server.TLSEnabled),
		)
		var err error
		if cfg.Server.TLSEnabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("decision api failed: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	var runErr error
	select {
	case runErr = <-errChan:
		appLog.Error("service failure, shutting down", slog.String("error", runErr.Error()))
	case <-ctx.Done():
		appLog.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("decision api shutdown failed", slog.String("error", err.Error()))
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}

	appLog.Info("service exited")
	return runErr
}

// openStores connects the backends selected by the storage config and
// returns their readiness checkers. The returned func closes every handle.
func openStores(ctx context.Context, cfg *config.Config) (core.Stores, []observability.Checker, func(), error) {
	var (
		stores   core.Stores
		checkers []observability.Checker
		closers  []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mem := store.NewMemory()
	stores.Occurrences = mem
	stores.Assignments = mem

	if cfg.Storage.UsesSQLite() {
		db, err := database.OpenSQLite(ctx, &cfg.SQLite)
		if err != nil {
			return core.Stores{}, nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		checkers = append(checkers, database.NewSQLiteChecker(db))

		sqlite := store.NewSQLiteStore(db)
		if cfg.Storage.Occurrences == config.BackendSQLite {
			stores.Occurrences = sqlite
		}
		if cfg.Storage.Assignments == config.BackendSQLite {
			stores.Assignments = sqlite
		}
	}

	if cfg.Storage.UsesRedis() {
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			closeAll()
			return core.Stores{}, nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		checkers = append(checkers, database.NewRedisChecker(client))
		stores.Occurrences = store.NewRedisOccurrences(client, cfg.Redis.KeyPrefix)
	}

	if cfg.Storage.UsesPostgres() {
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			closeAll()
			return core.Stores{}, nil, nil, err
		}
		closers = append(closers, pool.Close)
		if err := database.MigratePostgres(ctx, pool); err != nil {
			closeAll()
			return core.Stores{}, nil, nil, err
		}
		checkers = append(checkers, database.NewPostgresChecker(pool))
		stores.Assignments = store.NewPostgresAssignments(pool, cfg.Presentation.UserID)
	}

	return stores, checkers, closeAll, nil
}
