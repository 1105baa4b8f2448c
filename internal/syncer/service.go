// Package syncer implements the background worker that keeps the config
// snapshot of a decision instance up to date with its source.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/snapshot"
)

// Config holds the configuration for the Syncer service.
type Config struct {
	// Interval is the duration between sync cycles (polling).
	Interval time.Duration

	// Watch enables change notifications from sources that support them.
	Watch bool
}

// Applier installs a fetched snapshot. It reports false when the snapshot
// was identical to the current one.
type Applier interface {
	Apply(ctx context.Context, snap *snapshot.Snapshot) (bool, error)
}

// FailureSink records that no snapshot could be produced.
type FailureSink interface {
	Fail(err error)
}

// Watcher is implemented by sources that can signal changes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Service orchestrates the synchronization process.
type Service struct {
	logger  *slog.Logger
	config  Config
	source  snapshot.Source
	applier Applier
	sink    FailureSink

	// trigger coalesces change notifications into one pending sync.
	trigger chan struct{}
}

// New creates a new Syncer service.
func New(logger *slog.Logger, cfg Config, source snapshot.Source, applier Applier, sink FailureSink) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	if source == nil {
		panic("syncer: snapshot source cannot be nil")
	}
	if applier == nil {
		panic("syncer: applier cannot be nil")
	}
	if sink == nil {
		panic("syncer: failure sink cannot be nil")
	}

	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second // Safe default
	}

	return &Service{
		logger:  logger,
		config:  cfg,
		source:  source,
		applier: applier,
		sink:    sink,
		trigger: make(chan struct{}, 1),
	}
}

// Run starts the syncer loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service",
		slog.String("interval", s.config.Interval.String()),
		slog.Bool("watch", s.config.Watch),
	)

	if w, ok := s.source.(Watcher); ok && s.config.Watch {
		go func() {
			if err := w.Watch(ctx, s.Notify); err != nil {
				s.logger.Error("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	if err := s.Sync(ctx); err != nil {
		s.logger.Error("initial sync failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping...")
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		if err := s.Sync(ctx); err != nil {
			// Keep the last good snapshot and retry on the next tick.
			s.logger.Error("sync cycle failed", slog.String("error", err.Error()))
		}
	}
}

// Notify schedules a sync without waiting for the next tick.
func (s *Service) Notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Sync performs a single synchronization cycle.
func (s *Service) Sync(ctx context.Context) error {
	start := time.Now()

	// 1. Read from the source
	snap, err := s.source.Fetch(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	// 2. Validate and install
	applied, err := s.applier.Apply(ctx, snap)
	if err != nil {
		s.fail(err)
		return err
	}

	if !applied {
		observability.SnapshotReloads.WithLabelValues("unchanged").Inc()
		return nil
	}

	observability.SnapshotReloads.WithLabelValues("applied").Inc()
	s.logger.Info("sync cycle completed",
		slog.String("etag", snap.ETag),
		slog.Int("triggers", len(snap.Triggers)),
		slog.String("duration", time.Since(start).String()),
	)
	return nil
}

func (s *Service) fail(err error) {
	observability.SnapshotReloads.WithLabelValues("failed").Inc()
	s.sink.Fail(err)
}
