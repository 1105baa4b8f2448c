// Package core assembles the paywall decision components into one instance
// and applies config snapshots to them.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/cache"
	"github.com/rafaeljc/paygate/internal/expression"
	"github.com/rafaeljc/paygate/internal/occurrence"
	"github.com/rafaeljc/paygate/internal/presentation"
	"github.com/rafaeljc/paygate/internal/ruleengine"
	"github.com/rafaeljc/paygate/internal/session"
	"github.com/rafaeljc/paygate/internal/snapshot"
	"github.com/rafaeljc/paygate/internal/state"
	"github.com/rafaeljc/paygate/internal/surface"
)

// Stores are the persistence backends of a Core.
type Stores struct {
	Occurrences occurrence.Store
	Assignments assignment.Store
}

// Options configure a Core. Zero values fall back to the defaults of each
// component.
type Options struct {
	// UserID seeds deterministic variant choice.
	UserID string

	DefaultLocale    string
	ReadinessTimeout time.Duration
	CacheCapacity    int

	// Preload builds every treatment paywall after a snapshot is applied.
	Preload            bool
	PreloadConcurrency int

	Retry      assignment.RetryPolicy
	Confirmer  assignment.Confirmer
	Presenter  presentation.Presenter
	Attributes presentation.AttributeSource
}

// Core owns every component of one decision instance.
type Core struct {
	logger *slog.Logger
	opts   Options

	Snapshots    *snapshot.Holder
	Subscription *state.Cell[presentation.SubscriptionStatus]
	Predicates   *expression.Router
	Assignments  *assignment.Resolver
	Sessions     *session.Manager
	Surfaces     *cache.SurfaceCache
	Builder      *surface.DescriptorBuilder
	Orchestrator *presentation.Orchestrator
}

// New wires a Core and loads the confirmed assignments from the store.
// It panics when a store is nil.
func New(ctx context.Context, logger *slog.Logger, stores Stores, opts Options) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if stores.Occurrences == nil {
		panic("core: occurrence store cannot be nil")
	}
	if stores.Assignments == nil {
		panic("core: assignment store cannot be nil")
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 64
	}
	if opts.PreloadConcurrency <= 0 {
		opts.PreloadConcurrency = 4
	}

	predicates, err := expression.NewDefaultRouter()
	if err != nil {
		return nil, fmt.Errorf("failed to create predicate evaluators: %w", err)
	}

	surfaces, err := cache.NewSurfaceCache(logger, opts.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create surface cache: %w", err)
	}

	resolverOpts := []assignment.Option{}
	if opts.Confirmer != nil {
		resolverOpts = append(resolverOpts, assignment.WithConfirmer(opts.Confirmer))
	}
	if opts.Retry.MaxTries > 0 {
		resolverOpts = append(resolverOpts, assignment.WithRetryPolicy(opts.Retry))
	}
	resolver := assignment.NewResolver(logger, stores.Assignments, resolverOpts...)
	if err := resolver.Load(ctx); err != nil {
		surfaces.Close()
		return nil, fmt.Errorf("failed to load confirmed assignments: %w", err)
	}

	counter := occurrence.NewCounter(stores.Occurrences, occurrence.WithLogger(logger))

	c := &Core{
		logger:       logger,
		opts:         opts,
		Snapshots:    snapshot.NewHolder(),
		Subscription: state.NewCell(presentation.SubscriptionUnknown),
		Predicates:   predicates,
		Assignments:  resolver,
		Sessions:     session.NewManager(logger),
		Surfaces:     surfaces,
		Builder:      surface.NewDescriptorBuilder(),
	}

	c.Orchestrator = presentation.New(logger, presentation.Dependencies{
		Snapshots:    c.Snapshots,
		Rules:        ruleengine.New(logger, predicates, counter),
		Assignments:  resolver,
		Sessions:     c.Sessions,
		Surfaces:     surfaces,
		Builder:      c.Builder,
		Subscription: c.Subscription,
		Attributes:   opts.Attributes,
		Presenter:    opts.Presenter,
	}, presentation.Options{
		ReadinessTimeout: opts.ReadinessTimeout,
		DefaultLocale:    opts.DefaultLocale,
	})

	return c, nil
}

// Validate checks that every predicate of snap compiles.
func (c *Core) Validate(snap *snapshot.Snapshot) error {
	return ruleengine.ValidateTriggers(snap.Triggers, c.Predicates)
}

// Apply installs snap. It reports false when snap carries the ETag of the
// current snapshot, in which case nothing changes.
//
// Applying chooses variants for unassigned experiments, resets pending
// session ids, evicts every surface except the presented one and finally
// publishes the snapshot. Preloading, when enabled, runs after publication.
func (c *Core) Apply(ctx context.Context, snap *snapshot.Snapshot) (bool, error) {
	if current := c.Snapshots.Current(); current != nil && current.ETag == snap.ETag {
		return false, nil
	}
	if err := c.Validate(snap); err != nil {
		return false, fmt.Errorf("invalid config: %w", err)
	}

	chosen := c.Assignments.ChooseUnassigned(snap.Triggers, c.opts.UserID)
	c.Builder.SetDescriptors(snap.Paywalls)
	c.Sessions.Reset(snap.EventNames())
	evicted := c.Surfaces.RemoveAllExceptActive()

	if !c.Snapshots.Publish(snap) {
		return false, nil
	}

	c.logger.Info("config applied",
		slog.String("etag", snap.ETag),
		slog.Int("triggers", len(snap.Triggers)),
		slog.Int("paywalls", len(snap.Paywalls)),
		slog.Int("assignments_chosen", chosen),
		slog.Int("surfaces_evicted", evicted),
	)

	if c.opts.Preload {
		if err := c.Preload(ctx, snap); err != nil {
			c.logger.Warn("surface preload incomplete", slog.String("error", err.Error()))
		}
	}
	return true, nil
}

// Preload builds the surface of every treatment paywall of snap for the
// default locale, with bounded concurrency. Failed builds are not cached
// and are retried on demand.
func (c *Core) Preload(ctx context.Context, snap *snapshot.Snapshot) error {
	locale := c.opts.DefaultLocale
	if locale == "" {
		locale = "en-US"
	}
	locale, err := surface.CanonicalLocale(locale)
	if err != nil {
		return err
	}

	p := pool.New().WithMaxGoroutines(c.opts.PreloadConcurrency).WithContext(ctx)
	for _, paywallID := range snap.TreatmentPaywalls() {
		key := cache.Key{PaywallID: paywallID, Locale: locale}
		p.Go(func(ctx context.Context) error {
			_, err := c.Surfaces.GetOrBuild(ctx, key, func(ctx context.Context) (*surface.Surface, error) {
				return c.Builder.Build(ctx, key.PaywallID, key.Locale, surface.Overrides{})
			})
			if err != nil {
				return fmt.Errorf("preload %s: %w", key, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Ready reports whether a snapshot has been published.
func (c *Core) Ready() bool {
	return c.Snapshots.Current() != nil
}

// Check implements the readiness checker contract of the observability
// server.
func (c *Core) Check(_ context.Context) error {
	if !c.Ready() {
		st := c.Snapshots.State()
		if st.Err != nil {
			return fmt.Errorf("config not loaded: %w", st.Err)
		}
		return errors.New("config not loaded")
	}
	return nil
}

// Close waits for in-flight assignment confirmations and releases the cache.
func (c *Core) Close() {
	c.Assignments.Wait()
	c.Surfaces.Close()
}
