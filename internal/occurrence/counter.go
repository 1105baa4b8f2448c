// Package occurrence implements the occurrence counter that rate-limits
// audience rules ("show at most N times per window").
//
// Check-and-record for one key is linearized: concurrent evaluations
// against the same key never skip or double count an occurrence.
package occurrence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Store persists occurrence timestamps per key.
type Store interface {
	// CountSince returns how many occurrences of key were recorded at or after since.
	// The zero time counts every occurrence.
	CountSince(ctx context.Context, key string, since time.Time) (int, error)

	// Record stores one occurrence of key at the given instant.
	Record(ctx context.Context, key string, at time.Time) error
}

// AtomicStore is implemented by stores shared between processes that can
// perform the count and the record in a single atomic step.
type AtomicStore interface {
	Store

	// RecordIfBelow records an occurrence only if fewer than max occurrences
	// exist since the window start. It reports whether the record happened.
	// Occurrences older than a non-zero since may be discarded.
	RecordIfBelow(ctx context.Context, key string, since, at time.Time, max int) (bool, error)
}

// Counter decides whether a rate-limited rule may fire.
type Counter struct {
	store  Store
	now    func() time.Time
	locks  keyedMutex
	logger *slog.Logger
}

// Option customizes a Counter.
type Option func(*Counter)

// WithClock overrides the time source. Used by tests to move windows.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Counter) { c.logger = logger }
}

// NewCounter creates a counter backed by store.
func NewCounter(store Store, opts ...Option) *Counter {
	if store == nil {
		panic("occurrence: store cannot be nil")
	}
	c := &Counter{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		locks:  keyedMutex{locks: make(map[string]*refLock)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume counts the occurrence and records it when the limit allows it.
// It returns true when the post-increment count is within MaxCount.
// A rejected attempt is not recorded.
func (c *Counter) Consume(ctx context.Context, occ trigger.Occurrence) (bool, error) {
	unlock := c.locks.Lock(occ.Key)
	defer unlock()

	now := c.now()
	since := occ.Interval.Since(now)

	if atomic, ok := c.store.(AtomicStore); ok {
		fired, err := atomic.RecordIfBelow(ctx, occ.Key, since, now, occ.MaxCount)
		if err != nil {
			observability.OccurrenceDecisions.WithLabelValues("error").Inc()
			return false, fmt.Errorf("failed to record occurrence %q: %w", occ.Key, err)
		}
		observeDecision(fired)
		return fired, nil
	}

	count, err := c.store.CountSince(ctx, occ.Key, since)
	if err != nil {
		observability.OccurrenceDecisions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to count occurrences %q: %w", occ.Key, err)
	}

	if count+1 > occ.MaxCount {
		c.logger.Debug("occurrence limit reached",
			slog.String("key", occ.Key),
			slog.Int("count", count),
			slog.Int("max_count", occ.MaxCount),
			slog.String("interval", occ.Interval.String()),
		)
		observeDecision(false)
		return false, nil
	}

	if err := c.store.Record(ctx, occ.Key, now); err != nil {
		observability.OccurrenceDecisions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to record occurrence %q: %w", occ.Key, err)
	}
	observeDecision(true)
	return true, nil
}

// Check reports whether the rule could fire now without recording anything.
func (c *Counter) Check(ctx context.Context, occ trigger.Occurrence) (bool, error) {
	unlock := c.locks.Lock(occ.Key)
	defer unlock()

	count, err := c.store.CountSince(ctx, occ.Key, occ.Interval.Since(c.now()))
	if err != nil {
		return false, fmt.Errorf("failed to count occurrences %q: %w", occ.Key, err)
	}
	return count+1 <= occ.MaxCount, nil
}

func observeDecision(fired bool) {
	if fired {
		observability.OccurrenceDecisions.WithLabelValues("allowed").Inc()
		return
	}
	observability.OccurrenceDecisions.WithLabelValues("exceeded").Inc()
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex of key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
