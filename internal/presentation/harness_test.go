package presentation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/cache"
	"github.com/rafaeljc/paygate/internal/occurrence"
	"github.com/rafaeljc/paygate/internal/ruleengine"
	"github.com/rafaeljc/paygate/internal/session"
	"github.com/rafaeljc/paygate/internal/snapshot"
	"github.com/rafaeljc/paygate/internal/state"
	"github.com/rafaeljc/paygate/internal/store"
	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// countingPredicates answers "true"/"false" expressions and counts calls per expression.
// The "gated-true" and "gated-false" expressions signal entered and block until gate closes.
type countingPredicates struct {
	mu    sync.Mutex
	calls map[string]int

	entered chan struct{}
	gate    chan struct{}
}

func (p *countingPredicates) Evaluate(_ context.Context, pred trigger.Predicate, _ trigger.Attributes) (bool, error) {
	p.mu.Lock()
	p.calls[pred.Expression]++
	p.mu.Unlock()

	switch pred.Expression {
	case "gated-true", "gated-false":
		p.entered <- struct{}{}
		<-p.gate
		return pred.Expression == "gated-true", nil
	case "false", "r-false":
		return false, nil
	default:
		return true, nil
	}
}

func (p *countingPredicates) Calls(expr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[expr]
}

// recordingCache wraps the real cache and records GetOrBuild keys.
type recordingCache struct {
	*cache.SurfaceCache
	mu   sync.Mutex
	keys []cache.Key
}

func (c *recordingCache) GetOrBuild(ctx context.Context, key cache.Key, build cache.BuildFunc) (*surface.Surface, error) {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return c.SurfaceCache.GetOrBuild(ctx, key, build)
}

func (c *recordingCache) Keys() []cache.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cache.Key(nil), c.keys...)
}

// countingBuilder builds a surface per call, optionally failing or blocking.
type countingBuilder struct {
	calls   atomic.Int32
	fail    atomic.Bool
	release chan struct{}
}

func (b *countingBuilder) Build(ctx context.Context, paywallID, locale string, ov surface.Overrides) (*surface.Surface, error) {
	n := b.calls.Add(1)
	if b.release != nil {
		<-b.release
	}
	if b.fail.Load() {
		return nil, errors.New("template unavailable")
	}
	return &surface.Surface{
		InstanceID: fmt.Sprintf("%s#%d", paywallID, n),
		PaywallID:  paywallID,
		Locale:     locale,
		Products:   ov.Products,
	}, nil
}

type recordingPresenter struct {
	mu       sync.Mutex
	surfaces []*surface.Surface
	err      error
}

func (p *recordingPresenter) Present(_ context.Context, s *surface.Surface, _ Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaces = append(p.surfaces, s)
	return p.err
}

func (p *recordingPresenter) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.surfaces)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	orch       *Orchestrator
	holder     *snapshot.Holder
	status     *state.Cell[SubscriptionStatus]
	store      *store.Memory
	resolver   *assignment.Resolver
	sessions   *session.Manager
	cache      *recordingCache
	builder    *countingBuilder
	predicates *countingPredicates
	presenter  *recordingPresenter
	clock      *fakeClock
}

type harnessOption func(*Options)

func withReadinessTimeout(d time.Duration) harnessOption {
	return func(o *Options) { o.ReadinessTimeout = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	surfaces, err := cache.NewSurfaceCache(nil, 16)
	require.NoError(t, err)
	t.Cleanup(surfaces.Close)

	h := &harness{
		holder:     snapshot.NewHolder(),
		status:     state.NewCell(SubscriptionInactive),
		store:      store.NewMemory(),
		sessions:   session.NewManager(nil),
		cache:      &recordingCache{SurfaceCache: surfaces},
		builder:    &countingBuilder{},
		predicates: &countingPredicates{calls: map[string]int{}, entered: make(chan struct{}, 1), gate: make(chan struct{})},
		presenter:  &recordingPresenter{},
		clock:      &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.resolver = assignment.NewResolver(nil, h.store, assignment.WithRetryPolicy(assignment.RetryPolicy{
		MaxTries: 2, InitialDelay: time.Millisecond, MaxElapsed: time.Second,
	}))
	counter := occurrence.NewCounter(h.store, occurrence.WithClock(h.clock.Now))

	o := Options{ReadinessTimeout: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	h.orch = New(nil, Dependencies{
		Snapshots:    h.holder,
		Rules:        ruleengine.New(nil, h.predicates, counter),
		Assignments:  h.resolver,
		Sessions:     h.sessions,
		Surfaces:     h.cache,
		Builder:      h.builder,
		Subscription: h.status,
	}, o)
	return h
}

// publish installs triggers and resets session ids, as a config load does.
func (h *harness) publish(t *testing.T, triggers ...trigger.Trigger) {
	t.Helper()
	m := make(map[string]trigger.Trigger, len(triggers))
	for _, tr := range triggers {
		m[tr.EventName] = tr
	}
	snap, err := snapshot.New(m, nil)
	require.NoError(t, err)
	h.holder.Publish(snap)
	h.sessions.Reset(snap.EventNames())
}

// confirm persists a confirmed assignment and loads it into the resolver.
func (h *harness) confirm(t *testing.T, experimentID string, v trigger.Variant) {
	t.Helper()
	_, err := h.store.PersistConfirmed(context.Background(), experimentID, v)
	require.NoError(t, err)
	require.NoError(t, h.resolver.Load(context.Background()))
}

func (h *harness) request(name string) Request {
	return Request{
		Type:      TypePresentation,
		Event:     trigger.Event{Name: name},
		Presenter: h.presenter,
	}
}

var (
	treatment = trigger.Variant{ID: "var-a", Type: trigger.VariantTreatment, PaywallID: "pw-spring"}
	holdoutV  = trigger.Variant{ID: "var-h", Type: trigger.VariantHoldout}
)

func campaignTrigger() trigger.Trigger {
	return trigger.Trigger{
		EventName: "campaign_trigger",
		Rules: []trigger.Rule{{
			ExperimentID:      "exp-1",
			ExperimentGroupID: "grp-1",
			VariantOptions: []trigger.VariantOption{
				{ID: treatment.ID, Type: treatment.Type, Percentage: 100, PaywallID: treatment.PaywallID},
			},
		}},
	}
}

// drain collects every state of a stream until it closes.
func drain(t *testing.T, ch <-chan State) []State {
	t.Helper()
	var states []State
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return states
			}
			states = append(states, s)
		case <-timeout:
			t.Fatalf("stream not closed, got %v", states)
		}
	}
}
