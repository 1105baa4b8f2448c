// Package presentation implements the presentation request orchestrator.
//
// The Orchestrator runs every request through a strictly ordered pipeline:
// readiness wait, trigger lookup, rule evaluation, assignment resolution,
// subscription check, surface fetch-or-build, presenter resolution and,
// only on success, assignment confirmation and session activation. Every
// exit is a named State; nothing escapes as an unstructured failure.
package presentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rafaeljc/paygate/internal/cache"
	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/ruleengine"
	"github.com/rafaeljc/paygate/internal/session"
	"github.com/rafaeljc/paygate/internal/snapshot"
	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

const tracerName = "github.com/rafaeljc/paygate/internal/presentation"

// ErrNothingPresented is returned by Dismiss when no surface is presented.
var ErrNothingPresented = errors.New("no paywall is presented")

// SnapshotSource supplies the current config snapshot once it is ready.
type SnapshotSource interface {
	Wait(ctx context.Context) (*snapshot.Snapshot, error)
}

// RuleEvaluator scans the rules of a trigger.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, t trigger.Trigger, input ruleengine.EvaluationInput) ruleengine.MatchOutcome
}

// AssignmentResolver maps a matched rule to its experiment variant.
type AssignmentResolver interface {
	Resolve(rule trigger.Rule) (trigger.Result, *trigger.ConfirmableAssignment)
	ConfirmAsync(ctx context.Context, ca trigger.ConfirmableAssignment)
}

// SessionTracker tracks trigger sessions.
type SessionTracker interface {
	Activate(eventName string, result trigger.Result) (session.Active, bool)
	EndSession() (session.Active, bool)
}

// SurfaceCache is the single-flight surface cache.
type SurfaceCache interface {
	GetOrBuild(ctx context.Context, key cache.Key, build cache.BuildFunc) (*surface.Surface, error)
	Rebuild(ctx context.Context, build cache.BuildFunc) (*surface.Surface, error)
	SetActive(key cache.Key, s *surface.Surface)
	ClearActive()
}

// StatusSource is an observable subscription status, such as a
// *state.Cell[SubscriptionStatus].
type StatusSource interface {
	Get() SubscriptionStatus
	Wait(ctx context.Context, pred func(SubscriptionStatus) bool) (SubscriptionStatus, error)
}

// AttributeSource supplies the user and device attributes predicates see.
type AttributeSource interface {
	Attributes(ctx context.Context) (user, device map[string]any)
}

// Dependencies are the collaborators of an Orchestrator. Attributes and
// Presenter are optional.
type Dependencies struct {
	Snapshots    SnapshotSource
	Rules        RuleEvaluator
	Assignments  AssignmentResolver
	Sessions     SessionTracker
	Surfaces     SurfaceCache
	Builder      surface.Builder
	Subscription StatusSource
	Attributes   AttributeSource
	Presenter    Presenter
}

// Options tune an Orchestrator.
type Options struct {
	// ReadinessTimeout bounds the wait for config and subscription status.
	ReadinessTimeout time.Duration

	// DefaultLocale is used when a request carries no locale.
	DefaultLocale string

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Orchestrator answers presentation requests.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time

	debugger atomic.Bool

	// mu serializes the commit step so at most one surface is presented.
	mu      sync.Mutex
	current *stream
}

// stream is the state channel of the presented request.
type stream struct {
	ch    chan State
	info  Info
	ready chan struct{} // closed once the first state was emitted
	// failed is written before ready is closed.
	failed bool
}

// New creates an orchestrator. It panics when a mandatory dependency is nil.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, deps Dependencies, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Snapshots == nil:
		panic("presentation: snapshot source cannot be nil")
	case deps.Rules == nil:
		panic("presentation: rule evaluator cannot be nil")
	case deps.Assignments == nil:
		panic("presentation: assignment resolver cannot be nil")
	case deps.Sessions == nil:
		panic("presentation: session tracker cannot be nil")
	case deps.Surfaces == nil:
		panic("presentation: surface cache cannot be nil")
	case deps.Builder == nil:
		panic("presentation: surface builder cannot be nil")
	case deps.Subscription == nil:
		panic("presentation: subscription status source cannot be nil")
	}

	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 5 * time.Second
	}
	if opts.DefaultLocale == "" {
		opts.DefaultLocale = "en-US"
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		tracer: tp.Tracer(tracerName),
		logger: logger,
		now:    time.Now,
	}
}

// SetDebuggerActive marks whether the paywall debugger is open. While it
// is, only debugger-launched requests may present.
func (o *Orchestrator) SetDebuggerActive(active bool) {
	o.debugger.Store(active)
}

// EvaluateRules evaluates event against the current config, recording
// occurrences of the firing rule. It never builds a surface nor touches
// sessions.
func (o *Orchestrator) EvaluateRules(ctx context.Context, event trigger.Event) trigger.Outcome {
	snap, err := o.waitSnapshot(ctx)
	if err != nil {
		return trigger.Outcome{Result: trigger.Error{Err: err}}
	}
	return o.evaluate(ctx, snap, event, false)
}

// GetPresentationResult reports what presenting event would do, without
// building or caching a surface, recording occurrences, confirming
// assignments or touching sessions.
func (o *Orchestrator) GetPresentationResult(ctx context.Context, event trigger.Event) Result {
	snap, err := o.waitSnapshot(ctx)
	if err != nil {
		return PaywallNotAvailable{Err: err}
	}

	switch r := o.evaluate(ctx, snap, event, true).Result.(type) {
	case trigger.PlacementNotFound:
		return PlacementNotFound{}
	case trigger.NoAudienceMatch:
		return NoAudienceMatch{Unmatched: r.Unmatched}
	case trigger.Holdout:
		return Holdout{Experiment: r.Experiment}
	case trigger.Paywall:
		return Paywall{Experiment: r.Experiment}
	case trigger.Error:
		return PaywallNotAvailable{Err: r.Err}
	default:
		return PaywallNotAvailable{Err: fmt.Errorf("unexpected result %T", r)}
	}
}

// RequestPresentation runs req and returns its state stream. The stream
// receives one terminal state (Skipped, PresentationError) and is closed,
// or Presented and stays open until Dismiss emits Dismissed and Finalized.
func (o *Orchestrator) RequestPresentation(ctx context.Context, req Request) <-chan State {
	ch := make(chan State, 3)
	st := &stream{ch: ch, ready: make(chan struct{})}

	go func() {
		first := o.run(ctx, req, st)
		o.emit(ch, first)

		if _, presented := first.(Presented); !presented || req.Type != TypePresentation {
			st.failed = true
			close(ch)
		}
		close(st.ready)
	}()
	return ch
}

// Present runs req and returns its first state.
func (o *Orchestrator) Present(ctx context.Context, req Request) State {
	return <-o.RequestPresentation(ctx, req)
}

// Current returns the presented surface info.
func (o *Orchestrator) Current() (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Info{}, false
	}
	return o.current.info, true
}

// Dismiss ends the current presentation: the trigger session ends, the
// surface is unpinned and the stream receives Dismissed then Finalized.
func (o *Orchestrator) Dismiss(ctx context.Context, result DismissResult) (Info, error) {
	o.mu.Lock()
	st := o.current
	o.mu.Unlock()
	if st == nil {
		return Info{}, ErrNothingPresented
	}

	select {
	case <-st.ready:
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}

	o.mu.Lock()
	if o.current != st || st.failed {
		o.mu.Unlock()
		return Info{}, ErrNothingPresented
	}
	o.current = nil
	o.deps.Sessions.EndSession()
	o.deps.Surfaces.ClearActive()
	o.mu.Unlock()

	o.logger.Info("paywall dismissed",
		slog.String("event_name", st.info.EventName),
		slog.String("session_id", st.info.SessionID),
		slog.String("result", string(result)),
	)
	o.emit(st.ch, Dismissed{Info: st.info, Result: result})
	o.emit(st.ch, Finalized{})
	close(st.ch)
	return st.info, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, st *stream) State {
	ctx, span := o.tracer.Start(ctx, "presentation.request", trace.WithAttributes(
		attribute.String("event_name", req.Event.Name),
		attribute.String("request_type", req.Type.String()),
		attribute.Bool("debugger_launched", req.DebuggerLaunched),
	))
	defer span.End()

	state := o.pipeline(ctx, span, req, st)
	span.SetAttributes(attribute.String("state", StateName(state)))
	switch s := state.(type) {
	case PresentationError:
		span.RecordError(s.Err)
		span.SetStatus(codes.Error, s.Err.Error())
	case Skipped:
		span.SetAttributes(attribute.String("skip_reason", string(s.Reason)))
	}
	return state
}

func (o *Orchestrator) pipeline(ctx context.Context, span trace.Span, req Request, st *stream) State {
	if o.debugger.Load() && !req.DebuggerLaunched {
		return Skipped{Reason: SkipDebuggerPresented}
	}
	if req.Type == TypePresentation && o.presenting() {
		return Skipped{Reason: SkipPaywallAlreadyPresented}
	}

	// 1. Config and subscription status readiness.
	snap, status, skip := o.awaitReady(ctx, req)
	if skip != nil {
		return skip
	}
	span.AddEvent("ready", trace.WithAttributes(attribute.String("subscription_status", string(status))))

	// 2. Rules and assignment.
	outcome := o.evaluate(ctx, snap, req.Event, false)
	span.AddEvent("rules_evaluated", trace.WithAttributes(attribute.String("result", trigger.ResultName(outcome.Result))))

	// 3. Early exits.
	var experiment trigger.Experiment
	switch r := outcome.Result.(type) {
	case trigger.PlacementNotFound:
		return Skipped{Reason: SkipPlacementNotFound}
	case trigger.Error:
		return PresentationError{Err: r.Err}
	case trigger.NoAudienceMatch:
		if req.Type == TypePresentation && !o.endTransient(req.Event.Name, r) {
			return Skipped{Reason: SkipPaywallAlreadyPresented}
		}
		return Skipped{Reason: SkipNoAudienceMatch, Unmatched: r.Unmatched}
	case trigger.Holdout:
		exp := r.Experiment
		if req.Type == TypePresentation {
			if !o.endTransient(req.Event.Name, r) {
				return Skipped{Reason: SkipPaywallAlreadyPresented, Experiment: &exp}
			}
			o.confirm(ctx, outcome.ConfirmableAssignment)
		}
		return Skipped{Reason: SkipHoldout, Experiment: &exp}
	case trigger.Paywall:
		experiment = r.Experiment
	default:
		return PresentationError{Err: fmt.Errorf("unexpected result %T", r)}
	}

	if !req.DebuggerLaunched && status == SubscriptionActive {
		return Skipped{Reason: SkipUserIsSubscribed, Experiment: &experiment}
	}

	// 4. Surface.
	key := cache.Key{PaywallID: experiment.Variant.PaywallID, Locale: o.locale(req)}
	s, err := o.fetchSurface(ctx, req, key)
	if err != nil {
		return PresentationError{Err: err}
	}
	span.AddEvent("surface_ready", trace.WithAttributes(attribute.String("surface_instance", s.InstanceID)))

	info := Info{
		EventName:  req.Event.Name,
		Experiment: &experiment,
		Surface:    s,
	}

	if req.Type == TypeGetPaywall {
		o.confirm(ctx, outcome.ConfirmableAssignment)
		info.PresentedAt = o.now()
		return Presented{Info: info}
	}

	// 5. Presenter.
	presenter := req.Presenter
	if presenter == nil {
		presenter = o.deps.Presenter
	}
	if presenter == nil {
		return Skipped{Reason: SkipNoPresenter, Experiment: &experiment}
	}

	// 6. Commit.
	if err := ctx.Err(); err != nil {
		return PresentationError{Err: err}
	}

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return Skipped{Reason: SkipPaywallAlreadyPresented, Experiment: &experiment}
	}
	if active, ok := o.deps.Sessions.Activate(req.Event.Name, outcome.Result); ok {
		info.SessionID = active.ID
	}
	info.PresentedAt = o.now()
	st.info = info
	o.deps.Surfaces.SetActive(key, s)
	o.current = st
	o.mu.Unlock()

	if err := presenter.Present(ctx, s, info); err != nil {
		o.rollback(st)
		return PresentationError{Err: fmt.Errorf("presenter failed: %w", err)}
	}
	o.confirm(ctx, outcome.ConfirmableAssignment)

	o.logger.Info("paywall presented",
		slog.String("event_name", info.EventName),
		slog.String("session_id", info.SessionID),
		slog.String("experiment_id", experiment.ID),
		slog.String("variant_id", experiment.Variant.ID),
		slog.String("paywall_id", s.PaywallID),
	)
	return Presented{Info: info}
}

func (o *Orchestrator) fetchSurface(ctx context.Context, req Request, key cache.Key) (*surface.Surface, error) {
	build := func(ctx context.Context) (*surface.Surface, error) {
		return o.deps.Builder.Build(ctx, key.PaywallID, key.Locale, req.Overrides)
	}

	var (
		s   *surface.Surface
		err error
	)
	// Overridden surfaces differ from the cached one of the same key.
	if req.DebuggerLaunched || !req.Overrides.IsZero() {
		s, err = o.deps.Surfaces.Rebuild(ctx, build)
	} else {
		s, err = o.deps.Surfaces.GetOrBuild(ctx, key, build)
	}
	if err == nil {
		return s, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var buildErr *surface.BuildError
	if !errors.As(err, &buildErr) {
		err = &surface.BuildError{PaywallID: key.PaywallID, Locale: key.Locale, Err: err}
	}
	o.logger.Error("paywall surface unavailable",
		slog.String("event_name", req.Event.Name),
		slog.String("paywall_id", key.PaywallID),
		slog.String("locale", key.Locale),
		slog.String("error", err.Error()),
	)
	return nil, err
}

// endTransient opens and immediately ends the session of a holdout or
// no-match outcome. It reports false, touching nothing, while a paywall is
// presented.
func (o *Orchestrator) endTransient(eventName string, result trigger.Result) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return false
	}
	o.deps.Sessions.Activate(eventName, result)
	return true
}

// rollback undoes the commit of a presentation whose presenter failed.
func (o *Orchestrator) rollback(st *stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != st {
		return
	}
	o.current = nil
	o.deps.Sessions.EndSession()
	o.deps.Surfaces.ClearActive()
}

func (o *Orchestrator) presenting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// awaitReady waits for config and a known subscription status within the
// readiness timeout. A non-nil State is a terminal outcome.
func (o *Orchestrator) awaitReady(ctx context.Context, req Request) (*snapshot.Snapshot, SubscriptionStatus, State) {
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.ReadinessTimeout)
	defer cancel()

	snap, err := o.deps.Snapshots.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", PresentationError{Err: ctx.Err()}
		}
		o.logger.Warn("config not available", slog.String("event_name", req.Event.Name), slog.String("error", err.Error()))
		return nil, "", Skipped{Reason: SkipNoConfig}
	}

	src := req.Subscription
	if src == nil {
		src = o.deps.Subscription
	}
	status, err := src.Wait(waitCtx, func(s SubscriptionStatus) bool {
		return s != SubscriptionUnknown
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", PresentationError{Err: ctx.Err()}
		}
		o.logger.Warn("subscription status timeout", slog.String("event_name", req.Event.Name))
		return nil, "", Skipped{Reason: SkipSubscriptionStatusTimeout}
	}
	return snap, status, nil
}

func (o *Orchestrator) waitSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.ReadinessTimeout)
	defer cancel()
	snap, err := o.deps.Snapshots.Wait(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("config not ready: %w", err)
	}
	return snap, nil
}

// evaluate runs the evaluator and the resolver for event.
func (o *Orchestrator) evaluate(ctx context.Context, snap *snapshot.Snapshot, event trigger.Event, dryRun bool) trigger.Outcome {
	outcome := o.outcome(ctx, snap, event, dryRun)
	observability.RuleEvaluations.WithLabelValues(trigger.ResultName(outcome.Result)).Inc()
	return outcome
}

func (o *Orchestrator) outcome(ctx context.Context, snap *snapshot.Snapshot, event trigger.Event, dryRun bool) trigger.Outcome {
	t, ok := snap.Trigger(event.Name)
	if !ok {
		return trigger.Outcome{Result: trigger.PlacementNotFound{}}
	}

	var user, device map[string]any
	if o.deps.Attributes != nil {
		user, device = o.deps.Attributes.Attributes(ctx)
	}

	match := o.deps.Rules.Evaluate(ctx, t, ruleengine.EvaluationInput{
		Event:      event,
		Attributes: trigger.NewAttributes(event, user, device),
		DryRun:     dryRun,
	})

	switch m := match.(type) {
	case ruleengine.NoMatch:
		return trigger.Outcome{Result: trigger.NoAudienceMatch{Unmatched: m.Unmatched}}
	case ruleengine.Matched:
		result, confirmable := o.deps.Assignments.Resolve(m.Rule)
		if errResult, isErr := result.(trigger.Error); isErr {
			o.logger.Error("matched rule has no usable assignment",
				slog.String("event_name", event.Name),
				slog.String("experiment_id", m.Rule.ExperimentID),
				slog.String("error", errResult.Err.Error()),
			)
		}
		return trigger.Outcome{
			ConfirmableAssignment: confirmable,
			UnsavedOccurrence:     m.UnsavedOccurrence,
			Result:                result,
		}
	default:
		return trigger.Outcome{Result: trigger.Error{Err: fmt.Errorf("unexpected match outcome %T", m)}}
	}
}

func (o *Orchestrator) confirm(ctx context.Context, ca *trigger.ConfirmableAssignment) {
	if ca == nil {
		return
	}
	o.deps.Assignments.ConfirmAsync(ctx, *ca)
}

func (o *Orchestrator) locale(req Request) string {
	tag := req.Locale
	if tag == "" {
		tag = o.opts.DefaultLocale
	}
	canonical, err := surface.CanonicalLocale(tag)
	if err != nil {
		o.logger.Warn("invalid locale, using default",
			slog.String("locale", tag),
			slog.String("default", o.opts.DefaultLocale),
		)
		return o.opts.DefaultLocale
	}
	return canonical
}

func (o *Orchestrator) emit(ch chan<- State, s State) {
	reason := ""
	if skipped, ok := s.(Skipped); ok {
		reason = string(skipped.Reason)
	}
	observability.PresentationStates.WithLabelValues(StateName(s), reason).Inc()
	ch <- s
}
