package presentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/cache"
	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

func TestOrchestrator_EvaluateRules(t *testing.T) {
	t.Parallel()

	t.Run("Should yield PlacementNotFound for unknown events regardless of rules", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)

		outcome := h.orch.EvaluateRules(context.Background(), trigger.Event{Name: "unknown_event"})

		assert.Equal(t, trigger.PlacementNotFound{}, outcome.Result)
		assert.Nil(t, outcome.ConfirmableAssignment)
	})

	t.Run("Should cite the first matching rule and never evaluate later ones", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, trigger.Trigger{
			EventName: "evt",
			Rules: []trigger.Rule{
				{ExperimentID: "r1", Predicate: &trigger.Predicate{Expression: "r1"}},
				{ExperimentID: "r2", Predicate: &trigger.Predicate{Expression: "r2"}},
			},
		})
		h.confirm(t, "r1", treatment)
		h.confirm(t, "r2", treatment)

		for range 3 {
			outcome := h.orch.EvaluateRules(context.Background(), trigger.Event{Name: "evt"})
			paywall, ok := outcome.Result.(trigger.Paywall)
			require.True(t, ok, "got %T", outcome.Result)
			assert.Equal(t, "r1", paywall.Experiment.ID)
		}
		assert.Equal(t, 3, h.predicates.Calls("r1"))
		assert.Zero(t, h.predicates.Calls("r2"))
	})

	t.Run("Should fire maxCount times per window", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, trigger.Trigger{
			EventName: "evt",
			Rules: []trigger.Rule{{
				ExperimentID: "e1",
				Occurrence:   &trigger.Occurrence{Key: "twice-an-hour", MaxCount: 2, Interval: trigger.Minutes(60)},
			}},
		})
		h.confirm(t, "e1", treatment)
		evt := trigger.Event{Name: "evt"}

		assert.IsType(t, trigger.Paywall{}, h.orch.EvaluateRules(context.Background(), evt).Result)
		assert.IsType(t, trigger.Paywall{}, h.orch.EvaluateRules(context.Background(), evt).Result)

		third := h.orch.EvaluateRules(context.Background(), evt).Result
		noMatch, ok := third.(trigger.NoAudienceMatch)
		require.True(t, ok, "got %T", third)
		require.Len(t, noMatch.Unmatched, 1)
		assert.Equal(t, trigger.UnmatchOccurrence, noMatch.Unmatched[0].Source)

		h.clock.Advance(61 * time.Minute)
		assert.IsType(t, trigger.Paywall{}, h.orch.EvaluateRules(context.Background(), evt).Result)
	})

	t.Run("Should surface a missing assignment as a distinct error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())

		outcome := h.orch.EvaluateRules(context.Background(), trigger.Event{Name: "campaign_trigger"})

		errResult, ok := outcome.Result.(trigger.Error)
		require.True(t, ok, "got %T", outcome.Result)
		assert.ErrorIs(t, errResult.Err, assignment.ErrMissingAssignment)
	})

	t.Run("Should emit a confirmable for unconfirmed variants", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.resolver.SetUnconfirmed("exp-1", treatment)

		outcome := h.orch.EvaluateRules(context.Background(), trigger.Event{Name: "campaign_trigger"})

		require.NotNil(t, outcome.ConfirmableAssignment)
		assert.Equal(t, trigger.ConfirmableAssignment{ExperimentID: "exp-1", Variant: treatment}, *outcome.ConfirmableAssignment)
	})

	t.Run("Should return an error outcome when config never arrives", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, withReadinessTimeout(20*time.Millisecond))

		outcome := h.orch.EvaluateRules(context.Background(), trigger.Event{Name: "campaign_trigger"})

		assert.IsType(t, trigger.Error{}, outcome.Result)
	})
}

func TestOrchestrator_EndToEnd_CampaignTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publish(t, campaignTrigger())
	h.confirm(t, "exp-1", treatment)

	outcome := h.orch.EvaluateRules(context.Background(), trigger.Event{Name: "campaign_trigger"})
	wantExperiment := trigger.Experiment{ID: "exp-1", GroupID: "grp-1", Variant: treatment}
	assert.Equal(t, trigger.Outcome{Result: trigger.Paywall{Experiment: wantExperiment}}, outcome)

	state := h.orch.Present(context.Background(), h.request("campaign_trigger"))

	presented, ok := state.(Presented)
	require.True(t, ok, "got %#v", state)
	assert.Equal(t, []cache.Key{{PaywallID: "pw-spring", Locale: "en-US"}}, h.cache.Keys())
	assert.Equal(t, int32(1), h.builder.calls.Load())
	assert.Equal(t, 1, h.presenter.Count())
	assert.Equal(t, &wantExperiment, presented.Info.Experiment)
	assert.NotEmpty(t, presented.Info.SessionID)

	active, ok := h.sessions.Current()
	require.True(t, ok)
	assert.Equal(t, presented.Info.SessionID, active.ID)
}

func TestOrchestrator_RequestPresentation_Skips(t *testing.T) {
	t.Parallel()

	t.Run("Should skip holdouts, end the session and build nothing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", holdoutV)
		pending, _ := h.sessions.Pending("campaign_trigger")

		states := drain(t, h.orch.RequestPresentation(context.Background(), h.request("campaign_trigger")))

		require.Len(t, states, 1)
		skipped, ok := states[0].(Skipped)
		require.True(t, ok)
		assert.Equal(t, SkipHoldout, skipped.Reason)
		assert.Equal(t, "exp-1", skipped.Experiment.ID)
		assert.Zero(t, h.builder.calls.Load())
		_, active := h.sessions.Current()
		assert.False(t, active)
		next, _ := h.sessions.Pending("campaign_trigger")
		assert.NotEqual(t, pending, next, "the pending id was consumed and re-minted")
	})

	t.Run("Should skip when no rule matches", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, trigger.Trigger{
			EventName: "evt",
			Rules:     []trigger.Rule{{ExperimentID: "e1", Predicate: &trigger.Predicate{Expression: "false"}}},
		})

		state := h.orch.Present(context.Background(), h.request("evt"))

		skipped, ok := state.(Skipped)
		require.True(t, ok)
		assert.Equal(t, SkipNoAudienceMatch, skipped.Reason)
		assert.Len(t, skipped.Unmatched, 1)
		assert.Zero(t, h.builder.calls.Load())
	})

	t.Run("Should skip unknown placements", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())

		state := h.orch.Present(context.Background(), h.request("nope"))

		assert.Equal(t, Skipped{Reason: SkipPlacementNotFound}, state)
	})

	t.Run("Should skip subscribed users unless debugger-launched", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		h.status.Set(SubscriptionActive)

		state := h.orch.Present(context.Background(), h.request("campaign_trigger"))
		skipped, ok := state.(Skipped)
		require.True(t, ok)
		assert.Equal(t, SkipUserIsSubscribed, skipped.Reason)

		req := h.request("campaign_trigger")
		req.DebuggerLaunched = true
		assert.IsType(t, Presented{}, h.orch.Present(context.Background(), req))
	})

	t.Run("Should skip while the debugger is presenting", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		h.orch.SetDebuggerActive(true)

		assert.Equal(t, Skipped{Reason: SkipDebuggerPresented}, h.orch.Present(context.Background(), h.request("campaign_trigger")))
	})

	t.Run("Should skip when a paywall is already presented", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)

		require.IsType(t, Presented{}, h.orch.Present(context.Background(), h.request("campaign_trigger")))
		state := h.orch.Present(context.Background(), h.request("campaign_trigger"))

		assert.Equal(t, Skipped{Reason: SkipPaywallAlreadyPresented}, state)
		assert.Equal(t, 1, h.presenter.Count())
	})

	t.Run("Should skip without presenter but keep the surface cached", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		req := h.request("campaign_trigger")
		req.Presenter = nil

		state := h.orch.Present(context.Background(), req)

		skipped, ok := state.(Skipped)
		require.True(t, ok)
		assert.Equal(t, SkipNoPresenter, skipped.Reason)
		assert.Equal(t, 1, h.cache.Len())
		_, active := h.sessions.Current()
		assert.False(t, active, "sessions activate only on success")
	})

	t.Run("Should skip with NoConfig when retrieval failed", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.holder.Fail(errors.New("config endpoint down"))

		assert.Equal(t, Skipped{Reason: SkipNoConfig}, h.orch.Present(context.Background(), h.request("campaign_trigger")))
	})

	t.Run("Should time out waiting for the subscription status", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, withReadinessTimeout(30*time.Millisecond))
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		h.status.Set(SubscriptionUnknown)

		state := h.orch.Present(context.Background(), h.request("campaign_trigger"))

		assert.Equal(t, Skipped{Reason: SkipSubscriptionStatusTimeout}, state)
	})
}

func TestOrchestrator_RequestPresentation_Failures(t *testing.T) {
	t.Parallel()

	t.Run("Should report build failures and not cache them", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		h.builder.fail.Store(true)

		state := h.orch.Present(context.Background(), h.request("campaign_trigger"))

		presErr, ok := state.(PresentationError)
		require.True(t, ok, "got %#v", state)
		var buildErr *surface.BuildError
		require.ErrorAs(t, presErr.Err, &buildErr)
		assert.Equal(t, "pw-spring", buildErr.PaywallID)
		_, active := h.sessions.Current()
		assert.False(t, active)

		h.builder.fail.Store(false)
		assert.IsType(t, Presented{}, h.orch.Present(context.Background(), h.request("campaign_trigger")))
		assert.Equal(t, int32(2), h.builder.calls.Load())
	})

	t.Run("Should report data-consistency faults", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())

		state := h.orch.Present(context.Background(), h.request("campaign_trigger"))

		presErr, ok := state.(PresentationError)
		require.True(t, ok)
		var missing *assignment.MissingAssignmentError
		assert.ErrorAs(t, presErr.Err, &missing)
	})

	t.Run("Should roll back when the presenter fails", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		h.presenter.err = errors.New("no window")

		states := drain(t, h.orch.RequestPresentation(context.Background(), h.request("campaign_trigger")))

		require.Len(t, states, 1)
		assert.IsType(t, PresentationError{}, states[0])
		_, presenting := h.orch.Current()
		assert.False(t, presenting)
		_, active := h.sessions.Current()
		assert.False(t, active)
		_, pinned := h.cache.Active()
		assert.False(t, pinned)
	})

	t.Run("Should not confirm the assignment when the presenter fails", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.resolver.SetUnconfirmed("exp-1", treatment)
		h.presenter.err = errors.New("no window")

		state := h.orch.Present(context.Background(), h.request("campaign_trigger"))
		h.resolver.Wait()

		require.IsType(t, PresentationError{}, state)
		assert.NotContains(t, h.resolver.Confirmed(), "exp-1")
		assert.Equal(t, treatment, h.resolver.Unconfirmed()["exp-1"])
		stored, err := h.store.ReadConfirmed(context.Background())
		require.NoError(t, err)
		assert.Empty(t, stored)
	})

	t.Run("Should leave a cancelled build to complete for the next caller", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())
		h.confirm(t, "exp-1", treatment)
		h.builder.release = make(chan struct{})

		ctx, cancel := context.WithCancel(context.Background())
		ch := h.orch.RequestPresentation(ctx, h.request("campaign_trigger"))
		require.Eventually(t, func() bool { return h.builder.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		cancel()

		states := drain(t, ch)
		require.Len(t, states, 1)
		presErr, ok := states[0].(PresentationError)
		require.True(t, ok)
		assert.ErrorIs(t, presErr.Err, context.Canceled)
		_, active := h.sessions.Current()
		assert.False(t, active)

		close(h.builder.release)
		require.Eventually(t, func() bool { return h.cache.Len() == 1 }, time.Second, 5*time.Millisecond)
		assert.IsType(t, Presented{}, h.orch.Present(context.Background(), h.request("campaign_trigger")))
		assert.Equal(t, int32(1), h.builder.calls.Load())
	})
}

func TestOrchestrator_Dismiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publish(t, campaignTrigger())
	h.confirm(t, "exp-1", treatment)

	ch := h.orch.RequestPresentation(context.Background(), h.request("campaign_trigger"))
	first := <-ch
	presented, ok := first.(Presented)
	require.True(t, ok, "got %#v", first)
	current, ok := h.orch.Current()
	require.True(t, ok)
	assert.Equal(t, presented.Info, current)

	info, err := h.orch.Dismiss(context.Background(), DismissPurchased)
	require.NoError(t, err)
	assert.Equal(t, presented.Info, info)

	rest := drain(t, ch)
	assert.Equal(t, []State{Dismissed{Info: presented.Info, Result: DismissPurchased}, Finalized{}}, rest)

	_, active := h.sessions.Current()
	assert.False(t, active)
	_, pinned := h.cache.Active()
	assert.False(t, pinned)

	_, err = h.orch.Dismiss(context.Background(), DismissDeclined)
	assert.ErrorIs(t, err, ErrNothingPresented)

	assert.IsType(t, Presented{}, h.orch.Present(context.Background(), h.request("campaign_trigger")), "a new presentation is allowed after dismissal")
	assert.Equal(t, int32(1), h.builder.calls.Load(), "the surface was served from cache")
}

func TestOrchestrator_ConcurrentRequests(t *testing.T) {
	t.Parallel()

	gatedTrigger := func(expression string, v trigger.Variant) trigger.Trigger {
		return trigger.Trigger{
			EventName: "gated_event",
			Rules: []trigger.Rule{{
				ExperimentID:      "exp-b",
				ExperimentGroupID: "grp-b",
				Predicate:         &trigger.Predicate{Expression: expression},
				VariantOptions: []trigger.VariantOption{
					{ID: v.ID, Type: v.Type, Percentage: 100, PaywallID: v.PaywallID},
				},
			}},
		}
	}

	tests := []struct {
		name       string
		expression string
	}{
		{name: "Should keep the presented session when an overlapping request misses the audience", expression: "gated-false"},
		{name: "Should keep the presented session when an overlapping request is held out", expression: "gated-true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.publish(t, campaignTrigger(), gatedTrigger(tt.expression, holdoutV))
			h.confirm(t, "exp-1", treatment)
			h.resolver.SetUnconfirmed("exp-b", holdoutV)
			gatedPending, _ := h.sessions.Pending("gated_event")

			overlapping := make(chan State, 1)
			go func() { overlapping <- h.orch.Present(context.Background(), h.request("gated_event")) }()
			<-h.predicates.entered

			presented, ok := h.orch.Present(context.Background(), h.request("campaign_trigger")).(Presented)
			require.True(t, ok)
			require.NotEmpty(t, presented.Info.SessionID)

			close(h.predicates.gate)
			var state State
			select {
			case state = <-overlapping:
			case <-time.After(2 * time.Second):
				t.Fatal("overlapping request did not finish")
			}
			h.resolver.Wait()

			skipped, ok := state.(Skipped)
			require.True(t, ok, "got %#v", state)
			assert.Equal(t, SkipPaywallAlreadyPresented, skipped.Reason)

			active, ok := h.sessions.Current()
			require.True(t, ok)
			assert.Equal(t, presented.Info.SessionID, active.ID)
			assert.Equal(t, "campaign_trigger", active.EventName)
			stillPending, _ := h.sessions.Pending("gated_event")
			assert.Equal(t, gatedPending, stillPending, "the skipped request consumed no session id")
			assert.NotContains(t, h.resolver.Confirmed(), "exp-b")

			info, err := h.orch.Dismiss(context.Background(), DismissDeclined)
			require.NoError(t, err)
			assert.Equal(t, presented.Info.SessionID, info.SessionID)
			_, ok = h.sessions.Current()
			assert.False(t, ok)
		})
	}
}

func TestOrchestrator_ConfirmsOnSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publish(t, campaignTrigger())
	h.resolver.SetUnconfirmed("exp-1", treatment)

	require.IsType(t, Presented{}, h.orch.Present(context.Background(), h.request("campaign_trigger")))
	h.resolver.Wait()

	assert.Equal(t, treatment, h.resolver.Confirmed()["exp-1"])
	stored, err := h.store.ReadConfirmed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, treatment, stored["exp-1"])
}

func TestOrchestrator_GetPaywall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.publish(t, campaignTrigger())
	h.confirm(t, "exp-1", treatment)

	state := h.orch.Present(context.Background(), Request{
		Type:      TypeGetPaywall,
		Event:     trigger.Event{Name: "campaign_trigger"},
		Locale:    "pt_br",
		Overrides: surface.Overrides{Products: []string{"weekly"}},
	})

	presented, ok := state.(Presented)
	require.True(t, ok, "got %#v", state)
	assert.Equal(t, "pt-BR", presented.Info.Surface.Locale)
	assert.Equal(t, []string{"weekly"}, presented.Info.Surface.Products)
	assert.Empty(t, h.cache.Keys(), "overridden surfaces bypass the cache")
	_, active := h.sessions.Current()
	assert.False(t, active, "only presentations activate sessions")
	_, presenting := h.orch.Current()
	assert.False(t, presenting)
}

func TestOrchestrator_GetPresentationResult(t *testing.T) {
	t.Parallel()

	t.Run("Should be read-only", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		tr := campaignTrigger()
		tr.Rules[0].Occurrence = &trigger.Occurrence{Key: "once", MaxCount: 1, Interval: trigger.Infinity()}
		h.publish(t, tr)
		h.resolver.SetUnconfirmed("exp-1", treatment)
		pending, _ := h.sessions.Pending("campaign_trigger")
		evt := trigger.Event{Name: "campaign_trigger"}

		for range 3 {
			result := h.orch.GetPresentationResult(context.Background(), evt)
			assert.Equal(t, Paywall{Experiment: trigger.Experiment{ID: "exp-1", GroupID: "grp-1", Variant: treatment}}, result)
		}

		assert.Zero(t, h.builder.calls.Load())
		assert.Empty(t, h.cache.Keys())
		assert.Empty(t, h.resolver.Confirmed())
		still, _ := h.sessions.Pending("campaign_trigger")
		assert.Equal(t, pending, still)

		assert.IsType(t, trigger.Paywall{}, h.orch.EvaluateRules(context.Background(), evt).Result, "the occurrence was never recorded")
		assert.IsType(t, NoAudienceMatch{}, h.orch.GetPresentationResult(context.Background(), evt))
	})

	t.Run("Should map every trigger result", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.publish(t, campaignTrigger())

		assert.Equal(t, PlacementNotFound{}, h.orch.GetPresentationResult(context.Background(), trigger.Event{Name: "nope"}))
		assert.IsType(t, PaywallNotAvailable{}, h.orch.GetPresentationResult(context.Background(), trigger.Event{Name: "campaign_trigger"}))

		h.confirm(t, "exp-1", holdoutV)
		assert.IsType(t, Holdout{}, h.orch.GetPresentationResult(context.Background(), trigger.Event{Name: "campaign_trigger"}))
	})
}

func TestNew_PanicsOnMissingDependencies(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { New(nil, Dependencies{}, Options{}) })
}
