package decisionapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/core"
	"github.com/rafaeljc/paygate/internal/decisionapi"
	"github.com/rafaeljc/paygate/internal/presentation"
	"github.com/rafaeljc/paygate/internal/session"
	"github.com/rafaeljc/paygate/internal/snapshot"
	"github.com/rafaeljc/paygate/internal/store"
	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/testsupport"
	"github.com/rafaeljc/paygate/internal/trigger"
)

type fakeDecider struct {
	mu       sync.Mutex
	outcome  trigger.Outcome
	result   presentation.Result
	state    presentation.State
	info     presentation.Info
	dismiss  error
	requests []presentation.Request
	events   []trigger.Event
}

func (f *fakeDecider) EvaluateRules(_ context.Context, e trigger.Event) trigger.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.outcome
}

func (f *fakeDecider) GetPresentationResult(_ context.Context, e trigger.Event) presentation.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.result
}

func (f *fakeDecider) Present(_ context.Context, req presentation.Request) presentation.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.state
}

func (f *fakeDecider) Dismiss(context.Context, presentation.DismissResult) (presentation.Info, error) {
	return f.info, f.dismiss
}

func (f *fakeDecider) Current() (presentation.Info, bool) {
	return f.info, f.info.EventName != ""
}

type fakeSubscription struct {
	mu     sync.Mutex
	status presentation.SubscriptionStatus
}

func (f *fakeSubscription) Set(s presentation.SubscriptionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

type fakeSessions struct {
	active *session.Active
}

func (f fakeSessions) Current() (session.Active, bool) {
	if f.active == nil {
		return session.Active{}, false
	}
	return *f.active, true
}

func newAPI(d decisionapi.Decider) (*decisionapi.API, *fakeSubscription) {
	sub := &fakeSubscription{}
	api := decisionapi.NewAPI(nil, decisionapi.Dependencies{
		Decisions:    d,
		Subscription: sub,
		Sessions:     fakeSessions{},
	}, decisionapi.Options{})
	return api, sub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var experiment = trigger.Experiment{
	ID:      "exp-1",
	GroupID: "grp-1",
	Variant: trigger.Variant{ID: "var-a", Type: trigger.VariantTreatment, PaywallID: "pw-spring"},
}

func TestNewAPI_Panics(t *testing.T) {
	t.Parallel()

	d, sub, sess := &fakeDecider{}, &fakeSubscription{}, fakeSessions{}
	assert.Panics(t, func() {
		decisionapi.NewAPI(nil, decisionapi.Dependencies{Subscription: sub, Sessions: sess}, decisionapi.Options{})
	})
	assert.Panics(t, func() {
		decisionapi.NewAPI(nil, decisionapi.Dependencies{Decisions: d, Sessions: sess}, decisionapi.Options{})
	})
	assert.Panics(t, func() {
		decisionapi.NewAPI(nil, decisionapi.Dependencies{Decisions: d, Subscription: sub}, decisionapi.Options{})
	})
}

func TestAPI_EvaluateRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		outcome    trigger.Outcome
		wantStatus int
		check      func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:       "Should reject malformed json",
			body:       `{"name":`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "ERR_INVALID_JSON", decodeBody[decisionapi.ErrorResponse](t, rec).Code)
			},
		},
		{
			name:       "Should require an event name",
			body:       `{"name":"   "}`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "ERR_INVALID_INPUT", decodeBody[decisionapi.ErrorResponse](t, rec).Code)
			},
		},
		{
			name: "Should return the paywall decision",
			body: `{"name":"campaign_trigger","params":{"source":"push"}}`,
			outcome: trigger.Outcome{
				Result:                trigger.Paywall{Experiment: experiment},
				ConfirmableAssignment: &trigger.ConfirmableAssignment{ExperimentID: "exp-1", Variant: experiment.Variant},
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decodeBody[decisionapi.OutcomeResponse](t, rec)
				assert.Equal(t, "paywall", resp.Result)
				require.NotNil(t, resp.Experiment)
				assert.Equal(t, experiment, *resp.Experiment)
				require.NotNil(t, resp.ConfirmableAssignment)
				assert.Equal(t, "exp-1", resp.ConfirmableAssignment.ExperimentID)
			},
		},
		{
			name: "Should list unmatched rules",
			body: `{"name":"campaign_trigger"}`,
			outcome: trigger.Outcome{Result: trigger.NoAudienceMatch{Unmatched: []trigger.UnmatchedRule{
				{ExperimentID: "exp-1", Source: trigger.UnmatchExpression},
				{ExperimentID: "exp-2", Source: trigger.UnmatchOccurrence, Err: errors.New("store down")},
			}}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decodeBody[decisionapi.OutcomeResponse](t, rec)
				assert.Equal(t, "no_audience_match", resp.Result)
				assert.Equal(t, []decisionapi.UnmatchedRule{
					{ExperimentID: "exp-1", Source: "EXPRESSION"},
					{ExperimentID: "exp-2", Source: "OCCURRENCE", Error: "store down"},
				}, resp.Unmatched)
			},
		},
		{
			name:       "Should classify missing assignments",
			body:       `{"name":"campaign_trigger"}`,
			outcome:    trigger.Outcome{Result: trigger.Error{Err: &assignment.MissingAssignmentError{ExperimentID: "exp-1"}}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decodeBody[decisionapi.OutcomeResponse](t, rec)
				assert.Equal(t, "error", resp.Result)
				require.NotNil(t, resp.Error)
				assert.Equal(t, "missing_assignment", resp.Error.Kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api, _ := newAPI(&fakeDecider{outcome: tt.outcome})

			rec := do(t, api.Router, http.MethodPost, "/v1/rules/evaluate", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			tt.check(t, rec)
		})
	}

	t.Run("Should stamp events without a timestamp", func(t *testing.T) {
		t.Parallel()
		d := &fakeDecider{outcome: trigger.Outcome{Result: trigger.PlacementNotFound{}}}
		api, _ := newAPI(d)

		before := time.Now().UTC()
		rec := do(t, api.Router, http.MethodPost, "/v1/rules/evaluate", `{"name":" unknown "}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "placement_not_found", decodeBody[decisionapi.OutcomeResponse](t, rec).Result)
		require.Len(t, d.events, 1)
		assert.Equal(t, "unknown", d.events[0].Name)
		assert.False(t, d.events[0].Timestamp.Before(before.Add(-time.Second)))
	})
}

func TestAPI_PresentationResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result presentation.Result
		want   string
	}{
		{name: "Should map placement not found", result: presentation.PlacementNotFound{}, want: "placement_not_found"},
		{name: "Should map holdout", result: presentation.Holdout{Experiment: experiment}, want: "holdout"},
		{name: "Should map paywall", result: presentation.Paywall{Experiment: experiment}, want: "paywall"},
		{name: "Should map unavailable", result: presentation.PaywallNotAvailable{Err: context.DeadlineExceeded}, want: "paywall_not_available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api, _ := newAPI(&fakeDecider{result: tt.result})

			rec := do(t, api.Router, http.MethodPost, "/v1/presentations/result", `{"name":"campaign_trigger"}`)

			require.Equal(t, http.StatusOK, rec.Code)
			resp := decodeBody[decisionapi.ResultResponse](t, rec)
			assert.Equal(t, tt.want, resp.Result)
			if tt.want == "paywall_not_available" {
				require.NotNil(t, resp.Error)
				assert.Equal(t, "timeout", resp.Error.Kind)
			}
		})
	}
}

func TestAPI_RequestPresentation(t *testing.T) {
	t.Parallel()

	t.Run("Should reject unknown request types", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{})
		rec := do(t, api.Router, http.MethodPost, "/v1/presentations", `{"event":{"name":"a"},"type":"banner"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should reject unknown styles", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{})
		rec := do(t, api.Router, http.MethodPost, "/v1/presentations", `{"event":{"name":"a"},"overrides":{"style":"sideways"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should forward the request to the orchestrator", func(t *testing.T) {
		t.Parallel()
		d := &fakeDecider{state: presentation.Skipped{Reason: presentation.SkipUserIsSubscribed, Experiment: &experiment}}
		api, _ := newAPI(d)

		rec := do(t, api.Router, http.MethodPost, "/v1/presentations",
			`{"event":{"name":"campaign_trigger"},"type":"GET_PAYWALL","locale":"pt-BR","overrides":{"style":"modal"},"debugger_launched":true}`)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[decisionapi.StateResponse](t, rec)
		assert.Equal(t, "skipped", resp.State)
		assert.Equal(t, "USER_IS_SUBSCRIBED", resp.Reason)

		require.Len(t, d.requests, 1)
		req := d.requests[0]
		assert.Equal(t, presentation.TypeGetPaywall, req.Type)
		assert.Equal(t, "pt-BR", req.Locale)
		assert.Equal(t, surface.StyleModal, req.Overrides.Style)
		assert.True(t, req.DebuggerLaunched)
		assert.NotNil(t, req.Presenter)
	})

	t.Run("Should answer 500 on presentation errors", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		buildErr := &surface.BuildError{PaywallID: "pw-spring", Locale: "en-US", Err: errors.New("template missing")}
		api := decisionapi.NewAPI(logger, decisionapi.Dependencies{
			Decisions:    &fakeDecider{state: presentation.PresentationError{Err: buildErr}},
			Subscription: &fakeSubscription{},
			Sessions:     fakeSessions{},
		}, decisionapi.Options{})

		rec := do(t, api.Router, http.MethodPost, "/v1/presentations", `{"event":{"name":"campaign_trigger"}}`)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decodeBody[decisionapi.StateResponse](t, rec)
		assert.Equal(t, "presentation_error", resp.State)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "surface_build", resp.Error.Kind)
		assert.Contains(t, buf.String(), "presentation failed")
		assert.Contains(t, buf.String(), "request_id=")
	})
}

func TestAPI_Dismiss(t *testing.T) {
	t.Parallel()

	t.Run("Should reject unknown results", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{})
		rec := do(t, api.Router, http.MethodPost, "/v1/presentations/dismiss", `{"result":"CLOSED"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should answer 409 when nothing is presented", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{dismiss: presentation.ErrNothingPresented})
		rec := do(t, api.Router, http.MethodPost, "/v1/presentations/dismiss", `{"result":"DECLINED"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_NOTHING_PRESENTED", decodeBody[decisionapi.ErrorResponse](t, rec).Code)
	})

	t.Run("Should return the dismissed presentation", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{info: presentation.Info{EventName: "campaign_trigger", SessionID: "s-1"}})
		rec := do(t, api.Router, http.MethodPost, "/v1/presentations/dismiss", `{"result":"PURCHASED"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[decisionapi.DismissResponse](t, rec)
		assert.Equal(t, "PURCHASED", resp.Result)
		assert.Equal(t, "s-1", resp.Info.SessionID)
	})
}

func TestAPI_SubscriptionAndSessions(t *testing.T) {
	t.Parallel()

	t.Run("Should set a valid subscription status", func(t *testing.T) {
		t.Parallel()
		api, sub := newAPI(&fakeDecider{})

		rec := do(t, api.Router, http.MethodPut, "/v1/subscription-status", `{"status":"ACTIVE"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, presentation.SubscriptionActive, sub.status)
	})

	t.Run("Should reject an unknown subscription status", func(t *testing.T) {
		t.Parallel()
		api, sub := newAPI(&fakeDecider{})

		rec := do(t, api.Router, http.MethodPut, "/v1/subscription-status", `{"status":"TRIAL"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, sub.status)
	})

	t.Run("Should report the active session", func(t *testing.T) {
		t.Parallel()
		active := &session.Active{ID: "s-1", EventName: "campaign_trigger"}
		api := decisionapi.NewAPI(nil, decisionapi.Dependencies{
			Decisions:    &fakeDecider{},
			Subscription: &fakeSubscription{},
			Sessions:     fakeSessions{active: active},
		}, decisionapi.Options{})

		rec := do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "s-1", decodeBody[session.Active](t, rec).ID)
	})

	t.Run("Should answer 404 without an active session", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{})
		rec := do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAPI_Middleware(t *testing.T) {
	t.Parallel()

	t.Run("Should echo the client request id", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{})
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/active", nil)
		req.Header.Set(decisionapi.RequestIDHeader, "req-42")
		rec := httptest.NewRecorder()

		api.Router.ServeHTTP(rec, req)

		assert.Equal(t, "req-42", rec.Header().Get(decisionapi.RequestIDHeader))
	})

	t.Run("Should mint a request id when absent", func(t *testing.T) {
		t.Parallel()
		api, _ := newAPI(&fakeDecider{})
		rec := do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")
		assert.Len(t, rec.Header().Get(decisionapi.RequestIDHeader), 36)
	})

	t.Run("Should rate limit by client ip", func(t *testing.T) {
		t.Parallel()
		api := decisionapi.NewAPI(nil, decisionapi.Dependencies{
			Decisions:    &fakeDecider{},
			Subscription: &fakeSubscription{},
			Sessions:     fakeSessions{},
		}, decisionapi.Options{RateLimit: 1, RateWindow: time.Minute})

		first := do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")
		second := do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")

		assert.Equal(t, http.StatusNotFound, first.Code)
		assert.Equal(t, http.StatusTooManyRequests, second.Code)
	})
}

func TestAPI_Metrics(t *testing.T) {
	// Not parallel: asserts deltas of the shared request counter.
	api, _ := newAPI(&fakeDecider{outcome: trigger.Outcome{Result: trigger.PlacementNotFound{}}})

	labels := map[string]string{"method": "POST", "path": "/v1/rules/evaluate", "code": "200"}
	testsupport.AssertMetricDelta(t, "paygate_decision_api_http_requests_total", labels, 1, func() {
		do(t, api.Router, http.MethodPost, "/v1/rules/evaluate", `{"name":"a"}`)
	})
	testsupport.AssertHistogramRecorded(t, "paygate_decision_api_http_handling_seconds",
		map[string]string{"method": "POST", "path": "/v1/rules/evaluate"})
}

const configDoc = `
triggers:
  - event_name: campaign_trigger
    rules:
      - experiment_id: exp-1
        experiment_group_id: grp-1
        expression: "params.source == 'push'"
        variants:
          - id: var-a
            type: TREATMENT
            percentage: 100
            paywall_id: pw-spring
paywalls:
  - id: pw-spring
    name: Spring Sale
    url: https://paywalls.example.com/spring
    locales: [en-US]
    products: [monthly, annual]
`

func TestAPI_EndToEnd(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	c, err := core.New(context.Background(), nil, core.Stores{Occurrences: mem, Assignments: mem}, core.Options{UserID: "user-1"})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	snap, err := snapshot.Parse(strings.NewReader(configDoc), "yaml")
	require.NoError(t, err)
	_, err = c.Apply(context.Background(), snap)
	require.NoError(t, err)

	api := decisionapi.NewAPI(nil, decisionapi.Dependencies{
		Decisions:    c.Orchestrator,
		Subscription: c.Subscription,
		Sessions:     c.Sessions,
	}, decisionapi.Options{})

	rec := do(t, api.Router, http.MethodPut, "/v1/subscription-status", `{"status":"INACTIVE"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, api.Router, http.MethodPost, "/v1/presentations/result", `{"name":"campaign_trigger","params":{"source":"push"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paywall", decodeBody[decisionapi.ResultResponse](t, rec).Result)

	rec = do(t, api.Router, http.MethodPost, "/v1/presentations", `{"event":{"name":"campaign_trigger","params":{"source":"push"}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decodeBody[decisionapi.StateResponse](t, rec)
	assert.Equal(t, "presented", state.State)
	require.NotNil(t, state.Info)
	require.NotNil(t, state.Info.Surface)
	assert.Equal(t, "pw-spring", state.Info.Surface.PaywallID)

	rec = do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, state.Info.SessionID, decodeBody[session.Active](t, rec).ID)

	rec = do(t, api.Router, http.MethodPost, "/v1/presentations", `{"event":{"name":"campaign_trigger","params":{"source":"push"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAYWALL_ALREADY_PRESENTED", decodeBody[decisionapi.StateResponse](t, rec).Reason)

	rec = do(t, api.Router, http.MethodPost, "/v1/presentations/dismiss", `{"result":"DECLINED"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, api.Router, http.MethodGet, "/v1/sessions/active", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
