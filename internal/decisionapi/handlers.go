package decisionapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/rafaeljc/paygate/internal/logger"
	"github.com/rafaeljc/paygate/internal/presentation"
)

// decode reads a JSON body into v and answers 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, r *http.Request, errResp *ErrorResponse) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errResp)
}

// handleEvaluateRules processes POST /v1/rules/evaluate. Occurrences of the
// firing rule are recorded.
func (a *API) handleEvaluateRules(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	outcome := a.deps.Decisions.EvaluateRules(r.Context(), req.Event(a.now()))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, NewOutcomeResponse(outcome))
}

// handlePresentationResult processes POST /v1/presentations/result, a dry
// run of a presentation.
func (a *API) handlePresentationResult(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	result := a.deps.Decisions.GetPresentationResult(r.Context(), req.Event(a.now()))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, NewResultResponse(result))
}

// handleRequestPresentation processes POST /v1/presentations.
//
// The first state of the presentation is returned. Presented and Skipped
// answer 200; a PresentationError answers 500 with the same body shape.
func (a *API) handleRequestPresentation(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req PresentationRequest
	if !decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}
	reqType, _ := parseRequestType(req.Type)

	state := a.deps.Decisions.Present(r.Context(), presentation.Request{
		Type:             reqType,
		Event:            req.Event.Event(a.now()),
		DebuggerLaunched: req.DebuggerLaunched,
		Overrides:        req.Overrides,
		Locale:           req.Locale,
		Presenter:        a.presenter,
	})

	resp := mapState(state)
	if pe, failed := state.(presentation.PresentationError); failed {
		log.Error("presentation failed",
			slog.String("event_name", req.Event.Name),
			slog.String("error", pe.Err.Error()),
		)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, resp)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleDismiss processes POST /v1/presentations/dismiss.
func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req DismissRequest
	if !decode(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	info, err := a.deps.Decisions.Dismiss(r.Context(), presentation.DismissResult(req.Result))
	if err != nil {
		if errors.Is(err, presentation.ErrNothingPresented) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_NOTHING_PRESENTED",
				Message: "No paywall is currently presented",
			})
			return
		}
		logger.FromContext(r.Context()).Error("failed to dismiss paywall", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to dismiss paywall"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, DismissResponse{Result: req.Result, Info: info})
}

// handleCurrentPresentation processes GET /v1/presentations/current.
func (a *API) handleCurrentPresentation(w http.ResponseWriter, r *http.Request) {
	info, ok := a.deps.Decisions.Current()
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOTHING_PRESENTED", Message: "No paywall is currently presented"})
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, info)
}

// handleSubscriptionStatus processes PUT /v1/subscription-status.
// Presentations waiting for a known status resume once it is set.
func (a *API) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionStatusRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := presentation.ParseSubscriptionStatus(req.Status)
	if err != nil {
		badRequest(w, r, &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Status must be UNKNOWN, ACTIVE or INACTIVE"})
		return
	}

	a.deps.Subscription.Set(status)
	logger.FromContext(r.Context()).Info("subscription status updated", slog.String("status", string(status)))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SubscriptionStatusRequest{Status: string(status)})
}

// handleActiveSession processes GET /v1/sessions/active.
func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	active, ok := a.deps.Sessions.Current()
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NO_ACTIVE_SESSION", Message: "No trigger session is active"})
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, active)
}
