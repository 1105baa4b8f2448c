package decisionapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/presentation"
	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`
}

// EventRequest is an application event reported by the host.
type EventRequest struct {
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Sanitize trims the event name.
func (e *EventRequest) Sanitize() {
	e.Name = strings.TrimSpace(e.Name)
}

// Validate checks the required fields.
func (e *EventRequest) Validate() *ErrorResponse {
	if e.Name == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Event name is required"}
	}
	return nil
}

// Event converts the request into a domain event, stamping it with now when
// the client sent no timestamp.
func (e *EventRequest) Event(now time.Time) trigger.Event {
	ts := now.UTC()
	if e.Timestamp != nil && !e.Timestamp.IsZero() {
		ts = e.Timestamp.UTC()
	}
	return trigger.Event{Name: e.Name, Params: e.Params, Timestamp: ts}
}

// PresentationRequest asks for a presentation or for a built paywall.
type PresentationRequest struct {
	Event EventRequest `json:"event"`

	// Type is "presentation" (default) or "get_paywall".
	Type             string            `json:"type,omitempty"`
	Locale           string            `json:"locale,omitempty"`
	Overrides        surface.Overrides `json:"overrides,omitempty"`
	DebuggerLaunched bool              `json:"debugger_launched,omitempty"`
}

// Sanitize normalizes the request in place.
func (p *PresentationRequest) Sanitize() {
	p.Event.Sanitize()
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	p.Locale = strings.TrimSpace(p.Locale)
	p.Overrides.Style = surface.Style(strings.ToUpper(strings.TrimSpace(string(p.Overrides.Style))))
}

// Validate checks the request.
func (p *PresentationRequest) Validate() *ErrorResponse {
	if errResp := p.Event.Validate(); errResp != nil {
		return errResp
	}
	if _, err := parseRequestType(p.Type); err != nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: err.Error()}
	}
	switch p.Overrides.Style {
	case "", surface.StyleModal, surface.StyleFullscreen, surface.StylePush:
	default:
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Unknown presentation style " + string(p.Overrides.Style)}
	}
	return nil
}

func parseRequestType(s string) (presentation.RequestType, error) {
	switch s {
	case "", presentation.TypePresentation.String():
		return presentation.TypePresentation, nil
	case presentation.TypeGetPaywall.String():
		return presentation.TypeGetPaywall, nil
	default:
		return 0, errors.New("type must be presentation or get_paywall")
	}
}

// DismissRequest reports how the user left the presented paywall.
type DismissRequest struct {
	Result string `json:"result"`
}

// Validate checks the dismiss result.
func (d *DismissRequest) Validate() *ErrorResponse {
	switch presentation.DismissResult(d.Result) {
	case presentation.DismissDeclined, presentation.DismissPurchased, presentation.DismissRestored:
		return nil
	default:
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Result must be DECLINED, PURCHASED or RESTORED"}
	}
}

// SubscriptionStatusRequest sets the subscription status of the user.
type SubscriptionStatusRequest struct {
	Status string `json:"status"`
}

// UnmatchedRule explains why a rule did not fire.
type UnmatchedRule struct {
	ExperimentID string `json:"experiment_id"`
	Source       string `json:"source"`
	Error        string `json:"error,omitempty"`
}

// Assignment is a variant waiting for confirmation.
type Assignment struct {
	ExperimentID string          `json:"experiment_id"`
	Variant      trigger.Variant `json:"variant"`
}

// OutcomeResponse is the body of a rule evaluation.
type OutcomeResponse struct {
	Result                string              `json:"result"`
	Experiment            *trigger.Experiment `json:"experiment,omitempty"`
	Unmatched             []UnmatchedRule     `json:"unmatched,omitempty"`
	Error                 *ErrorDetail        `json:"error,omitempty"`
	ConfirmableAssignment *Assignment         `json:"confirmable_assignment,omitempty"`
	UnsavedOccurrence     *trigger.Occurrence `json:"unsaved_occurrence,omitempty"`
}

// ErrorDetail describes a decision that could not be made.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultResponse is the body of a presentation result query.
type ResultResponse struct {
	Result     string              `json:"result"`
	Experiment *trigger.Experiment `json:"experiment,omitempty"`
	Unmatched  []UnmatchedRule     `json:"unmatched,omitempty"`
	Error      *ErrorDetail        `json:"error,omitempty"`
}

// StateResponse is the first state of a presentation request.
type StateResponse struct {
	State      string              `json:"state"`
	Info       *presentation.Info  `json:"info,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Experiment *trigger.Experiment `json:"experiment,omitempty"`
	Unmatched  []UnmatchedRule     `json:"unmatched,omitempty"`
	Error      *ErrorDetail        `json:"error,omitempty"`
}

// DismissResponse is the body of a successful dismissal.
type DismissResponse struct {
	Result string            `json:"result"`
	Info   presentation.Info `json:"info"`
}

func mapUnmatched(rules []trigger.UnmatchedRule) []UnmatchedRule {
	if len(rules) == 0 {
		return nil
	}
	out := make([]UnmatchedRule, 0, len(rules))
	for _, r := range rules {
		u := UnmatchedRule{ExperimentID: r.ExperimentID, Source: string(r.Source)}
		if r.Err != nil {
			u.Error = r.Err.Error()
		}
		out = append(out, u)
	}
	return out
}

// errorDetail classifies err for clients.
func errorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	kind := "internal"
	var missing *assignment.MissingAssignmentError
	var build *surface.BuildError
	switch {
	case errors.As(err, &missing):
		kind = "missing_assignment"
	case errors.As(err, &build):
		kind = "surface_build"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	}
	return &ErrorDetail{Kind: kind, Message: err.Error()}
}

// NewOutcomeResponse converts a rule evaluation outcome into its wire form.
func NewOutcomeResponse(o trigger.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Result:            trigger.ResultName(o.Result),
		UnsavedOccurrence: o.UnsavedOccurrence,
	}
	if ca := o.ConfirmableAssignment; ca != nil {
		resp.ConfirmableAssignment = &Assignment{ExperimentID: ca.ExperimentID, Variant: ca.Variant}
	}
	switch r := o.Result.(type) {
	case trigger.NoAudienceMatch:
		resp.Unmatched = mapUnmatched(r.Unmatched)
	case trigger.Holdout:
		resp.Experiment = &r.Experiment
	case trigger.Paywall:
		resp.Experiment = &r.Experiment
	case trigger.Error:
		resp.Error = errorDetail(r.Err)
	}
	return resp
}

// NewResultResponse converts a presentation result into its wire form.
func NewResultResponse(r presentation.Result) ResultResponse {
	switch r := r.(type) {
	case presentation.PlacementNotFound:
		return ResultResponse{Result: "placement_not_found"}
	case presentation.NoAudienceMatch:
		return ResultResponse{Result: "no_audience_match", Unmatched: mapUnmatched(r.Unmatched)}
	case presentation.Holdout:
		return ResultResponse{Result: "holdout", Experiment: &r.Experiment}
	case presentation.Paywall:
		return ResultResponse{Result: "paywall", Experiment: &r.Experiment}
	case presentation.PaywallNotAvailable:
		return ResultResponse{Result: "paywall_not_available", Error: errorDetail(r.Err)}
	default:
		return ResultResponse{Result: "paywall_not_available", Error: &ErrorDetail{Kind: "internal", Message: "unexpected result"}}
	}
}

func mapState(s presentation.State) StateResponse {
	resp := StateResponse{State: presentation.StateName(s)}
	switch s := s.(type) {
	case presentation.Presented:
		resp.Info = &s.Info
		if s.Info.Experiment != nil {
			resp.Experiment = s.Info.Experiment
		}
	case presentation.Skipped:
		resp.Reason = string(s.Reason)
		resp.Experiment = s.Experiment
		resp.Unmatched = mapUnmatched(s.Unmatched)
	case presentation.PresentationError:
		resp.Error = errorDetail(s.Err)
	}
	return resp
}
