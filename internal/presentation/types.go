package presentation

import (
	"context"
	"fmt"
	"time"

	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// SubscriptionStatus is the entitlement state of the user.
type SubscriptionStatus string

const (
	SubscriptionUnknown  SubscriptionStatus = "UNKNOWN"
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionInactive SubscriptionStatus = "INACTIVE"
)

// ParseSubscriptionStatus normalizes a status read from a request.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(s) {
	case SubscriptionUnknown, SubscriptionActive, SubscriptionInactive:
		return SubscriptionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
}

// RequestType selects how far the pipeline goes.
type RequestType int

const (
	// TypePresentation builds the surface and hands it to a presenter.
	TypePresentation RequestType = iota
	// TypeGetPaywall builds the surface and returns it without presenting.
	TypeGetPaywall
)

func (t RequestType) String() string {
	switch t {
	case TypePresentation:
		return "presentation"
	case TypeGetPaywall:
		return "get_paywall"
	default:
		return fmt.Sprintf("RequestType(%d)", int(t))
	}
}

// Presenter displays a built surface. It is the host context of a presentation.
type Presenter interface {
	Present(ctx context.Context, s *surface.Surface, info Info) error
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ctx context.Context, s *surface.Surface, info Info) error

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, s *surface.Surface, info Info) error {
	return f(ctx, s, info)
}

// Request is one presentation attempt.
type Request struct {
	Type  RequestType
	Event trigger.Event

	// DebuggerLaunched marks requests issued from the paywall debugger. They
	// bypass the surface cache and the subscription check.
	DebuggerLaunched bool

	// Overrides are applied to the built surface.
	Overrides surface.Overrides

	// Locale of the surface. Empty uses the orchestrator default.
	Locale string

	// Presenter is required for TypePresentation; nil falls back to the
	// orchestrator's presenter.
	Presenter Presenter

	// Subscription overrides the orchestrator's subscription status source.
	Subscription StatusSource
}

// Info describes a presented (or built) surface.
type Info struct {
	EventName   string              `json:"event_name"`
	SessionID   string              `json:"session_id,omitempty"`
	Experiment  *trigger.Experiment `json:"experiment,omitempty"`
	Surface     *surface.Surface    `json:"surface,omitempty"`
	PresentedAt time.Time           `json:"presented_at"`
}

// SkipReason is why a request ended without presenting.
type SkipReason string

const (
	SkipPlacementNotFound         SkipReason = "PLACEMENT_NOT_FOUND"
	SkipNoAudienceMatch           SkipReason = "NO_AUDIENCE_MATCH"
	SkipHoldout                   SkipReason = "HOLDOUT"
	SkipUserIsSubscribed          SkipReason = "USER_IS_SUBSCRIBED"
	SkipDebuggerPresented         SkipReason = "DEBUGGER_PRESENTED"
	SkipPaywallAlreadyPresented   SkipReason = "PAYWALL_ALREADY_PRESENTED"
	SkipNoPresenter               SkipReason = "NO_PRESENTER"
	SkipNoConfig                  SkipReason = "NO_CONFIG"
	SkipSubscriptionStatusTimeout SkipReason = "SUBSCRIPTION_STATUS_TIMEOUT"
)

// DismissResult is how the user left a presented surface.
type DismissResult string

const (
	DismissDeclined  DismissResult = "DECLINED"
	DismissPurchased DismissResult = "PURCHASED"
	DismissRestored  DismissResult = "RESTORED"
)

// State is one element of a presentation stream. It is a closed set:
// Presented, PresentationError, Dismissed, Skipped and Finalized.
type State interface {
	isState()
}

// Presented is emitted once the surface was handed to the presenter, or
// built for TypeGetPaywall.
type Presented struct {
	Info Info
}

// PresentationError is a terminal failure: surface build, presenter or
// data-consistency fault.
type PresentationError struct {
	Err error
}

// Dismissed is emitted when a presented surface is dismissed.
type Dismissed struct {
	Info   Info
	Result DismissResult
}

// Skipped is a terminal, non-fatal decision not to present.
type Skipped struct {
	Reason     SkipReason
	Experiment *trigger.Experiment
	Unmatched  []trigger.UnmatchedRule
}

// Finalized closes the stream of a presentation that was dismissed.
type Finalized struct{}

func (Presented) isState()         {}
func (PresentationError) isState() {}
func (Dismissed) isState()         {}
func (Skipped) isState()           {}
func (Finalized) isState()         {}

// StateName returns a stable label for a state, used in logs and metrics.
func StateName(s State) string {
	switch s.(type) {
	case Presented:
		return "presented"
	case PresentationError:
		return "presentation_error"
	case Dismissed:
		return "dismissed"
	case Skipped:
		return "skipped"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%T)", s)
	}
}

// Result answers a read-only GetPresentationResult query. It is a closed
// set: PlacementNotFound, NoAudienceMatch, Holdout, Paywall and
// PaywallNotAvailable.
type Result interface {
	isPresentationResult()
}

type (
	// PlacementNotFound means the event is unknown to the current config.
	PlacementNotFound struct{}

	// NoAudienceMatch means no rule would fire.
	NoAudienceMatch struct {
		Unmatched []trigger.UnmatchedRule
	}

	// Holdout means the user is in the holdout arm.
	Holdout struct {
		Experiment trigger.Experiment
	}

	// Paywall means a paywall would be shown.
	Paywall struct {
		Experiment trigger.Experiment
	}

	// PaywallNotAvailable means the decision could not be made.
	PaywallNotAvailable struct {
		Err error
	}
)

func (PlacementNotFound) isPresentationResult()   {}
func (NoAudienceMatch) isPresentationResult()     {}
func (Holdout) isPresentationResult()             {}
func (Paywall) isPresentationResult()             {}
func (PaywallNotAvailable) isPresentationResult() {}
