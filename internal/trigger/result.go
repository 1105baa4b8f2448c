package trigger

import "fmt"

// Result is the decision produced for an event. It is a closed set:
// PlacementNotFound, NoAudienceMatch, Holdout, Paywall and Error.
type Result interface {
	isResult()
}

// PlacementNotFound means the event name is unknown to the current config.
type PlacementNotFound struct{}

// NoAudienceMatch means every rule was rejected. Unmatched lists the reason
// for each rule in evaluation order.
type NoAudienceMatch struct {
	Unmatched []UnmatchedRule
}

// Holdout means the user was assigned the holdout arm of the experiment.
type Holdout struct {
	Experiment Experiment
}

// Paywall means the user was assigned a treatment arm and a paywall should be shown.
type Paywall struct {
	Experiment Experiment
}

// Error carries a data-consistency fault found while resolving the decision.
type Error struct {
	Err error
}

func (PlacementNotFound) isResult() {}
func (NoAudienceMatch) isResult()   {}
func (Holdout) isResult()           {}
func (Paywall) isResult()           {}
func (Error) isResult()             {}

// ResultName returns a stable label for a result, used in logs and metrics.
func ResultName(r Result) string {
	switch r.(type) {
	case PlacementNotFound:
		return "placement_not_found"
	case NoAudienceMatch:
		return "no_audience_match"
	case Holdout:
		return "holdout"
	case Paywall:
		return "paywall"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown(%T)", r)
	}
}

// UnmatchSource tags why a rule did not fire.
type UnmatchSource string

const (
	UnmatchExpression UnmatchSource = "EXPRESSION"
	UnmatchOccurrence UnmatchSource = "OCCURRENCE"
)

// UnmatchedRule is the diagnostic record of a rule that did not fire.
type UnmatchedRule struct {
	ExperimentID string
	Source       UnmatchSource

	// Err is set when the rule was rejected because evaluation failed rather
	// than because the predicate or limit said no.
	Err error
}

// ConfirmableAssignment is a variant that was used but is not confirmed yet.
// The receiver owns it and is responsible for confirming it.
type ConfirmableAssignment struct {
	ExperimentID string
	Variant      Variant
}

// Outcome is the single source of truth the presentation pipeline branches on.
type Outcome struct {
	ConfirmableAssignment *ConfirmableAssignment

	// UnsavedOccurrence is set when occurrence limits were checked without
	// being recorded (dry-run evaluation).
	UnsavedOccurrence *Occurrence

	Result Result
}
