// Package ruleengine implements the audience rule evaluator.
//
// Given an event and a trigger, the Engine scans the trigger's rules in
// declaration order and stops at the first rule whose predicate matches and
// whose occurrence limit allows it to fire. When nothing fires, it reports the
// reason every rule was rejected.
package ruleengine

import (
	"context"

	"github.com/rafaeljc/paygate/internal/trigger"
)

// PredicateEvaluator is the pluggable expression evaluator capability.
// Implementations may block (sandboxed or remote evaluation).
type PredicateEvaluator interface {
	Evaluate(ctx context.Context, p trigger.Predicate, attrs trigger.Attributes) (bool, error)
}

// OccurrenceCounter is the rate-limit capability consulted after a predicate matches.
type OccurrenceCounter interface {
	// Consume records the occurrence if the limit allows it and reports whether it fired.
	Consume(ctx context.Context, occ trigger.Occurrence) (bool, error)

	// Check reports whether the occurrence could fire without recording it.
	Check(ctx context.Context, occ trigger.Occurrence) (bool, error)
}

// EvaluationInput aggregates all the context needed to evaluate a trigger.
type EvaluationInput struct {
	// Event is the application event being evaluated (The "What").
	Event trigger.Event

	// Attributes is the predicate input (params, user, device).
	Attributes trigger.Attributes

	// DryRun checks occurrence limits without recording them. The matching
	// rule's occurrence is then returned as unsaved.
	DryRun bool
}

// MatchOutcome is the result of scanning a trigger: Matched or NoMatch.
type MatchOutcome interface {
	isMatchOutcome()
}

// Matched reports the first rule that fired.
type Matched struct {
	Rule trigger.Rule

	// UnsavedOccurrence is the rule's occurrence when it was only checked (DryRun).
	UnsavedOccurrence *trigger.Occurrence
}

// NoMatch reports that no rule fired, with one reason per rule in order.
type NoMatch struct {
	Unmatched []trigger.UnmatchedRule
}

func (Matched) isMatchOutcome() {}
func (NoMatch) isMatchOutcome() {}
