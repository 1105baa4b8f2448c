package ruleengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Engine evaluates audience rules.
type Engine struct {
	predicates PredicateEvaluator
	counter    OccurrenceCounter
	logger     *slog.Logger // Dedicated logger instance (DI)
}

// New creates a new Engine.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, predicates PredicateEvaluator, counter OccurrenceCounter) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if predicates == nil {
		panic("ruleengine: predicate evaluator cannot be nil")
	}
	if counter == nil {
		panic("ruleengine: occurrence counter cannot be nil")
	}

	return &Engine{
		predicates: predicates,
		counter:    counter,
		logger:     logger,
	}
}

// Evaluate scans t.Rules in list order and returns the first rule that fires.
//
// A predicate that fails (error or panic) is a non-match for that rule only,
// tagged EXPRESSION; the scan continues with the next rule. An occurrence
// limit that is exhausted, or a counter failure, is tagged OCCURRENCE.
func (e *Engine) Evaluate(ctx context.Context, t trigger.Trigger, input EvaluationInput) MatchOutcome {
	unmatched := make([]trigger.UnmatchedRule, 0, len(t.Rules))

	for _, rule := range t.Rules {
		matched, err := e.matchPredicate(ctx, rule, input.Attributes)
		if err != nil {
			// Fail Open Strategy: log and skip to the next rule.
			observability.PredicateErrors.Inc()
			e.logger.Error("rule evaluation failed",
				slog.String("error", err.Error()),
				slog.String("event_name", t.EventName),
				slog.String("experiment_id", rule.ExperimentID),
			)
			unmatched = append(unmatched, trigger.UnmatchedRule{
				ExperimentID: rule.ExperimentID,
				Source:       trigger.UnmatchExpression,
				Err:          err,
			})
			continue
		}
		if !matched {
			unmatched = append(unmatched, trigger.UnmatchedRule{
				ExperimentID: rule.ExperimentID,
				Source:       trigger.UnmatchExpression,
			})
			continue
		}

		if rule.Occurrence == nil {
			return Matched{Rule: rule}
		}

		fired, err := e.consume(ctx, *rule.Occurrence, input.DryRun)
		if err != nil {
			e.logger.Error("occurrence check failed",
				slog.String("error", err.Error()),
				slog.String("event_name", t.EventName),
				slog.String("experiment_id", rule.ExperimentID),
				slog.String("occurrence_key", rule.Occurrence.Key),
			)
			unmatched = append(unmatched, trigger.UnmatchedRule{
				ExperimentID: rule.ExperimentID,
				Source:       trigger.UnmatchOccurrence,
				Err:          err,
			})
			continue
		}
		if !fired {
			unmatched = append(unmatched, trigger.UnmatchedRule{
				ExperimentID: rule.ExperimentID,
				Source:       trigger.UnmatchOccurrence,
			})
			continue
		}

		out := Matched{Rule: rule}
		if input.DryRun {
			occ := *rule.Occurrence
			out.UnsavedOccurrence = &occ
		}
		return out
	}

	return NoMatch{Unmatched: unmatched}
}

func (e *Engine) consume(ctx context.Context, occ trigger.Occurrence, dryRun bool) (bool, error) {
	if dryRun {
		return e.counter.Check(ctx, occ)
	}
	return e.counter.Consume(ctx, occ)
}

// matchPredicate evaluates the rule's predicate, converting evaluator panics
// into errors so a single broken rule never aborts the scan.
func (e *Engine) matchPredicate(ctx context.Context, rule trigger.Rule, attrs trigger.Attributes) (matched bool, err error) {
	if rule.MatchesAll() {
		return true, nil
	}

	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("predicate evaluator panicked: %v", r)
		}
	}()

	return e.predicates.Evaluate(ctx, *rule.Predicate, attrs)
}
