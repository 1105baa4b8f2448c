package ruleengine

import (
	"errors"
	"fmt"

	"github.com/rafaeljc/paygate/internal/trigger"
)

const (
	// MaxRulesPerTrigger bounds the linear scan performed for every event.
	// Each rule may cost a predicate evaluation and a storage round-trip.
	MaxRulesPerTrigger = 100
)

// PredicateValidator compiles a predicate without evaluating it.
type PredicateValidator interface {
	Validate(p trigger.Predicate) error
}

// ValidateTriggers checks every trigger of a config snapshot before it is
// published, so evaluation never sees a structurally broken rule.
// All problems are reported, joined into one error.
func ValidateTriggers(triggers map[string]trigger.Trigger, validator PredicateValidator) error {
	var errs []error
	for name, t := range triggers {
		if err := ValidateTrigger(t, validator); err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", name, err))
		}
		if t.EventName != name {
			errs = append(errs, fmt.Errorf("trigger %q: event name mismatch (%q)", name, t.EventName))
		}
	}
	return errors.Join(errs...)
}

// ValidateTrigger checks a single trigger.
func ValidateTrigger(t trigger.Trigger, validator PredicateValidator) error {
	if t.EventName == "" {
		return errors.New("event name is required")
	}
	if len(t.Rules) > MaxRulesPerTrigger {
		return fmt.Errorf("trigger has %d rules, maximum is %d", len(t.Rules), MaxRulesPerTrigger)
	}

	var errs []error
	for i, rule := range t.Rules {
		if err := validateRule(rule, validator); err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, rule.ExperimentID, err))
		}
	}
	return errors.Join(errs...)
}

func validateRule(rule trigger.Rule, validator PredicateValidator) error {
	if rule.ExperimentID == "" {
		return errors.New("experiment id is required")
	}
	if len(rule.VariantOptions) == 0 {
		return errors.New("at least one variant is required")
	}

	total := 0
	for _, opt := range rule.VariantOptions {
		if opt.ID == "" {
			return errors.New("variant id is required")
		}
		switch opt.Type {
		case trigger.VariantTreatment:
			if opt.PaywallID == "" {
				return fmt.Errorf("treatment variant %q has no paywall id", opt.ID)
			}
		case trigger.VariantHoldout:
		default:
			return fmt.Errorf("variant %q has unknown type %q", opt.ID, opt.Type)
		}
		if opt.Percentage < 0 || opt.Percentage > 100 {
			return fmt.Errorf("variant %q percentage must be between 0 and 100, got %d", opt.ID, opt.Percentage)
		}
		total += opt.Percentage
	}
	if total > 100 {
		return fmt.Errorf("variant percentages add up to %d, maximum is 100", total)
	}

	if occ := rule.Occurrence; occ != nil {
		if occ.Key == "" {
			return errors.New("occurrence key is required")
		}
		if occ.MaxCount < 0 {
			return fmt.Errorf("occurrence max count must not be negative, got %d", occ.MaxCount)
		}
	}

	if !rule.MatchesAll() && validator != nil {
		if err := validator.Validate(*rule.Predicate); err != nil {
			return fmt.Errorf("invalid predicate: %w", err)
		}
	}
	return nil
}
