package assignment

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spaolacci/murmur3"

	"github.com/rafaeljc/paygate/internal/trigger"
)

// ChooseVariant picks a variant option by weight.
//
// The choice is sticky: the bucket is a Murmur3 hash of "userID:experimentID",
// so the same user always lands on the same option for a given experiment
// while buckets stay independent across experiments. When all weights are
// zero the first option is returned.
func ChooseVariant(userID, experimentID string, options []trigger.VariantOption) (trigger.Variant, bool) {
	if len(options) == 0 {
		return trigger.Variant{}, false
	}

	total := 0
	for _, opt := range options {
		if opt.Percentage > 0 {
			total += opt.Percentage
		}
	}
	if total == 0 {
		return options[0].Variant(), true
	}

	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(fmt.Sprintf("%s:%s", userID, experimentID)))
	bucket := int(hasher.Sum32() % uint32(total))

	cumulative := 0
	for _, opt := range options {
		if opt.Percentage <= 0 {
			continue
		}
		cumulative += opt.Percentage
		if bucket < cumulative {
			return opt.Variant(), true
		}
	}
	return options[len(options)-1].Variant(), true
}

// ChooseUnassigned assigns an unconfirmed variant to every experiment
// referenced by triggers that has no assignment yet. Existing assignments,
// confirmed or not, are left untouched. It returns the number of new assignments.
func (r *Resolver) ChooseUnassigned(triggers map[string]trigger.Trigger, userID string) int {
	names := make([]string, 0, len(triggers))
	for name := range triggers {
		names = append(names, name)
	}
	slices.Sort(names)

	r.mu.Lock()
	defer r.mu.Unlock()

	chosen := 0
	for _, name := range names {
		for _, rule := range triggers[name].Rules {
			if _, ok := r.confirmed[rule.ExperimentID]; ok {
				continue
			}
			if _, ok := r.unconfirmed[rule.ExperimentID]; ok {
				continue
			}
			v, ok := ChooseVariant(userID, rule.ExperimentID, rule.VariantOptions)
			if !ok {
				r.logger.Warn("experiment has no variants to choose from",
					slog.String("experiment_id", rule.ExperimentID),
					slog.String("event_name", name),
				)
				continue
			}
			r.unconfirmed[rule.ExperimentID] = v
			chosen++
		}
	}
	return chosen
}
