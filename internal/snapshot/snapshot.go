// Package snapshot holds the immutable config snapshots the decision core
// evaluates against: triggers keyed by event name and paywall descriptors.
//
// A Holder publishes snapshots, exposes their readiness as an observable
// cell and notifies subscribers with the new ETag on every change.
package snapshot

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Snapshot is one immutable version of the config.
type Snapshot struct {
	ETag     string                        `json:"etag"`
	Triggers map[string]trigger.Trigger    `json:"triggers"`
	Paywalls map[string]surface.Descriptor `json:"paywalls"`
	LoadedAt time.Time                     `json:"loaded_at"`
}

// New builds a snapshot and computes its ETag from the content.
func New(triggers map[string]trigger.Trigger, paywalls map[string]surface.Descriptor) (*Snapshot, error) {
	if triggers == nil {
		triggers = map[string]trigger.Trigger{}
	}
	if paywalls == nil {
		paywalls = map[string]surface.Descriptor{}
	}

	// encoding/json sorts map keys, so equal content hashes equally.
	blob, err := json.Marshal(struct {
		Triggers map[string]trigger.Trigger    `json:"triggers"`
		Paywalls map[string]surface.Descriptor `json:"paywalls"`
	}{triggers, paywalls})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return &Snapshot{
		ETag:     fmt.Sprintf(`W/"%016x"`, xxhash.Sum64(blob)),
		Triggers: triggers,
		Paywalls: paywalls,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// Trigger returns the trigger of eventName.
func (s *Snapshot) Trigger(eventName string) (trigger.Trigger, bool) {
	t, ok := s.Triggers[eventName]
	return t, ok
}

// EventNames returns the configured event names, sorted.
func (s *Snapshot) EventNames() []string {
	names := make([]string, 0, len(s.Triggers))
	for name := range s.Triggers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TreatmentPaywalls returns the ids of every paywall referenced by a
// treatment variant, sorted and without duplicates.
func (s *Snapshot) TreatmentPaywalls() []string {
	seen := make(map[string]struct{})
	for _, t := range s.Triggers {
		for _, rule := range t.Rules {
			for _, opt := range rule.VariantOptions {
				if opt.Type == trigger.VariantTreatment && opt.PaywallID != "" {
					seen[opt.PaywallID] = struct{}{}
				}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
