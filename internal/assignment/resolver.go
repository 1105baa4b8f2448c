// Package assignment resolves which experiment variant governs a matched rule.
//
// Assignments live in two disjoint maps. Confirmed assignments are persisted
// and never change once written. Unconfirmed assignments are held in memory
// until a confirmation round-trip moves them into the confirmed map.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// ErrMissingAssignment matches every *MissingAssignmentError.
var ErrMissingAssignment = errors.New("missing assignment")

// MissingAssignmentError reports a matched rule whose experiment has neither
// a confirmed nor an unconfirmed variant. It is a data-consistency fault.
type MissingAssignmentError struct {
	ExperimentID string
}

func (e *MissingAssignmentError) Error() string {
	return fmt.Sprintf("no assignment for experiment %q", e.ExperimentID)
}

// Is makes errors.Is(err, ErrMissingAssignment) hold.
func (e *MissingAssignmentError) Is(target error) bool {
	return target == ErrMissingAssignment
}

// Store persists confirmed assignments.
type Store interface {
	// ReadConfirmed loads every confirmed assignment.
	ReadConfirmed(ctx context.Context) (map[string]trigger.Variant, error)

	// PersistConfirmed stores the variant if the experiment has no confirmed
	// variant yet. It returns the variant stored after the call, which is the
	// pre-existing one when the experiment was already confirmed.
	PersistConfirmed(ctx context.Context, experimentID string, v trigger.Variant) (trigger.Variant, error)
}

// Confirmer performs the remote confirmation round-trip of an assignment.
type Confirmer interface {
	Confirm(ctx context.Context, ca trigger.ConfirmableAssignment) error
}

// Resolver owns the confirmed and unconfirmed assignment maps.
type Resolver struct {
	mu          sync.RWMutex
	confirmed   map[string]trigger.Variant
	unconfirmed map[string]trigger.Variant

	store  Store
	remote Confirmer
	retry  RetryPolicy
	logger *slog.Logger

	pending sync.WaitGroup
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithConfirmer sets the remote confirmation side channel.
func WithConfirmer(c Confirmer) Option {
	return func(r *Resolver) { r.remote = c }
}

// WithRetryPolicy overrides the retry policy of asynchronous confirmations.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Resolver) { r.retry = p }
}

// NewResolver creates a resolver backed by store.
// If logger is nil, it defaults to slog.Default().
func NewResolver(logger *slog.Logger, store Store, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		panic("assignment: store cannot be nil")
	}
	r := &Resolver{
		confirmed:   make(map[string]trigger.Variant),
		unconfirmed: make(map[string]trigger.Variant),
		store:       store,
		retry:       DefaultRetryPolicy(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the confirmed assignments from the store. Entries already
// confirmed in memory are kept.
func (r *Resolver) Load(ctx context.Context) error {
	stored, err := r.store.ReadConfirmed(ctx)
	if err != nil {
		return fmt.Errorf("failed to read confirmed assignments: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, v := range stored {
		if _, ok := r.confirmed[id]; !ok {
			r.confirmed[id] = v
		}
		delete(r.unconfirmed, id)
	}
	return nil
}

// Lookup returns the variant assigned to experimentID, confirmed map first.
// A ConfirmableAssignment is returned when the variant is not among the
// confirmed values; the caller still uses the variant for this decision.
func (r *Resolver) Lookup(experimentID string) (trigger.Variant, *trigger.ConfirmableAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.confirmed[experimentID]
	if !ok {
		v, ok = r.unconfirmed[experimentID]
	}
	if !ok {
		return trigger.Variant{}, nil, &MissingAssignmentError{ExperimentID: experimentID}
	}

	for _, c := range r.confirmed {
		if c == v {
			return v, nil, nil
		}
	}
	return v, &trigger.ConfirmableAssignment{ExperimentID: experimentID, Variant: v}, nil
}

// Resolve maps a matched rule to its trigger result: Holdout for a holdout
// variant, Paywall for a treatment, Error when no variant can be resolved.
func (r *Resolver) Resolve(rule trigger.Rule) (trigger.Result, *trigger.ConfirmableAssignment) {
	v, confirmable, err := r.Lookup(rule.ExperimentID)
	if err != nil {
		return trigger.Error{Err: err}, nil
	}

	experiment := trigger.Experiment{
		ID:      rule.ExperimentID,
		GroupID: rule.ExperimentGroupID,
		Variant: v,
	}

	switch v.Type {
	case trigger.VariantHoldout:
		return trigger.Holdout{Experiment: experiment}, confirmable
	case trigger.VariantTreatment:
		return trigger.Paywall{Experiment: experiment}, confirmable
	default:
		return trigger.Error{Err: fmt.Errorf("experiment %q has variant %q of unknown type %q", rule.ExperimentID, v.ID, v.Type)}, nil
	}
}

// SetUnconfirmed records a pending assignment. It is ignored, returning
// false, when the experiment is already confirmed.
func (r *Resolver) SetUnconfirmed(experimentID string, v trigger.Variant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.confirmed[experimentID]; ok {
		return false
	}
	r.unconfirmed[experimentID] = v
	return true
}

// ClearUnconfirmed drops every pending assignment, e.g. when the user identity changes.
func (r *Resolver) ClearUnconfirmed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.unconfirmed)
}

// Confirmed returns a copy of the confirmed assignments.
func (r *Resolver) Confirmed() map[string]trigger.Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.confirmed)
}

// Unconfirmed returns a copy of the pending assignments.
func (r *Resolver) Unconfirmed() map[string]trigger.Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.unconfirmed)
}

// Confirm runs the confirmation round-trip for ca and moves it into the
// confirmed map. Safe to call concurrently. A confirmed experiment keeps
// its first variant: a later confirmation with another variant is a no-op.
func (r *Resolver) Confirm(ctx context.Context, ca trigger.ConfirmableAssignment) error {
	r.mu.RLock()
	existing, already := r.confirmed[ca.ExperimentID]
	r.mu.RUnlock()
	if already {
		if existing != ca.Variant {
			r.logger.Warn("ignoring confirmation of a different variant",
				slog.String("experiment_id", ca.ExperimentID),
				slog.String("confirmed_variant", existing.ID),
				slog.String("variant", ca.Variant.ID),
			)
		}
		observability.AssignmentConfirmations.WithLabelValues("kept_existing").Inc()
		return nil
	}

	if r.remote != nil {
		if err := r.remote.Confirm(ctx, ca); err != nil {
			return fmt.Errorf("remote confirmation of %q failed: %w", ca.ExperimentID, err)
		}
	}

	stored, err := r.store.PersistConfirmed(ctx, ca.ExperimentID, ca.Variant)
	if err != nil {
		return fmt.Errorf("failed to persist confirmation of %q: %w", ca.ExperimentID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.confirmed[ca.ExperimentID]; !ok {
		r.confirmed[ca.ExperimentID] = stored
	}
	delete(r.unconfirmed, ca.ExperimentID)

	if stored != ca.Variant {
		observability.AssignmentConfirmations.WithLabelValues("kept_existing").Inc()
	} else {
		observability.AssignmentConfirmations.WithLabelValues("confirmed").Inc()
	}
	return nil
}
