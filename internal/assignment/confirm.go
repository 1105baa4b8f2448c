package assignment

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// RetryPolicy bounds the retries of asynchronous confirmations.
type RetryPolicy struct {
	MaxTries     uint
	InitialDelay time.Duration
	MaxElapsed   time.Duration
}

// DefaultRetryPolicy retries five times starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:     5,
		InitialDelay: 500 * time.Millisecond,
		MaxElapsed:   time.Minute,
	}
}

// ConfirmAsync confirms ca in the background with exponential backoff.
// It is fire-and-forget: failures are logged once retries are exhausted.
// The confirmation is detached from ctx cancellation but keeps its values.
func (r *Resolver) ConfirmAsync(ctx context.Context, ca trigger.ConfirmableAssignment) {
	ctx = context.WithoutCancel(ctx)

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = r.retry.InitialDelay

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, r.Confirm(ctx, ca)
		},
			backoff.WithBackOff(bo),
			backoff.WithMaxTries(r.retry.MaxTries),
			backoff.WithMaxElapsedTime(r.retry.MaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				r.logger.Warn("assignment confirmation failed, retrying",
					slog.String("experiment_id", ca.ExperimentID),
					slog.String("error", err.Error()),
					slog.Duration("retry_in", next),
				)
			}),
		)
		if err != nil {
			observability.AssignmentConfirmations.WithLabelValues("failed").Inc()
			r.logger.Error("assignment confirmation failed permanently",
				slog.String("experiment_id", ca.ExperimentID),
				slog.String("variant_id", ca.Variant.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until every asynchronous confirmation has finished.
func (r *Resolver) Wait() {
	r.pending.Wait()
}
