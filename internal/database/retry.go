package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rafaeljc/paygate/internal/logger"
)

// pingWithRetry pings until success, doubling the wait between attempts.
func pingWithRetry(ctx context.Context, component string, maxTries int, initial time.Duration, ping func(context.Context) error) error {
	if maxTries < 1 {
		maxTries = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	log := logger.FromContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(component+" ping failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", next),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s after %d attempts: %w", component, maxTries, err)
	}
	return nil
}
