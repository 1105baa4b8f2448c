package config

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// PresentationConfig tunes the presentation orchestrator.
type PresentationConfig struct {
	// ReadinessTimeout bounds the wait for config and subscription status.
	ReadinessTimeout time.Duration `envconfig:"READINESS_TIMEOUT" default:"5s" validate:"gt=0"`
	DefaultLocale    string        `envconfig:"DEFAULT_LOCALE" default:"en-US"`

	// UserID seeds deterministic variant choice for this instance.
	UserID string `envconfig:"USER_ID" default:"anonymous"`

	Preload            bool `envconfig:"PRELOAD" default:"true"`
	PreloadConcurrency int  `envconfig:"PRELOAD_CONCURRENCY" default:"4" validate:"min=1"`
}

// Validate checks PresentationConfig fields for correctness.
func (c *PresentationConfig) Validate() error {
	if _, err := language.Parse(c.DefaultLocale); err != nil {
		return fmt.Errorf("invalid default locale %q: %w", c.DefaultLocale, err)
	}
	return validateNoWhitespace(c.UserID, "user id")
}

// SurfaceConfig sizes the surface cache.
type SurfaceConfig struct {
	CacheCapacity   int           `envconfig:"CACHE_CAPACITY" default:"64" validate:"min=1"`
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"15s" validate:"min=1s"`
}

// ConfirmationConfig controls assignment confirmation retries.
type ConfirmationConfig struct {
	MaxRetries uint          `envconfig:"MAX_RETRIES" default:"5" validate:"min=1"`
	BaseDelay  time.Duration `envconfig:"BASE_DELAY" default:"500ms" validate:"gt=0"`
	MaxElapsed time.Duration `envconfig:"MAX_ELAPSED" default:"1m" validate:"gtefield=BaseDelay"`
}
