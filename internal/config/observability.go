package config

import (
	"fmt"
	"strings"
	"time"
)

// ObservabilityConfig configures the side server that exposes the probes
// and the Prometheus metrics of a paygate instance.
type ObservabilityConfig struct {
	Port string `envconfig:"PORT" default:"9091"`

	// Timeout bounds reads and writes of the side server.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	// ProbeTimeout bounds one readiness evaluation, all store and config
	// checks included. Zero falls back to Timeout.
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT" default:"2s"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/healthz"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/readyz"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// ReadinessTimeout returns the budget of one readiness evaluation.
func (o *ObservabilityConfig) ReadinessTimeout() time.Duration {
	if o.ProbeTimeout > 0 {
		return o.ProbeTimeout
	}
	return o.Timeout
}

// Validate checks ObservabilityConfig fields for correctness.
func (o *ObservabilityConfig) Validate() error {
	if err := validatePort(o.Port, "observability"); err != nil {
		return err
	}
	if o.ProbeTimeout < 0 || o.ProbeTimeout > o.Timeout {
		return fmt.Errorf("observability probe timeout (%s) must be between 0 and the server timeout (%s)", o.ProbeTimeout, o.Timeout)
	}

	seen := make(map[string]string, 3)
	for name, path := range map[string]string{
		"liveness":  o.LivenessPath,
		"readiness": o.ReadinessPath,
		"metrics":   o.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("observability %s path must start with '/': %q", name, path)
		}
		if other, ok := seen[path]; ok {
			return fmt.Errorf("observability %s and %s paths collide: %q", other, name, path)
		}
		seen[path] = name
	}
	return nil
}
