package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// SnapshotConfig locates the trigger and paywall configuration document.
type SnapshotConfig struct {
	// Path is a YAML or JSON file.
	Path string `envconfig:"PATH" default:"paywalls.yaml"`

	// Watch reloads the document as soon as it changes on disk.
	Watch bool `envconfig:"WATCH" default:"true"`

	// PollInterval re-reads the document even without change events.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s" validate:"min=1s"`
}

// Validate checks SnapshotConfig fields for correctness.
func (c *SnapshotConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("snapshot path cannot be empty")
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(c.Path)), ".")
	if !slices.Contains([]string{"yaml", "yml", "json"}, ext) {
		return fmt.Errorf("snapshot path must be a .yaml, .yml or .json file, got %q", c.Path)
	}
	return nil
}
