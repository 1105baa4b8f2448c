// Package surface defines the paywall surface handle and the builder contract.
//
// A Surface is the ready-to-display result of building a paywall for one
// locale. Building is expensive and fallible; callers go through the
// surface cache rather than invoking a Builder directly.
package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// ErrPaywallNotFound is returned when a paywall id is unknown to the builder.
var ErrPaywallNotFound = errors.New("paywall not found")

// Surface is an opaque, shared handle to a built paywall. Holders must not
// mutate it.
type Surface struct {
	// InstanceID distinguishes two builds of the same paywall and locale.
	InstanceID string    `json:"instance_id"`
	PaywallID  string    `json:"paywall_id"`
	Name       string    `json:"name"`
	Locale     string    `json:"locale"`
	URL        string    `json:"url"`
	Style      Style     `json:"style"`
	Products   []string  `json:"products"`
	BuiltAt    time.Time `json:"built_at"`
}

// Style is how a surface is presented by the host.
type Style string

const (
	StyleModal      Style = "MODAL"
	StyleFullscreen Style = "FULLSCREEN"
	StylePush       Style = "PUSH"
)

// Overrides are per-request presentation variant overrides.
type Overrides struct {
	Products []string `json:"products,omitempty"`
	Style    Style    `json:"style,omitempty"`
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool {
	return len(o.Products) == 0 && o.Style == ""
}

// Builder builds a surface for a paywall in a locale.
type Builder interface {
	Build(ctx context.Context, paywallID, locale string, overrides Overrides) (*Surface, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, paywallID, locale string, overrides Overrides) (*Surface, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, paywallID, locale string, overrides Overrides) (*Surface, error) {
	return f(ctx, paywallID, locale, overrides)
}

// BuildError wraps a failed build with its key.
type BuildError struct {
	PaywallID string
	Locale    string
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build paywall %q for locale %q: %v", e.PaywallID, e.Locale, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// CanonicalLocale normalizes a locale tag to its BCP 47 form ("en_us" -> "en-US").
func CanonicalLocale(tag string) (string, error) {
	tag = strings.TrimSpace(strings.ReplaceAll(tag, "_", "-"))
	if tag == "" {
		return "", errors.New("locale is empty")
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("invalid locale %q: %w", tag, err)
	}
	return parsed.String(), nil
}
