package surface

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Descriptor is a paywall definition carried by the config snapshot.
type Descriptor struct {
	ID       string   `json:"id" mapstructure:"id"`
	Name     string   `json:"name" mapstructure:"name"`
	URL      string   `json:"url" mapstructure:"url"`
	Style    Style    `json:"style" mapstructure:"style"`
	Locales  []string `json:"locales" mapstructure:"locales"`
	Products []string `json:"products" mapstructure:"products"`
}

// DescriptorBuilder builds surfaces from the paywall descriptors of the
// current config snapshot.
type DescriptorBuilder struct {
	descriptors atomic.Pointer[map[string]Descriptor]
	now         func() time.Time
}

// NewDescriptorBuilder creates a builder with no descriptors.
func NewDescriptorBuilder() *DescriptorBuilder {
	b := &DescriptorBuilder{now: time.Now}
	b.SetDescriptors(nil)
	return b
}

// SetDescriptors replaces the descriptor set. The map must not be mutated afterwards.
func (b *DescriptorBuilder) SetDescriptors(descriptors map[string]Descriptor) {
	if descriptors == nil {
		descriptors = map[string]Descriptor{}
	}
	b.descriptors.Store(&descriptors)
}

// Build resolves the paywall, picks the closest supported locale and
// renders its URL with the locale and product overrides as query parameters.
func (b *DescriptorBuilder) Build(ctx context.Context, paywallID, locale string, overrides Overrides) (*Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d, ok := (*b.descriptors.Load())[paywallID]
	if !ok {
		return nil, &BuildError{PaywallID: paywallID, Locale: locale, Err: ErrPaywallNotFound}
	}

	resolved := matchLocale(locale, d.Locales)

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &BuildError{PaywallID: paywallID, Locale: locale, Err: fmt.Errorf("invalid url: %w", err)}
	}
	q := u.Query()
	if resolved != "" {
		q.Set("locale", resolved)
	}

	products := d.Products
	if len(overrides.Products) > 0 {
		products = overrides.Products
	}
	for _, p := range products {
		q.Add("product", p)
	}
	u.RawQuery = q.Encode()

	style := d.Style
	if overrides.Style != "" {
		style = overrides.Style
	}
	if style == "" {
		style = StyleModal
	}

	return &Surface{
		InstanceID: uuid.NewString(),
		PaywallID:  d.ID,
		Name:       d.Name,
		Locale:     resolved,
		URL:        u.String(),
		Style:      style,
		Products:   slices.Clone(products),
		BuiltAt:    b.now(),
	}, nil
}

// matchLocale returns the supported locale closest to requested, the first
// supported one when nothing matches, or requested when none are declared.
func matchLocale(requested string, supported []string) string {
	if len(supported) == 0 {
		return requested
	}
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		tags = append(tags, language.Make(s))
	}
	want, err := language.Parse(requested)
	if err != nil {
		return supported[0]
	}
	_, idx, conf := language.NewMatcher(tags).Match(want)
	if conf == language.No {
		return supported[0]
	}
	return supported[idx]
}
