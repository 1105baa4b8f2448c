package surface

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalLocale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "Should keep a canonical tag", in: "en-US", want: "en-US"},
		{name: "Should accept underscores", in: "en_US", want: "en-US"},
		{name: "Should fix casing with underscores", in: "en_us", want: "en-US"},
		{name: "Should trim surrounding spaces", in: " fr-FR ", want: "fr-FR"},
		{name: "Should fix casing", in: "pt-br", want: "pt-BR"},
		{name: "Should reject an empty tag", in: "", wantErr: true},
		{name: "Should reject a blank tag", in: " ", wantErr: true},
		{name: "Should reject garbage", in: "not a locale!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalLocale(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptorBuilder_Build(t *testing.T) {
	t.Parallel()

	b := NewDescriptorBuilder()
	b.SetDescriptors(map[string]Descriptor{
		"pw-1": {
			ID:       "pw-1",
			Name:     "Spring Sale",
			URL:      "https://paywalls.example.com/pw-1",
			Locales:  []string{"en-US", "pt-BR"},
			Products: []string{"monthly", "annual"},
		},
		"pw-2": {
			ID:       "pw-2",
			URL:      "https://paywalls.example.com/pw-2?campaign=spring",
			Style:    StylePush,
			Products: []string{"pro plan", "a&b"},
		},
		"pw-broken": {
			ID:  "pw-broken",
			URL: "://missing-scheme",
		},
	})

	t.Run("Should resolve the closest supported locale", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-1", "pt-PT", Overrides{})

		require.NoError(t, err)
		assert.Equal(t, "pt-BR", s.Locale)
		assert.Equal(t, StyleModal, s.Style)
		assert.NotEmpty(t, s.InstanceID)
		u, err := url.Parse(s.URL)
		require.NoError(t, err)
		assert.Equal(t, "pt-BR", u.Query().Get("locale"))
		assert.Equal(t, []string{"monthly", "annual"}, u.Query()["product"])
	})

	t.Run("Should fall back to the first locale when nothing matches", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-1", "ja-JP", Overrides{})

		require.NoError(t, err)
		assert.Equal(t, "en-US", s.Locale)
	})

	t.Run("Should apply overrides", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-1", "en-US", Overrides{Products: []string{"weekly"}, Style: StyleFullscreen})

		require.NoError(t, err)
		assert.Equal(t, []string{"weekly"}, s.Products)
		assert.Equal(t, StyleFullscreen, s.Style)
	})

	t.Run("Should fall back to the first locale for an unparsable request", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-1", "!!", Overrides{})

		require.NoError(t, err)
		assert.Equal(t, "en-US", s.Locale)
	})

	t.Run("Should keep the requested locale when none are declared", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-2", "fr-FR", Overrides{})

		require.NoError(t, err)
		assert.Equal(t, "fr-FR", s.Locale)
	})

	t.Run("Should encode the query after the existing parameters", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-2", "fr-FR", Overrides{})

		require.NoError(t, err)
		assert.Equal(t, "https://paywalls.example.com/pw-2?campaign=spring&locale=fr-FR&product=pro+plan&product=a%26b", s.URL)
	})

	t.Run("Should prefer the override style over the descriptor style", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name      string
			paywallID string
			overrides Overrides
			want      Style
		}{
			{name: "default", paywallID: "pw-1", want: StyleModal},
			{name: "descriptor", paywallID: "pw-2", want: StylePush},
			{name: "override", paywallID: "pw-2", overrides: Overrides{Style: StyleFullscreen}, want: StyleFullscreen},
		}
		for _, tt := range tests {
			s, err := b.Build(context.Background(), tt.paywallID, "en-US", tt.overrides)
			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.want, s.Style, tt.name)
		}
	})

	t.Run("Should keep descriptor products when overrides set only the style", func(t *testing.T) {
		t.Parallel()
		s, err := b.Build(context.Background(), "pw-1", "en-US", Overrides{Style: StylePush})

		require.NoError(t, err)
		assert.Equal(t, []string{"monthly", "annual"}, s.Products)
	})

	t.Run("Should return a BuildError for an invalid url", func(t *testing.T) {
		t.Parallel()
		_, err := b.Build(context.Background(), "pw-broken", "en-US", Overrides{})

		var buildErr *BuildError
		require.ErrorAs(t, err, &buildErr)
		assert.Equal(t, "pw-broken", buildErr.PaywallID)
	})

	t.Run("Should return a BuildError for unknown paywalls", func(t *testing.T) {
		t.Parallel()
		_, err := b.Build(context.Background(), "missing", "en-US", Overrides{})

		var buildErr *BuildError
		require.True(t, errors.As(err, &buildErr))
		assert.Equal(t, "missing", buildErr.PaywallID)
		assert.ErrorIs(t, err, ErrPaywallNotFound)
	})

	t.Run("Should honor cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.Build(ctx, "pw-1", "en-US", Overrides{})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
