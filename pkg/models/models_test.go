package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    Platform
		wantErr bool
	}{
		{"instagram", PlatformInstagram, false},
		{"Instagram", PlatformInstagram, false},
		{" linkedin ", PlatformLinkedIn, false},
		{"twitter", PlatformTwitter, false},
		{"tiktok", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePlatform(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlatformCodeRoundTrip(t *testing.T) {
	for _, p := range Platforms() {
		got, err := PlatformFromCode(p.Code())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := PlatformFromCode("FB")
	assert.Error(t, err)
}

func TestShortcodeFromPostURL(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://www.instagram.com/p/Cxyz123_-/", "Cxyz123_-", false},
		{"https://www.instagram.com/reel/ABC123/", "ABC123", false},
		{"https://www.instagram.com/reels/DEF456/?utm_source=share", "DEF456", false},
		{"Cxyz123abc", "Cxyz123abc", false},
		{"https://example.com/post/1", "", true},
		{"p/", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ShortcodeFromPostURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
