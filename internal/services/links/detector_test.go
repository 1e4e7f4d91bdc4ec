package links

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/brainrot/internal/models"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected []models.SourceLink
	}{
		{
			name: "single tiktok link",
			text: "check this out https://www.tiktok.com/@user/video/7312345678901234567",
			expected: []models.SourceLink{
				{URL: "https://www.tiktok.com/@user/video/7312345678901234567", Platform: models.PlatformTikTok},
			},
		},
		{
			name: "short link with trailing punctuation",
			text: "lol https://vm.tiktok.com/ZMabc123/.",
			expected: []models.SourceLink{
				{URL: "https://vm.tiktok.com/ZMabc123/", Platform: models.PlatformTikTok},
			},
		},
		{
			name: "instagram reel in parentheses",
			text: "(https://www.instagram.com/reel/C1abcDEF/)",
			expected: []models.SourceLink{
				{URL: "https://www.instagram.com/reel/C1abcDEF/", Platform: models.PlatformInstagram},
			},
		},
		{
			name: "mixed platforms keep message order",
			text: "first https://instagram.com/p/XYZ then https://tiktok.com/@a/video/1",
			expected: []models.SourceLink{
				{URL: "https://instagram.com/p/XYZ", Platform: models.PlatformInstagram},
				{URL: "https://tiktok.com/@a/video/1", Platform: models.PlatformTikTok},
			},
		},
		{
			name: "duplicates are all returned",
			text: "https://tiktok.com/@a/video/1 https://tiktok.com/@a/video/1",
			expected: []models.SourceLink{
				{URL: "https://tiktok.com/@a/video/1", Platform: models.PlatformTikTok},
				{URL: "https://tiktok.com/@a/video/1", Platform: models.PlatformTikTok},
			},
		},
		{
			name:     "unsupported platform",
			text:     "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			expected: nil,
		},
		{
			name:     "instagram profile is not a video",
			text:     "https://www.instagram.com/someone",
			expected: nil,
		},
		{
			name:     "bare domain",
			text:     "go to https://www.tiktok.com/ now",
			expected: nil,
		},
		{
			name:     "empty",
			text:     "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Detect(tt.text))
		})
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"https://www.tiktok.com/@a/video/1?is_from_webapp=1&sender_device=pc", "https://tiktok.com/@a/video/1"},
		{"http://m.TikTok.com/@a/video/1/", "https://tiktok.com/@a/video/1"},
		{"https://vm.tiktok.com/ZMabc123/", "https://vm.tiktok.com/ZMabc123"},
		{"https://www.instagram.com/reel/C1abcDEF/?igsh=xyz", "https://instagram.com/reel/C1abcDEF"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, Canonical(tt.in))
		})
	}
}
