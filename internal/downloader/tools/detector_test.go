package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"yt-dlp release", "2024.08.06\n", "2024.08.06"},
		{"yt-dlp nightly", "2025.01.12.232754\n", "2025.01.12.232754"},
		{"ffmpeg release", "ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers\nbuilt with gcc", "6.1.1"},
		{"ffmpeg git", "ffmpeg version N-112345-g1234567 Copyright", "N-112345-g1234567"},
		{"generic", "tool 1.2.3", "1.2.3"},
		{"first line fallback", "custom-build", "custom-build"},
		{"empty", "   \n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseVersion(tt.output))
		})
	}
}

func TestDetectMissingTool(t *testing.T) {
	info := Detect(context.Background(), ToolExtractor, "definitely-not-a-real-extractor-binary")
	assert.False(t, info.Available)
	assert.Error(t, info.Err)
	assert.Equal(t, "extractor", info.Type.String())
}

func TestFindToolEmpty(t *testing.T) {
	_, err := FindTool("")
	assert.Error(t, err)
}
