package utils

import (
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
)

func TestWrapText(t *testing.T) {
	lines := WrapText("the quick brown fox jumps", 10)
	assert.Equal(t, []string{"the quick", "brown fox", "jumps"}, lines)
	assert.Nil(t, WrapText("   ", 10))
}

func TestTruncateWithWidth(t *testing.T) {
	assert.Equal(t, "short", TruncateWithWidth("short", 10))
	assert.Equal(t, "abcdefg...", TruncateWithWidth("abcdefghijklmnop", 10))

	// Wide runes count double
	got := TruncateWithWidth("日本語のタイトルです", 9)
	assert.LessOrEqual(t, runewidth.StringWidth(got), 9)
	assert.Contains(t, got, "...")

	assert.Equal(t, "ab", TruncateWithWidth("abcdef", 2))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", FormatDuration(5*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h 1m", FormatDuration(time.Hour+90*time.Second))
}
