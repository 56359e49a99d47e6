package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// WrapText wraps text at word boundaries to fit within maxWidth.
// Returns a slice of lines.
func WrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)

	var lines []string
	var currentLine strings.Builder
	currentWidth := 0

	for _, word := range words {
		wordWidth := runewidth.StringWidth(word)

		switch {
		case currentWidth == 0:
			currentLine.WriteString(word)
			currentWidth = wordWidth
		case currentWidth+1+wordWidth <= maxWidth:
			currentLine.WriteString(" ")
			currentLine.WriteString(word)
			currentWidth += 1 + wordWidth
		default:
			lines = append(lines, currentLine.String())
			currentLine.Reset()
			currentLine.WriteString(word)
			currentWidth = wordWidth
		}
	}

	if currentLine.Len() > 0 {
		lines = append(lines, currentLine.String())
	}

	return lines
}

// TruncateWithWidth truncates text to fit within maxWidth, accounting for
// wide characters. Adds "..." if the text is truncated.
func TruncateWithWidth(text string, maxWidth int) string {
	if runewidth.StringWidth(text) <= maxWidth {
		return text
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(text, maxWidth, "")
	}

	width := 0
	for i, r := range text {
		width += runewidth.RuneWidth(r)
		if width > maxWidth-3 {
			return text[:i] + "..."
		}
	}
	return text
}

// FormatDuration formats a duration as "1h 2m", "3m 4s" or "5s"
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
