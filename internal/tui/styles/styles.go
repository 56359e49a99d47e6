package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
)

// Oxocarbon color scheme, base16 oxocarbon-dark palette
var (
	OxocarbonBase00 = lipgloss.Color("#262626") // UI elements
	OxocarbonBase01 = lipgloss.Color("#393939") // Borders, secondary UI
	OxocarbonBase02 = lipgloss.Color("#525252")
	OxocarbonBase03 = lipgloss.Color("#767676") // Muted
	OxocarbonBase04 = lipgloss.Color("#dde1e6") // Secondary foreground
	OxocarbonBase05 = lipgloss.Color("#f2f4f8") // Primary foreground
	OxocarbonWhite  = lipgloss.Color("#ffffff")

	OxocarbonBlue   = lipgloss.Color("#78a9ff")
	OxocarbonPink   = lipgloss.Color("#ee5396")
	OxocarbonRed    = lipgloss.Color("#ff5252")
	OxocarbonCyan   = lipgloss.Color("#33b1ff")
	OxocarbonGreen  = lipgloss.Color("#42be65")
	OxocarbonPurple = lipgloss.Color("#be95ff") // main accent
	OxocarbonMauve  = lipgloss.Color("#d1aaff")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(OxocarbonWhite).
			Background(OxocarbonPurple).
			Padding(0, 1).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(OxocarbonMauve).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(OxocarbonBase03).
			MarginTop(1)

	// Bordered list item
	ItemStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(OxocarbonBase02).
			BorderLeft(true).
			PaddingLeft(2).
			MarginLeft(1)

	// Item for the child currently transferring
	ActiveItemStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(OxocarbonPurple).
			BorderLeft(true).
			PaddingLeft(2).
			MarginLeft(1)

	ItemTitleStyle = lipgloss.NewStyle().
			Foreground(OxocarbonBase05).
			Bold(true)

	MetadataStyle = lipgloss.NewStyle().
			Foreground(OxocarbonBase04)

	PathStyle = lipgloss.NewStyle().
			Foreground(OxocarbonCyan).
			Italic(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(OxocarbonPink)

	StatusBadgeStyle = lipgloss.NewStyle().
				Bold(true)

	FooterStyle = lipgloss.NewStyle().
			Foreground(OxocarbonBase05).
			Background(OxocarbonBase01).
			Padding(0, 1)
)

// StateColor returns the color for a job state
func StateColor(state downloader.State) lipgloss.Color {
	switch state {
	case downloader.StateQueued, downloader.StateExpanding:
		return OxocarbonPurple
	case downloader.StateRunning:
		return OxocarbonGreen
	case downloader.StateCompleted:
		return OxocarbonBlue
	case downloader.StateFailed:
		return OxocarbonRed
	case downloader.StateCanceled:
		return OxocarbonPink
	default:
		return OxocarbonBase04
	}
}

// ChildStateColor returns the color for an item state
func ChildStateColor(state downloader.ChildState) lipgloss.Color {
	switch state {
	case downloader.ChildRunning:
		return OxocarbonGreen
	case downloader.ChildDone:
		return OxocarbonBlue
	case downloader.ChildFailed:
		return OxocarbonRed
	case downloader.ChildCanceled:
		return OxocarbonPink
	default:
		return OxocarbonBase03
	}
}

// FormatStateBadge creates a colored state badge
func FormatStateBadge(state downloader.State) string {
	return StatusBadgeStyle.Foreground(StateColor(state)).Render(string(state))
}
