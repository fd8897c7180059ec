// Package style holds the colors and glyphs shared by every terminal surface.
package style

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	Iris   = lipgloss.Color("#8B5CF6")
	Slate  = lipgloss.Color("#667085")
	Green  = lipgloss.Color("#22A06B")
	Red    = lipgloss.Color("#D93025")
	Yellow = lipgloss.Color("#F59E0B")
)

// Glyphs.
const (
	Check   = "✓"
	Cross   = "✗"
	Warning = "!"
	Heart   = "♥"
	// Live marks an open realtime subscription.
	Live = "●"
	// Polling marks a degraded subscription that fell back to re-reads.
	Polling = "○"
	// Pending marks a value that is not confirmed by the store yet.
	Pending = "…"
)
