// Package detector inspects the process environment to pick output formats.
package detector

import (
	"io"
	"os"

	"golang.org/x/term"
)

// Format is the log and notice format.
type Format int

const (
	// FormatAuto defers to DetectFormat.
	FormatAuto Format = iota
	// FormatPretty writes human-readable lines.
	FormatPretty
	// FormatJSON writes one JSON object per line.
	FormatJSON
)

// IsCI reports whether the CI variable is set to a truthy value.
func IsCI() bool {
	ci := os.Getenv("CI")
	return ci == "true" || ci == "1"
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// ColorEnabled reports whether colored output should be written to w.
func ColorEnabled(w io.Writer) bool {
	return IsTerminal(w) && !IsCI()
}

// DetectFormat returns JSON under CI and pretty output otherwise.
func DetectFormat() Format {
	if IsCI() {
		return FormatJSON
	}
	return FormatPretty
}

// ResolveFormat applies a user flag ("auto", "pretty", "json" or empty) to the
// detected format.
func ResolveFormat(detected Format, flag string) Format {
	switch flag {
	case "pretty", "text":
		return FormatPretty
	case "json":
		return FormatJSON
	default:
		return detected
	}
}
