// Package output builds termenv outputs that agree on color handling.
package output

import (
	"io"
	"os"

	"github.com/muesli/termenv"
)

// ColorProfile returns Ascii when NO_COLOR is set and the detected profile otherwise.
func ColorProfile() termenv.Profile {
	if os.Getenv("NO_COLOR") != "" {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// New creates an output on w, or on stderr when w is nil. Color is disabled
// unless color is true.
func New(w io.Writer, color bool) *termenv.Output {
	if w == nil {
		w = os.Stderr
	}

	profile := termenv.Ascii
	if color {
		profile = ColorProfile()
	}
	return termenv.NewOutput(w, termenv.WithProfile(profile), termenv.WithTTY(color))
}

// Paint renders s in the hex color c on out.
func Paint(out *termenv.Output, s string, c string) string {
	return out.String(s).Foreground(out.Color(c)).String()
}
