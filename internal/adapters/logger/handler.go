package logger

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/muesli/termenv"
	"go.trai.ch/tally/internal/ui/output"
	"go.trai.ch/tally/internal/ui/style"
)

// levelStyles maps a level to its glyph prefix and color.
var levelStyles = map[slog.Level]struct {
	prefix string
	color  string
}{
	slog.LevelDebug: {prefix: "", color: string(style.Slate)},
	slog.LevelInfo:  {prefix: "", color: string(style.Slate)},
	slog.LevelWarn:  {prefix: style.Warning + " ", color: string(style.Yellow)},
	slog.LevelError: {prefix: style.Cross + " ", color: string(style.Red)},
}

// PrettyHandler is a slog.Handler that writes one colored line per record,
// followed by its attributes as key=value pairs.
type PrettyHandler struct {
	out   *termenv.Output
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewPrettyHandler creates a PrettyHandler on w. Color is used only when color is set.
func NewPrettyHandler(w io.Writer, color bool, opts *slog.HandlerOptions) *PrettyHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &PrettyHandler{out: output.New(w, color), level: level}
}

// Enabled reports whether records at level are written.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle writes r.
//
//nolint:gocritic // slog.Handler passes the record by value
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	ls, ok := levelStyles[r.Level]
	if !ok {
		ls = levelStyles[slog.LevelInfo]
	}

	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, h.format(a))
		return true
	})

	msg := ls.prefix + r.Message
	if len(parts) > 0 {
		msg += " " + strings.Join(parts, " ")
	}
	_, err := h.out.WriteString(output.Paint(h.out, msg, ls.color) + "\n")
	return err
}

// WithAttrs returns a handler that also writes attrs.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &PrettyHandler{
		out:   h.out,
		level: h.level,
		attrs: append(slices.Clip(h.attrs), attrs...),
		group: h.group,
	}
}

// WithGroup returns a handler that prefixes attribute keys with name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if h.group != "" {
		name = h.group + "." + name
	}
	return &PrettyHandler{out: h.out, level: h.level, attrs: h.attrs, group: name}
}

func (h *PrettyHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return key + "=" + a.Value.String()
}
