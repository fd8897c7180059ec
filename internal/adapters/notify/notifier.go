// Package notify prints user notices to a terminal.
package notify

import (
	"context"
	"io"
	"sync"

	"github.com/muesli/termenv"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/tally/internal/ui/output"
	"go.trai.ch/tally/internal/ui/style"
)

// Notifier writes one line per notice.
type Notifier struct {
	mu  sync.Mutex
	out *termenv.Output
}

var _ ports.Notifier = (*Notifier)(nil)

// New creates a Notifier writing to w.
func New(w io.Writer, color bool) *Notifier {
	return &Notifier{out: output.New(w, color)}
}

// Notify prints n.
func (n *Notifier) Notify(_ context.Context, notice domain.Notice) {
	glyph, color := style.Check, string(style.Green)
	if notice.Level == domain.NoticeError {
		glyph, color = style.Cross, string(style.Red)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = n.out.WriteString(output.Paint(n.out, glyph, color) + " " + notice.Message + "\n")
}
