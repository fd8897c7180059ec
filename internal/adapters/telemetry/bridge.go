package telemetry

import (
	"context"
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.trai.ch/tally/internal/core/ports"
)

// SlowSpanBridge implements sdktrace.SpanProcessor and reports spans that ran
// longer than a threshold to a logger. Stalled remote calls surface this way even
// when the caller already gave up on them.
type SlowSpanBridge struct {
	logger    ports.Logger
	threshold time.Duration
}

var _ sdktrace.SpanProcessor = (*SlowSpanBridge)(nil)

// NewSlowSpanBridge returns a bridge warning about spans slower than threshold.
func NewSlowSpanBridge(logger ports.Logger, threshold time.Duration) *SlowSpanBridge {
	return &SlowSpanBridge{logger: logger, threshold: threshold}
}

// OnStart does nothing.
func (b *SlowSpanBridge) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {}

// OnEnd warns when the span exceeded the threshold.
func (b *SlowSpanBridge) OnEnd(s sdktrace.ReadOnlySpan) {
	if !s.SpanContext().IsValid() {
		return
	}
	elapsed := s.EndTime().Sub(s.StartTime())
	if elapsed <= b.threshold {
		return
	}
	b.logger.Warn(fmt.Sprintf("%s took %s", s.Name(), elapsed.Round(time.Millisecond)))
}

// ForceFlush does nothing.
func (b *SlowSpanBridge) ForceFlush(_ context.Context) error {
	return nil
}

// Shutdown does nothing.
func (b *SlowSpanBridge) Shutdown(_ context.Context) error {
	return nil
}
