package telemetry

import (
	"context"
	"time"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
)

// NoOpTracer is a no-op implementation of ports.Tracer.
type NoOpTracer struct{}

// NewNoOpTracer creates a new NoOpTracer.
func NewNoOpTracer() *NoOpTracer {
	return &NoOpTracer{}
}

// Start creates a new no-op span.
func (t *NoOpTracer) Start(ctx context.Context, _ string, _ ...ports.SpanOption) (context.Context, ports.Span) {
	return ctx, &NoOpSpan{}
}

// NoOpSpan is a no-op implementation of ports.Span.
type NoOpSpan struct{}

// End does nothing.
func (s *NoOpSpan) End() {}

// RecordError does nothing.
func (s *NoOpSpan) RecordError(_ error) {}

// SetAttribute does nothing.
func (s *NoOpSpan) SetAttribute(_ string, _ any) {}

// Write does nothing and returns the length of p.
func (s *NoOpSpan) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// NoOpMetrics discards every observation.
type NoOpMetrics struct{}

// ObserveRemote does nothing.
func (NoOpMetrics) ObserveRemote(string, domain.OutcomeStatus, domain.ErrorKind, time.Duration) {}

// ObserveToggle does nothing.
func (NoOpMetrics) ObserveToggle(string, domain.ErrorKind) {}

// ObserveHeal does nothing.
func (NoOpMetrics) ObserveHeal(string) {}

// ObserveEvent does nothing.
func (NoOpMetrics) ObserveEvent(domain.ChangeType, string) {}

// ObserveDegraded does nothing.
func (NoOpMetrics) ObserveDegraded(string) {}
