package ports

import (
	"context"
	"io"
	"time"

	"go.trai.ch/tally/internal/core/domain"
)

//go:generate mockgen -source=telemetry.go -destination=mocks/mock_telemetry.go -package=mocks

// Tracer is the entry point for creating spans.
type Tracer interface {
	// Start creates a new span.
	Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
}

// Span represents a unit of work.
type Span interface {
	io.Writer
	// End completes the span.
	End()
	// RecordError records an error for the span.
	RecordError(err error)
	// SetAttribute adds a key-value pair to the span.
	SetAttribute(key string, value any)
}

// SpanConfig holds configuration for a starting span.
type SpanConfig struct {
	Attributes map[string]any
}

// SpanOption is a functional option for configuring a span.
type SpanOption func(*SpanConfig)

// WithAttribute sets an attribute when the span starts.
func WithAttribute(key string, value any) SpanOption {
	return func(c *SpanConfig) {
		if c.Attributes == nil {
			c.Attributes = make(map[string]any)
		}
		c.Attributes[key] = value
	}
}

// Metrics records engine counters.
type Metrics interface {
	// ObserveRemote records the outcome and latency of a guarded remote call.
	ObserveRemote(op string, status domain.OutcomeStatus, kind domain.ErrorKind, elapsed time.Duration)
	// ObserveToggle records how a toggle ended. result is "confirmed", "rolled_back" or "rejected".
	ObserveToggle(result string, kind domain.ErrorKind)
	// ObserveHeal records a credential refresh attempt. result is "refreshed" or "failed".
	ObserveHeal(result string)
	// ObserveEvent records what the reconciler did with a push event.
	ObserveEvent(changeType domain.ChangeType, action string)
	// ObserveDegraded records a subscription entering the degraded state.
	ObserveDegraded(topic string)
}
