package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-live/session"

// Metrics holds the session instruments. A nil *Metrics records nothing.
type Metrics struct {
	active         metric.Int64UpDownCounter
	turns          metric.Int64Counter
	turnDuration   metric.Float64Histogram
	upstreamErrors metric.Int64Counter
	dropped        metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	active, err := meter.Int64UpDownCounter("live.sessions.active",
		metric.WithDescription("Open live sessions"))
	if err != nil {
		return nil, err
	}
	turns, err := meter.Int64Counter("live.turns",
		metric.WithDescription("Completed turns by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("live.turn.duration",
		metric.WithDescription("Turn duration from end of utterance to turn complete"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	upstreamErrors, err := meter.Int64Counter("live.upstream.errors",
		metric.WithDescription("Upstream failures by category"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("live.inbound.dropped",
		metric.WithDescription("Inbound messages dropped by reason"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		active:         active,
		turns:          turns,
		turnDuration:   duration,
		upstreamErrors: upstreamErrors,
		dropped:        dropped,
	}, nil
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
}

func (m *Metrics) TurnFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) UpstreamError(ctx context.Context, c Category) {
	if m == nil {
		return
	}
	m.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(c))))
}

// Dropped counts an inbound message discarded for reason.
func (m *Metrics) Dropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
