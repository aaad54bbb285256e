package relay

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-relay/internal/relay"

// Metrics holds the relay's OpenTelemetry instruments.
type Metrics struct {
	ActiveSessions metric.Int64UpDownCounter
	FramesSent     metric.Int64Counter
	// Turns is recorded with a "status" attribute.
	Turns metric.Int64Counter
	// Errors is recorded with a "kind" attribute.
	Errors          metric.Int64Counter
	ProduceDuration metric.Float64Histogram
}

var produceBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("loqa.relay.sessions.active",
		metric.WithDescription("Open relay connections."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("loqa.relay.frames.sent",
		metric.WithDescription("Media frames written to clients."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("loqa.relay.turns",
		metric.WithDescription("Audio turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("loqa.relay.errors",
		metric.WithDescription("Relay errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProduceDuration, err = m.Float64Histogram("loqa.relay.produce.duration",
		metric.WithDescription("Time to synthesize and transcode one reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(produceBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func noopMetrics() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return met
}
