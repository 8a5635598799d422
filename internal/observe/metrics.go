// Package observe provides application-wide observability primitives for
// Vicinity: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them into a private Prometheus registry scraped through
// [Provider.Handler]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vicinity metrics.
const meterName = "github.com/MrWong99/vicinity"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TickDuration tracks one server logic tick (entity ticks, visibility,
	// dirty flush).
	TickDuration metric.Float64Histogram

	// MixDuration tracks one mix engine Read call.
	MixDuration metric.Float64Histogram

	// LoginDuration tracks the login handshake.
	LoginDuration metric.Float64Histogram

	// --- Counters ---

	// VisibilityChanges counts visibility edge transitions. Attribute:
	//   attribute.String("kind", "gained"|"lost")
	VisibilityChanges metric.Int64Counter

	// JitterSteps counts pipeline steps by outcome. Attribute:
	//   attribute.String("result", "decoded"|"concealed"|"silent"|"error")
	JitterSteps metric.Int64Counter

	// JitterDrops counts frames refused by a jitter buffer. Attribute:
	//   attribute.String("reason", "late"|"duplicate"|"evicted"|"closed")
	JitterDrops metric.Int64Counter

	// PacketsDropped counts packets discarded at the network boundary.
	// Attribute: attribute.String("reason", ...)
	PacketsDropped metric.Int64Counter

	// AudioRelayed counts audio packets forwarded to observers.
	AudioRelayed metric.Int64Counter

	// Logins counts login attempts. Attribute:
	//   attribute.String("status", "accepted"|"denied"|"error")
	Logins metric.Int64Counter

	// --- Gauges ---

	// Entities tracks the number of live entities.
	Entities metric.Int64UpDownCounter

	// Connections tracks the number of connected sessions.
	Connections metric.Int64UpDownCounter

	// Pipelines tracks the number of running jitter pipelines.
	Pipelines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP requests and websocket sessions.
	// Attributes: method, route (mux pattern), kind ("http"|"websocket").
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for work
// that must finish well within one 20 ms audio frame.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("vicinity.tick.duration",
		metric.WithDescription("Duration of one server logic tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixDuration, err = m.Float64Histogram("vicinity.mix.duration",
		metric.WithDescription("Duration of one mix engine read."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoginDuration, err = m.Float64Histogram("vicinity.login.duration",
		metric.WithDescription("Duration of the login handshake."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VisibilityChanges, err = m.Int64Counter("vicinity.visibility.changes",
		metric.WithDescription("Visibility edge transitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.JitterSteps, err = m.Int64Counter("vicinity.jitter.steps",
		metric.WithDescription("Jitter pipeline steps by result."),
	); err != nil {
		return nil, err
	}
	if met.JitterDrops, err = m.Int64Counter("vicinity.jitter.drops",
		metric.WithDescription("Frames refused by a jitter buffer by reason."),
	); err != nil {
		return nil, err
	}
	if met.PacketsDropped, err = m.Int64Counter("vicinity.packets.dropped",
		metric.WithDescription("Packets dropped at the network boundary by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioRelayed, err = m.Int64Counter("vicinity.audio.relayed",
		metric.WithDescription("Audio packets forwarded to observers."),
	); err != nil {
		return nil, err
	}
	if met.Logins, err = m.Int64Counter("vicinity.logins",
		metric.WithDescription("Login attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.Entities, err = m.Int64UpDownCounter("vicinity.entities",
		metric.WithDescription("Number of live entities."),
	); err != nil {
		return nil, err
	}
	if met.Connections, err = m.Int64UpDownCounter("vicinity.connections",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}
	if met.Pipelines, err = m.Int64UpDownCounter("vicinity.pipelines",
		metric.WithDescription("Number of running jitter pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vicinity.http.request.duration",
		metric.WithDescription("HTTP request and websocket session duration by route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordVisibilityChange records one gained or lost edge.
func (m *Metrics) RecordVisibilityChange(ctx context.Context, kind string) {
	m.VisibilityChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordJitterStep records the outcome of one pipeline step.
func (m *Metrics) RecordJitterStep(ctx context.Context, result string) {
	m.JitterSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordJitterDrop records one frame refused by a jitter buffer.
func (m *Metrics) RecordJitterDrop(ctx context.Context, reason string) {
	m.JitterDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPacketDropped records one packet discarded at the network boundary.
func (m *Metrics) RecordPacketDropped(ctx context.Context, reason string) {
	m.PacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordLogin records one login attempt.
func (m *Metrics) RecordLogin(ctx context.Context, status string) {
	m.Logins.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
