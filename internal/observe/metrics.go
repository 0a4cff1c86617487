// Package observe provides application-wide observability primitives for
// the prompter: OpenTelemetry metrics, tracing helpers, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all prompter metrics.
const meterName = "github.com/MrWong99/prompter"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Alignment pipeline ---

	// MatchDuration tracks the time spent scoring one spoken window.
	MatchDuration metric.Float64Histogram

	// MatchScore records the best similarity of every match.
	MatchScore metric.Float64Histogram

	// Transcripts counts recognizer results. Use with attributes:
	//   attribute.String("kind", "partial"|"final"),
	//   attribute.String("outcome", "matched"|"unmatched"|"throttled"|"stale"|"inactive")
	Transcripts metric.Int64Counter

	// Commits counts accepted commits. Use with attribute:
	//   attribute.String("kind", "advance"|"leap"|"refresh"|"nudge")
	Commits metric.Int64Counter

	// Suppressed counts rejected candidates. Use with attribute:
	//   attribute.String("reason", "dup"|"backwards"|"freeze"|"leap")
	Suppressed metric.Int64Counter

	// --- Controller ---

	// Bias is the last controller bias fraction.
	Bias metric.Float64Gauge

	// ScrollSpeed is the last directed scroll speed in px/s.
	ScrollSpeed metric.Float64Gauge

	// --- Recognizer ---

	// RecognizerEvents counts supervisor status events. Use with attributes:
	//   attribute.String("type", ...), attribute.String("kind", ...)
	RecognizerEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running alignment sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StreamClients tracks connected directive-stream clients.
	StreamClients metric.Int64UpDownCounter

	// --- Persistence ---

	// CommitLogErrors counts failed commit-log writes.
	CommitLogErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// matchBuckets are histogram boundaries (in seconds) for match latency,
// which should stay well inside one partial interval.
var matchBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

var scoreBuckets = []float64{0.1, 0.2, 0.3, 0.35, 0.4, 0.5, 0.6, 0.7, 0.8, 0.82, 0.9, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.MatchDuration, err = m.Float64Histogram("prompter.match.duration",
		metric.WithDescription("Latency of scoring one spoken window against the candidate window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(matchBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchScore, err = m.Float64Histogram("prompter.match.score",
		metric.WithDescription("Best similarity score per match."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transcripts, err = m.Int64Counter("prompter.transcripts",
		metric.WithDescription("Recognizer results by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("prompter.guard.commits",
		metric.WithDescription("Accepted commits by kind."),
	); err != nil {
		return nil, err
	}
	if met.Suppressed, err = m.Int64Counter("prompter.guard.suppressed",
		metric.WithDescription("Rejected candidates by reason."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerEvents, err = m.Int64Counter("prompter.recognizer.events",
		metric.WithDescription("Recognizer supervisor status events by type and error kind."),
	); err != nil {
		return nil, err
	}
	if met.CommitLogErrors, err = m.Int64Counter("prompter.commitlog.errors",
		metric.WithDescription("Failed commit log writes."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.Bias, err = m.Float64Gauge("prompter.controller.bias",
		metric.WithDescription("Current scroll-speed bias fraction."),
	); err != nil {
		return nil, err
	}
	if met.ScrollSpeed, err = m.Float64Gauge("prompter.controller.speed",
		metric.WithDescription("Current directed scroll speed."),
		metric.WithUnit("px/s"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("prompter.active_sessions",
		metric.WithDescription("Number of running alignment sessions."),
	); err != nil {
		return nil, err
	}
	if met.StreamClients, err = m.Int64UpDownCounter("prompter.stream_clients",
		metric.WithDescription("Number of connected directive-stream clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("prompter.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscript counts one recognizer result.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool, outcome string) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordMatch records the latency and best score of one match.
func (m *Metrics) RecordMatch(ctx context.Context, seconds, score float64) {
	m.MatchDuration.Record(ctx, seconds)
	m.MatchScore.Record(ctx, score)
}

// RecordCommit counts one accepted commit.
func (m *Metrics) RecordCommit(ctx context.Context, kind string) {
	m.Commits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSuppressed counts one rejected candidate.
func (m *Metrics) RecordSuppressed(ctx context.Context, reason string) {
	m.Suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDirective records the controller output.
func (m *Metrics) RecordDirective(ctx context.Context, bias, pxPerSec float64, state string) {
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.Bias.Record(ctx, bias, attrs)
	m.ScrollSpeed.Record(ctx, pxPerSec, attrs)
}

// RecordRecognizerEvent counts one supervisor status event.
func (m *Metrics) RecordRecognizerEvent(ctx context.Context, typ, kind string) {
	m.RecognizerEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("kind", kind),
	))
}
