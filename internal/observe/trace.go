package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the prompter tracer.
const tracerName = "github.com/MrWong99/prompter"

// Span names of the alignment pipeline.
const (
	SpanTranscript        = "session.transcript"
	SpanNudge             = "session.nudge"
	SpanRecognizerStart   = "supervisor.start"
	SpanRecognizerRestart = "supervisor.restart"
	SpanRecognizerResume  = "supervisor.resume"
	SpanRecognizerRecycle = "supervisor.recycle"
)

// Attribute keys shared by the pipeline spans.
const (
	AttrSessionID  = attribute.Key("prompter.session_id")
	AttrFinal      = attribute.Key("prompter.transcript.final")
	AttrTokens     = attribute.Key("prompter.transcript.tokens")
	AttrIndex      = attribute.Key("prompter.commit.index")
	AttrScore      = attribute.Key("prompter.match.score")
	AttrOutcome    = attribute.Key("prompter.outcome")
	AttrReason     = attribute.Key("prompter.reason")
	AttrGeneration = attribute.Key("prompter.recognizer.generation")
)

// Tracer returns the package-level [trace.Tracer]. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan records outcome on span and ends it. A non-nil err marks the span
// failed.
func EndSpan(span trace.Span, outcome string, err error) {
	if outcome != "" {
		span.SetAttributes(AttrOutcome.String(outcome))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// Commit events and commit-log rows carry it as trace_id.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
