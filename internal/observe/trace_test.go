package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestEndSpan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		outcome     string
		err         error
		wantOutcome bool
		wantCode    codes.Code
	}{
		{name: "matched", outcome: "matched", wantOutcome: true, wantCode: codes.Unset},
		{name: "no outcome", wantCode: codes.Unset},
		{name: "failed start", outcome: "restarting", err: errors.New("device busy"), wantOutcome: true, wantCode: codes.Error},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tp, exp := newTestTracerProvider(t)
			_, span := tp.Tracer("test").Start(context.Background(), SpanTranscript)
			EndSpan(span, tc.outcome, tc.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1 ended span", len(spans))
			}
			s := spans[0]
			var outcome string
			var found bool
			for _, kv := range s.Attributes {
				if kv.Key == AttrOutcome {
					outcome, found = kv.Value.AsString(), true
				}
			}
			if found != tc.wantOutcome || outcome != tc.outcome {
				t.Errorf("outcome = %q (set %v), want %q", outcome, found, tc.outcome)
			}
			if s.Status.Code != tc.wantCode {
				t.Errorf("status = %v, want %v", s.Status.Code, tc.wantCode)
			}
			if tc.err != nil && (len(s.Events) != 1 || s.Events[0].Name != "exception") {
				t.Errorf("events = %+v, want the recorded error", s.Events)
			}
		})
	}
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	tracer := tp.Tracer("test")
	ctx, parent := tracer.Start(context.Background(), SpanRecognizerRestart)
	defer parent.End()
	childCtx, child := tracer.Start(ctx, SpanTranscript)
	defer child.End()

	want := parent.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want || len(got) != 32 {
		t.Errorf("CorrelationID = %q, want %q", got, want)
	}
	if got := CorrelationID(childCtx); got != want {
		t.Errorf("child CorrelationID = %q, want the parent trace %q", got, want)
	}

	_, other := tracer.Start(context.Background(), SpanTranscript)
	defer other.End()
	if other.SpanContext().TraceID().String() == want {
		t.Error("root spans share a trace id")
	}
}

// Not parallel: Logger reads the default slog logger.
func TestLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without a span has a trace_id: %s", buf.String())
	}

	buf.Reset()
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), SpanNudge)
	defer span.End()
	Logger(ctx).Info("nudge")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log output missing trace_id, got: %s", logged)
	}
	if !strings.Contains(logged, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log output missing span_id, got: %s", logged)
	}
}
