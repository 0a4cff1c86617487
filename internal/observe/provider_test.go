package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Not parallel: InitProvider replaces the global providers.
func TestInitProvider(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(ctx, ProviderConfig{ServiceName: "prompter-test", Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	counter, err := otel.Meter("test").Int64Counter("prompter_test_commits")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(ctx, 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "prompter_test_commits") {
			found = true
		}
	}
	if !found {
		t.Error("counter not exported to the registry")
	}

	spanCtx, span := StartSpan(ctx, SpanTranscript)
	if CorrelationID(spanCtx) == "" || !span.SpanContext().IsSampled() {
		t.Error("global tracer does not record spans")
	}
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestProviderConfig_Sampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ratio float64
		want  bool
	}{
		{name: "zero records all", ratio: 0, want: true},
		{name: "one records all", ratio: 1, want: true},
		{name: "out of range records all", ratio: 4, want: true},
		{name: "vanishing ratio drops roots", ratio: 1e-12, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(ProviderConfig{SampleRatio: tc.ratio}.sampler()))
			_, span := tp.Tracer("test").Start(context.Background(), SpanTranscript)
			defer span.End()
			if got := span.SpanContext().IsSampled(); got != tc.want {
				t.Errorf("sampled = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProviderConfig_SamplerFollowsParent(t *testing.T) {
	t.Parallel()

	all := sdktrace.NewTracerProvider()
	rare := sdktrace.NewTracerProvider(sdktrace.WithSampler(ProviderConfig{SampleRatio: 1e-12}.sampler()))

	ctx, parent := all.Tracer("test").Start(context.Background(), SpanRecognizerRestart)
	defer parent.End()
	_, child := rare.Tracer("test").Start(ctx, SpanTranscript)
	defer child.End()
	if !child.SpanContext().IsSampled() {
		t.Error("child of a sampled parent was dropped")
	}
}
