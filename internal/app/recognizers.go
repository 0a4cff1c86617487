package app

import (
	"fmt"
	"time"

	"github.com/MrWong99/prompter/internal/config"
	"github.com/MrWong99/prompter/internal/resilience"
	"github.com/MrWong99/prompter/pkg/provider/stt"
	"github.com/MrWong99/prompter/pkg/provider/stt/deepgram"
	"github.com/MrWong99/prompter/pkg/provider/stt/mock"
)

// DefaultRegistry returns a registry with the built-in recognizer backends:
// "deepgram" (streaming websocket API) and "mock" (never produces results;
// useful to drive the scroll-writer by hand).
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterRecognizer("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterRecognizer("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &mock.Provider{}, nil
	})
	return reg
}

// NewRecognizer builds the configured recognizer. With fallbacks configured
// the result opens each stream on the first backend whose circuit breaker
// is closed. An empty recognizer name returns nil, nil.
func NewRecognizer(reg *config.Registry, rc config.RecognizerConfig) (stt.Provider, error) {
	if rc.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateRecognizer(rc.ProviderEntry)
	if err != nil {
		return nil, err
	}
	if len(rc.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewSTTFallback(primary, rc.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		},
	})
	for i, e := range rc.Fallbacks {
		p, err := reg.CreateRecognizer(e)
		if err != nil {
			return nil, fmt.Errorf("app: recognizer fallback %d: %w", i, err)
		}
		fb.AddFallback(e.Name, p)
	}
	return fb, nil
}
