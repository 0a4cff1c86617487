// Package stt defines the Provider interface for streaming speech recognizers.
//
// A provider wraps a real-time recognition service and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio frames and emits two streams of Transcript
// values: low-latency partials and authoritative finals. The alignment core
// consumes both: partials keep the teleprompter responsive, finals correct it.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/prompter/pkg/types"
)

// ErrNotSupported is returned by optional SessionHandle methods the backend
// cannot honour.
var ErrNotSupported = errors.New("stt: operation not supported")

// ErrUnauthorized is returned (wrapped) by StartStream when the backend
// rejects the credentials or the account may not use the service. Retrying
// does not help.
var ErrUnauthorized = errors.New("stt: unauthorized")

// StreamConfig describes the audio format and recognition hints for a new
// stream. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the usual choice for
	// microphone capture.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// MaxAlternatives is the number of alternative hypotheses requested per
	// result. Zero leaves the provider default (usually 1).
	MaxAlternatives int

	// InterimIntervalMs hints how often the provider should emit interim
	// results, in milliseconds. Providers without a cadence knob ignore it.
	InterimIntervalMs int

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as names in the loaded script.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open recognition stream. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim hypotheses. The channel
	// is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel of final hypotheses. The channel is
	// closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the active keyword boost list without restarting the
	// session. Providers that do not support mid-session updates return
	// ErrNotSupported.
	SetKeywords(keywords []types.KeywordBoost) error

	// Err returns the error that terminated the session, or nil when the
	// session ended normally (Close, or the provider closed cleanly). Only
	// meaningful after both transcript channels are closed.
	Err() error

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
type Provider interface {
	// StartStream opens a new streaming recognition session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, network unreachable, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
