package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/prompter/pkg/provider/stt"
	"github.com/MrWong99/prompter/pkg/types"
)

// StreamOptions configures recognizers built by [NewStreamFactory].
type StreamOptions struct {
	// Provider opens the recognition streams.
	Provider stt.Provider

	// Stream is the per-stream configuration (language, alternatives,
	// interim cadence, audio format).
	Stream stt.StreamConfig

	// Keywords, when set, is called at every start so that names from a
	// reloaded script reach the next recycled stream.
	Keywords func() []types.KeywordBoost

	// Audio delivers PCM chunks. It is shared by successive recognizer
	// instances; only the live one reads from it. May be nil when the
	// provider captures audio itself.
	Audio <-chan []byte
}

// NewStreamFactory returns a [Factory] producing [StreamRecognizer]s.
func NewStreamFactory(opts StreamOptions) Factory {
	return func(h Handlers) (Recognizer, error) {
		if opts.Provider == nil {
			return nil, errors.New("supervisor: stream recognizer: nil provider")
		}
		return &StreamRecognizer{opts: opts, h: h}, nil
	}
}

// StreamRecognizer adapts a streaming [stt.Provider] session to the
// [Recognizer] contract. Partials and finals are forwarded to OnResult in
// arrival order; the session's terminal error goes to OnError; OnEnd fires
// when both transcript channels close or the recognizer is stopped.
type StreamRecognizer struct {
	opts StreamOptions
	h    Handlers

	mu      sync.Mutex
	sess    stt.SessionHandle
	cancel  context.CancelFunc
	aborted bool
}

var _ Recognizer = (*StreamRecognizer)(nil)

// Start opens the provider stream and begins forwarding results.
func (r *StreamRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return errors.New("supervisor: stream recognizer already started")
	}

	cfg := r.opts.Stream
	if r.opts.Keywords != nil {
		cfg.Keywords = r.opts.Keywords()
	}
	runCtx, cancel := context.WithCancel(ctx)
	sess, err := r.opts.Provider.StartStream(runCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: start stream: %w", err)
	}
	r.sess = sess
	r.cancel = cancel

	if r.opts.Audio != nil {
		go r.pump(runCtx, sess)
	}
	go r.read(runCtx, sess)
	return nil
}

// Stop closes the session, letting the provider flush pending results.
func (r *StreamRecognizer) Stop() error {
	r.mu.Lock()
	sess, cancel := r.sess, r.cancel
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sess.Close()
	cancel()
	if err != nil {
		return fmt.Errorf("supervisor: close stream: %w", err)
	}
	return nil
}

// Abort cancels the session without waiting for pending results.
func (r *StreamRecognizer) Abort() error {
	r.mu.Lock()
	r.aborted = true
	sess, cancel := r.sess, r.cancel
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	cancel()
	if err := sess.Close(); err != nil {
		return fmt.Errorf("supervisor: close stream: %w", err)
	}
	return nil
}

func (r *StreamRecognizer) pump(ctx context.Context, sess stt.SessionHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-r.opts.Audio:
			if !ok {
				return
			}
			if err := sess.SendAudio(chunk); err != nil {
				if ctx.Err() == nil {
					r.onError(&RecognizerError{Kind: KindAudioCapture, Err: err})
				}
				return
			}
		}
	}
}

func (r *StreamRecognizer) read(ctx context.Context, sess stt.SessionHandle) {
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			partials, finals = nil, nil
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			r.onResult(t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			r.onResult(t)
		}
	}

	r.mu.Lock()
	aborted := r.aborted
	r.mu.Unlock()
	if aborted {
		r.onError(&RecognizerError{Kind: KindAborted})
	} else if err := sess.Err(); err != nil {
		r.onError(err)
	}
	if r.h.OnEnd != nil {
		r.h.OnEnd()
	}
}

func (r *StreamRecognizer) onResult(t types.Transcript) {
	if r.h.OnResult != nil {
		r.h.OnResult(t)
	}
}

func (r *StreamRecognizer) onError(err error) {
	if r.h.OnError != nil {
		r.h.OnError(err)
	}
}
