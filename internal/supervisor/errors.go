package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/coder/websocket"

	"github.com/MrWong99/prompter/pkg/provider/stt"
)

// ErrNoFactory is returned by [Supervisor.Start] when the supervisor was
// built without a recognizer factory.
var ErrNoFactory = errors.New("supervisor: no recognizer factory")

// ErrorKind classifies recognizer failures. Only [KindNetwork] and
// [KindNotAllowed] change the supervisor's behaviour; every other kind is
// reported and left to the end-of-recognition restart path.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindNoSpeech     ErrorKind = "no-speech"
	KindAudioCapture ErrorKind = "audio-capture"
	KindNotAllowed   ErrorKind = "not-allowed"
	KindAborted      ErrorKind = "aborted"
	KindOther        ErrorKind = "other"
)

// RecognizerError tags an error with its kind. Recognizer adapters return
// or report it when they know better than [Classify].
type RecognizerError struct {
	Kind ErrorKind
	Err  error
}

func (e *RecognizerError) Error() string {
	if e.Err == nil {
		return "recognizer: " + string(e.Kind)
	}
	return fmt.Sprintf("recognizer: %s: %v", e.Kind, e.Err)
}

func (e *RecognizerError) Unwrap() error { return e.Err }

// Classify maps err to an [ErrorKind]. A nil error has the empty kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RecognizerError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, stt.ErrUnauthorized):
		return KindNotAllowed
	case errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	if websocket.CloseStatus(err) != -1 {
		return KindNetwork
	}
	return KindOther
}
