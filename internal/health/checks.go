package health

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoScript is reported by [ScriptLoaded] while the script is empty.
var ErrNoScript = errors.New("no script loaded")

// Recognizer fails while state reports "fatal", the state in which the
// supervisor has paused listening after repeated errors.
func Recognizer(state func() string) Checker {
	return Checker{
		Name: "recognizer",
		Check: func(context.Context) error {
			if s := state(); s == "fatal" {
				return fmt.Errorf("listening paused (state %s)", s)
			}
			return nil
		},
	}
}

// ScriptLoaded fails while words reports an empty script.
func ScriptLoaded(words func() int) Checker {
	return Checker{
		Name: "script",
		Check: func(context.Context) error {
			if words() == 0 {
				return ErrNoScript
			}
			return nil
		},
	}
}

// CommitLog fails when probe fails. The app passes a one-row query against
// the configured store.
func CommitLog(probe func(ctx context.Context) error) Checker {
	return Checker{Name: "commitlog", Check: probe}
}
