package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/prompter/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRecognizer] when
// no factory has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RecognizerFactory builds a recognizer backend from its config entry.
type RecognizerFactory func(ProviderEntry) (stt.Provider, error)

// Registry maps recognizer names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	recognizer map[string]RecognizerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{recognizer: make(map[string]RecognizerFactory)}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// CreateRecognizer instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create recognizer %q: %w", entry.Name, err)
	}
	return p, nil
}

// Recognizers returns the registered names, sorted.
func (r *Registry) Recognizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recognizer))
	for n := range r.recognizer {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
