package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/clementine/pkg/provider/recognizer"
	"github.com/MrWong99/clementine/pkg/provider/runtime"
	"github.com/MrWong99/clementine/pkg/provider/tts"
	"github.com/MrWong99/clementine/pkg/store"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Publisher turns reply text into a URL of synthesized audio.
type Publisher interface {
	Publish(ctx context.Context, text string) (string, error)
}

// RuntimeDeps carries the shared dependencies a runtime factory may use.
type RuntimeDeps struct {
	// Persona configures the assistant's prompt, greeting, and name.
	Persona PersonaConfig

	// Voice synthesizes reply audio. Nil when no synthesizer is configured.
	Voice Publisher
}

// RuntimeFactory constructs a conversational runtime.
type RuntimeFactory func(entry ProviderEntry, deps RuntimeDeps) (runtime.Runtime, error)

// StoreFactory constructs a memory store. ctx bounds connection setup.
type StoreFactory func(ctx context.Context, entry ProviderEntry) (store.Store, error)

// RecognizerFactory constructs a server-side recognizer. It is called once
// per client connection.
type RecognizerFactory func(entry ProviderEntry, speech SpeechConfig) (recognizer.Recognizer, error)

// SynthesizerFactory constructs a speech synthesizer.
type SynthesizerFactory func(entry ProviderEntry) (tts.Synthesizer, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	runtime     map[string]RuntimeFactory
	store       map[string]StoreFactory
	recognizer  map[string]RecognizerFactory
	synthesizer map[string]SynthesizerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		runtime:     make(map[string]RuntimeFactory),
		store:       make(map[string]StoreFactory),
		recognizer:  make(map[string]RecognizerFactory),
		synthesizer: make(map[string]SynthesizerFactory),
	}
}

// RegisterRuntime registers a runtime factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRuntime(name string, factory RuntimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtime[name] = factory
}

// RegisterStore registers a store factory under name.
func (r *Registry) RegisterStore(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[name] = factory
}

// RegisterRecognizer registers a recognizer factory under name.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// RegisterSynthesizer registers a synthesizer factory under name.
func (r *Registry) RegisterSynthesizer(name string, factory SynthesizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizer[name] = factory
}

// CreateRuntime instantiates a runtime using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRuntime(entry ProviderEntry, deps RuntimeDeps) (runtime.Runtime, error) {
	r.mu.RLock()
	factory, ok := r.runtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: runtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, deps)
}

// CreateStore instantiates a store using the factory registered under entry.Name.
func (r *Registry) CreateStore(ctx context.Context, entry ProviderEntry) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.store[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// RecognizerFactoryFor returns a constructor bound to entry and speech, for
// use as the per-connection recognizer factory.
func (r *Registry) RecognizerFactoryFor(entry ProviderEntry, speech SpeechConfig) (func() (recognizer.Recognizer, error), error) {
	r.mu.RLock()
	factory, ok := r.recognizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return func() (recognizer.Recognizer, error) { return factory(entry, speech) }, nil
}

// CreateSynthesizer instantiates a synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateSynthesizer(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.synthesizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
