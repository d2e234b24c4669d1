package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/transcribe"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when the
// requested provider name has no registered factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factorySet holds the named constructors for one provider kind.
type factorySet[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (T, error)
}

func newFactorySet[T any](kind string) *factorySet[T] {
	return &factorySet[T]{
		kind:      kind,
		factories: make(map[string]func(ProviderEntry) (T, error)),
	}
}

// register stores factory under name, replacing any previous registration.
func (s *factorySet[T]) register(name string, factory func(ProviderEntry) (T, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = factory
}

// create runs the factory registered under entry.Name.
func (s *factorySet[T]) create(entry ProviderEntry) (T, error) {
	s.mu.RLock()
	factory, ok := s.factories[entry.Name]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, s.kind, entry.Name)
	}
	return factory(entry)
}

// Registry resolves the provider names in a [Config] to constructed provider
// instances, one factory set per provider kind. Safe for concurrent use.
type Registry struct {
	transcriber *factorySet[transcribe.Provider]
	llm         *factorySet[llm.Provider]
	tts         *factorySet[tts.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: newFactorySet[transcribe.Provider]("transcriber"),
		llm:         newFactorySet[llm.Provider]("llm"),
		tts:         newFactorySet[tts.Provider]("tts"),
	}
}

// RegisterTranscriber registers a transcription provider factory under name.
func (r *Registry) RegisterTranscriber(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.transcriber.register(name, factory)
}

// RegisterLLM registers a completion provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, factory)
}

// RegisterTTS registers a synthesis provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.tts.register(name, factory)
}

// CreateTranscriber builds the transcriber entry.Name refers to, or
// [ErrProviderNotRegistered].
func (r *Registry) CreateTranscriber(entry ProviderEntry) (transcribe.Provider, error) {
	return r.transcriber.create(entry)
}

// CreateLLM builds the completion provider entry.Name refers to.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateTTS builds the synthesis provider entry.Name refers to.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(entry)
}
