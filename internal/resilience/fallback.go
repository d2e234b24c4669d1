package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means every provider in a [FallbackGroup] either failed or
// was skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker configuration stamped onto each provider
// registered in a [FallbackGroup]; the entry name becomes the breaker name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// FallbackGroup holds a primary provider and its ordered fallbacks, each
// guarded by its own [CircuitBreaker]. A call walks the entries in
// registration order until one succeeds; entries with an open breaker are
// skipped without being called.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// NewFallbackGroup starts a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: slog.Default()}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider to the end of the trial order.
func (fg *FallbackGroup[T]) AddFallback(name string, provider T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   provider,
		breaker: NewCircuitBreaker(bc),
	})
}

// Names lists the registered providers in trial order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Execute walks the group until fn succeeds against some entry. The returned
// error wraps [ErrAllFailed] around the last failure when nothing worked.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(p T) (struct{}, error) {
		return struct{}{}, fn(p)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a free function because methods cannot add type parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		e := &fg.entries[i]

		var out R
		err := e.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			return out, nil
		}

		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("provider skipped, breaker open", "provider", e.name)
		} else {
			fg.log.Warn("provider failed, trying next in group",
				"provider", e.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
