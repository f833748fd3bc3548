// Package llm routes generation requests to model providers.
//
// Every backend satisfies Gateway: a synchronous Invoke and a Stream that
// yields text fragments in generation order. Failures are always reported as
// *ProviderError, never as silently empty text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/comigor/llmrelay/internal/history"
)

// ErrEmptyResponse is returned when a provider answers without any candidate.
var ErrEmptyResponse = errors.New("provider returned no choices")

// ErrNoBackend is returned when no backend serves the requested model.
var ErrNoBackend = errors.New("no backend for model")

// Params select the model and sampling temperature of one call.
type Params struct {
	Model       string
	Temperature float64
}

// Gateway is the contract every model backend satisfies.
type Gateway interface {
	Invoke(ctx context.Context, p Params, msgs []history.Message) (string, error)
	// Stream yields fragments in order. A non-nil error is yielded at most once
	// and ends the sequence. Breaking out of the loop stops the upstream call.
	Stream(ctx context.Context, p Params, msgs []history.Message) iter.Seq2[string, error]
}

// ProviderError wraps any upstream failure, timeouts included.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Wrap converts err into a *ProviderError unless it already is one.
func Wrap(provider, model string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Model: model, Err: err}
}

// ChunkText splits s into pieces of at most size runes.
func ChunkText(s string, size int) []string {
	if size <= 0 || s == "" {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(s)/size+1)
	start, n := 0, 0
	for i := range s {
		if n == size {
			chunks = append(chunks, s[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(chunks, s[start:])
}

// errSeq yields a single error.
func errSeq(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
