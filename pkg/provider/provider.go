// Package provider defines the contract for external LLM providers consumed
// through the call queue.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for one call.
type Usage struct {
	TotalTokens int64
}

// Result is a successful generation.
type Result struct {
	Content string
	Usage   Usage
	Model   string
}

// Provider is implemented by LLM backends.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// Generate performs one synchronous completion call. Fails with a
	// transport error on non-2xx and with ErrInvalidResponse on empty or
	// non-parseable content.
	Generate(ctx context.Context, req Request) (Result, error)
}

// Sentinel errors.
var (
	// ErrRateLimited indicates the provider rejected the call with HTTP 429.
	ErrRateLimited = errors.New("provider: rate limited")

	// ErrInvalidResponse indicates the provider returned empty or
	// non-parseable content. Treated like a provider failure for ledger
	// purposes but reported with distinct diagnostic text.
	ErrInvalidResponse = errors.New("provider: invalid response")
)

// Error wraps a transport/HTTP failure from a provider call.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: status=%d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
