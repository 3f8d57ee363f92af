// Package mock provides a scripted provider.Provider for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/shoplingo/pkg/provider"
)

// Provider is a mock LLM provider for testing.
type Provider struct {
	name         string
	latency      time.Duration
	staticErr    error
	usage        provider.Usage
	callCount    atomic.Int64
	responseFunc func(provider.Request) (provider.Result, error)
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:  "mock",
		usage: provider.Usage{TotalTokens: 30},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u provider.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(provider.Request) (provider.Result, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// CallCount returns the number of Generate calls made so far.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Generate implements provider.Provider.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	p.callCount.Add(1)

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}
	if p.staticErr != nil {
		return provider.Result{}, p.staticErr
	}

	return provider.Result{
		Content: "mock content for: " + req.Prompt,
		Usage:   p.usage,
		Model:   req.Model,
	}, nil
}
