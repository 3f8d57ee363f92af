package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/shoplingo/pkg/billing"
	"github.com/mihaimyh/shoplingo/pkg/jobs"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/logging"
)

// Config holds configuration for the HTTP handler.
type Config struct {
	// Orchestrator runs batch jobs (required).
	Orchestrator *jobs.Orchestrator

	// Ledger answers balance queries (required).
	Ledger *ledger.Manager

	// Billing is optional. When nil the billing routes return 503.
	Billing billing.Provider

	// ShopResolver extracts the tenant from the request, e.g. from a session
	// or an auth header. When it returns empty, handlers fall back to the
	// request's own shop field or query parameter.
	ShopResolver func(*http.Request) string

	// Logger is optional. If nil, logging is disabled.
	Logger logging.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	return nil
}

// NewHandler creates an HTTP handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &logging.NopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a ShopResolver that reads the shop from a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
