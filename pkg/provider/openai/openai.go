// Package openai implements provider.Provider on the OpenAI chat completions
// API (and any OpenAI-compatible endpoint).
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/mihaimyh/shoplingo/pkg/provider"
)

const (
	providerName   = "openai"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// ErrAPIKeyNotSet is returned when no API key is configured.
var ErrAPIKeyNotSet = errors.New("openai: API key not set")

// Client implements provider.Provider using the OpenAI SDK.
type Client struct {
	client  openaisdk.Client
	model   string
	timeout time.Duration
}

var _ provider.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout (default: 60s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates an OpenAI-backed provider. model is used when a request does
// not name one.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = defaultModel
	}

	c := &Client{
		client:  openaisdk.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return providerName }

// Generate implements provider.Provider.
func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}

	params := openaisdk.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(req.Prompt),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openaisdk.Error
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == 429 {
				return provider.Result{}, fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
			}
			return provider.Result{}, &provider.Error{
				Provider:   providerName,
				StatusCode: apiErr.StatusCode,
				Err:        err,
			}
		}
		return provider.Result{}, &provider.Error{Provider: providerName, Err: err}
	}

	if len(completion.Choices) == 0 {
		return provider.Result{}, fmt.Errorf("%w: no completion choices returned", provider.ErrInvalidResponse)
	}

	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return provider.Result{}, fmt.Errorf("%w: empty content", provider.ErrInvalidResponse)
	}

	return provider.Result{
		Content: content,
		Usage:   provider.Usage{TotalTokens: completion.Usage.TotalTokens},
		Model:   string(completion.Model),
	}, nil
}
