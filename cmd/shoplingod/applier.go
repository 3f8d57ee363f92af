package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mihaimyh/shoplingo/pkg/jobs"
	"github.com/mihaimyh/shoplingo/pkg/logging"
)

// buildApplier wires the platform apply contract. With APPLY_URL set, applied
// content is POSTed there; without it, applies are logged and accepted, which
// keeps local development working end to end.
func buildApplier(log logging.Logger) jobs.Applier {
	url := os.Getenv("APPLY_URL")
	if url == "" {
		log.Info("APPLY_URL not set, applies are logged only")
		return logApplier{log: log}
	}
	return &httpApplier{
		url:    url,
		token:  os.Getenv("APPLY_TOKEN"),
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

type logApplier struct {
	log logging.Logger
}

func (a logApplier) Apply(ctx context.Context, productID, language, content string, opts jobs.ApplyOptions) (*jobs.ApplyResult, error) {
	a.log.Info("apply (dry run)",
		logging.F("product_id", productID),
		logging.F("language", language),
		logging.F("content_len", len(content)))
	return &jobs.ApplyResult{OK: true}, nil
}

// httpApplier delivers generated content to the platform endpoint.
type httpApplier struct {
	url    string
	token  string
	client *http.Client
	log    logging.Logger
}

type applyPayload struct {
	ProductID string `json:"productId"`
	Language  string `json:"language"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
}

type applyResponse struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

func (a *httpApplier) Apply(ctx context.Context, productID, language, content string, opts jobs.ApplyOptions) (*jobs.ApplyResult, error) {
	body, err := json.Marshal(applyPayload{
		ProductID: productID,
		Language:  language,
		Content:   content,
		Model:     opts.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal apply payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &jobs.ApplyResult{
			OK:     false,
			Errors: []string{fmt.Sprintf("apply endpoint returned %d", resp.StatusCode)},
		}, nil
	}

	var parsed applyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// A 2xx with an unreadable body still applied.
		return &jobs.ApplyResult{OK: true}, nil
	}
	return &jobs.ApplyResult{OK: parsed.OK, Errors: parsed.Errors}, nil
}
