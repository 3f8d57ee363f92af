package api

import "github.com/mihaimyh/shoplingo/pkg/jobs"

// BatchProduct is one catalog item in a batch request.
type BatchProduct struct {
	ProductID         string   `json:"productId"`
	Languages         []string `json:"languages"`
	ExistingLanguages []string `json:"existingLanguages"`
}

// BatchRequest is the POST /generate-apply-batch payload.
type BatchRequest struct {
	Shop     string         `json:"shop"`
	Products []BatchProduct `json:"products"`
	Model    string         `json:"model,omitempty"`
}

// BatchResponse acknowledges an accepted batch.
type BatchResponse struct {
	Queued        bool   `json:"queued"`
	JobID         string `json:"jobId"`
	TotalProducts int    `json:"totalProducts"`
}

// JobStatusResponse is the GET /job-status payload.
type JobStatusResponse struct {
	InProgress bool           `json:"inProgress"`
	Status     string         `json:"status"`
	Progress   *jobs.Progress `json:"progress,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// CancelRequest is the POST /job-cancel payload.
type CancelRequest struct {
	Shop string `json:"shop"`
}

// CancelResponse reports whether a cancellation was recorded.
type CancelResponse struct {
	Success bool `json:"success"`
}

// BalanceResponse is the GET /balance payload.
type BalanceResponse struct {
	Shop           string `json:"shop"`
	Balance        int64  `json:"balance"`
	TotalPurchased int64  `json:"totalPurchased"`
}

// CheckoutRequest is the POST /billing/checkout payload.
type CheckoutRequest struct {
	Shop       string `json:"shop"`
	Pack       string `json:"pack"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
