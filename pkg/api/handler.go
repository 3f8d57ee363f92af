// Package api exposes the batch generation service over HTTP: batch
// submission, job status, cancellation, balance queries, and billing top-ups.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/shoplingo/pkg/jobs"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/logging"
)

const maxShopLen = 255

// Handler provides the HTTP endpoints.
type Handler struct {
	config Config
}

// Routes returns a chi router with all endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate-apply-batch", h.GenerateApplyBatch)
	r.Get("/job-status", h.JobStatus)
	r.Post("/job-cancel", h.JobCancel)
	r.Get("/balance", h.Balance)
	r.Post("/billing/checkout", h.BillingCheckout)
	if h.config.Billing != nil {
		r.Method(http.MethodPost, "/billing/"+h.config.Billing.Name()+"/webhook", h.config.Billing.WebhookHandler())
	}
	return r
}

// GenerateApplyBatch accepts a batch and starts an asynchronous job.
func (h *Handler) GenerateApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	shop := h.resolveShop(r, req.Shop)
	if shop == "" || len(shop) > maxShopLen {
		h.writeError(w, http.StatusBadRequest, "shop is required")
		return
	}

	batch := jobs.BatchRequest{Shop: shop, Model: req.Model}
	for _, p := range req.Products {
		batch.Products = append(batch.Products, jobs.BatchProduct{
			ProductID:         p.ProductID,
			Languages:         p.Languages,
			ExistingLanguages: p.ExistingLanguages,
		})
	}

	job, err := h.config.Orchestrator.Enqueue(r.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, "insufficient token balance")
		case errors.Is(err, jobs.ErrJobAlreadyRunning):
			h.writeError(w, http.StatusConflict, "a job is already running for this shop")
		case errors.Is(err, jobs.ErrEmptyBatch):
			h.writeError(w, http.StatusBadRequest, "batch contains no products")
		default:
			h.config.Logger.Error("batch submission failed",
				logging.F("shop", shop), logging.F("error", err))
			h.writeError(w, http.StatusInternalServerError, "failed to start job")
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, BatchResponse{
		Queued:        !job.Status.Terminal(),
		JobID:         job.ID,
		TotalProducts: len(job.Products),
	})
}

// JobStatus reports the tenant's most recent job.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	shop := h.resolveShop(r, r.URL.Query().Get("shop"))
	if shop == "" {
		h.writeError(w, http.StatusBadRequest, "shop is required")
		return
	}

	job, err := h.config.Orchestrator.Status(r.Context(), shop)
	if err != nil {
		h.config.Logger.Error("status lookup failed",
			logging.F("shop", shop), logging.F("error", err))
		h.writeError(w, http.StatusInternalServerError, "failed to read job status")
		return
	}
	if job == nil {
		h.writeError(w, http.StatusNotFound, "no job found")
		return
	}

	progress := job.Progress
	h.writeJSON(w, http.StatusOK, JobStatusResponse{
		InProgress: !job.Status.Terminal(),
		Status:     string(job.Status),
		Progress:   &progress,
		Message:    job.Error,
	})
}

// JobCancel requests cancellation of the tenant's active job.
func (h *Handler) JobCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	shop := h.resolveShop(r, req.Shop)
	if shop == "" {
		shop = r.URL.Query().Get("shop")
	}
	if shop == "" {
		h.writeError(w, http.StatusBadRequest, "shop is required")
		return
	}

	ok, err := h.config.Orchestrator.Cancel(r.Context(), shop)
	if err != nil {
		h.config.Logger.Error("cancel failed",
			logging.F("shop", shop), logging.F("error", err))
		h.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	h.writeJSON(w, http.StatusOK, CancelResponse{Success: ok})
}

// Balance reports the tenant's token balance, provisioning the trial grant
// for first-time tenants.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	shop := h.resolveShop(r, r.URL.Query().Get("shop"))
	if shop == "" {
		h.writeError(w, http.StatusBadRequest, "shop is required")
		return
	}

	bal, err := h.config.Ledger.GetOrCreate(r.Context(), shop)
	if err != nil {
		h.config.Logger.Error("balance lookup failed",
			logging.F("shop", shop), logging.F("error", err))
		h.writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}

	h.writeJSON(w, http.StatusOK, BalanceResponse{
		Shop:           bal.Shop,
		Balance:        bal.Balance,
		TotalPurchased: bal.TotalPurchased,
	})
}

// BillingCheckout creates a hosted checkout session for a token pack.
func (h *Handler) BillingCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Billing == nil {
		h.writeError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	shop := h.resolveShop(r, req.Shop)
	if shop == "" || req.Pack == "" {
		h.writeError(w, http.StatusBadRequest, "shop and pack are required")
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), shop, req.Pack, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.config.Logger.Error("checkout failed",
			logging.F("shop", shop), logging.F("pack", req.Pack), logging.F("error", err))
		h.writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// resolveShop prefers the configured resolver, falling back to the value the
// request itself carried.
func (h *Handler) resolveShop(r *http.Request, fallback string) string {
	if h.config.ShopResolver != nil {
		if shop := h.config.ShopResolver(r); shop != "" {
			return shop
		}
	}
	return fallback
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}
