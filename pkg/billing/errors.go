package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrPackNotConfigured is returned when a token pack is not found in the pack mapping.
	ErrPackNotConfigured = errors.New("token pack not configured")

	// ErrProviderAPIError is returned when the provider's API returns an error.
	ErrProviderAPIError = errors.New("billing provider API error")
)
