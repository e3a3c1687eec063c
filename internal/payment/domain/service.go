package domain

import (
	"context"
	"errors"
	"net/http"
)

// IngestResult summarizes what a webhook delivery did. Stage failures past
// the charge write are reported as warnings, never as errors: the gateway
// must not retry a charge we already recorded.
type IngestResult struct {
	Result string `json:"result"` // processed, duplicate

	SubscriptionID string `json:"subscription_id,omitempty"`
	ChargeID       string `json:"charge_id,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	Succeeded      bool   `json:"succeeded"`

	Warnings []string `json:"warnings,omitempty"`
}

type Service interface {
	IngestWebhook(ctx context.Context, payload []byte, headers http.Header) (*IngestResult, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
)
