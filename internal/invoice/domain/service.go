package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateSubscriptionInvoiceRequest struct {
	UserID      string
	Amount      float64
	Currency    string
	Description string
	PaidAt      time.Time
}

type ConversionResult struct {
	Invoice     *Invoice `json:"invoice"`
	PaymentLink string   `json:"payment_link"`
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	CreateSubscriptionInvoice(ctx context.Context, req CreateSubscriptionInvoiceRequest) (*Invoice, error)
	ConvertQuote(ctx context.Context, quoteID snowflake.ID) (*ConversionResult, error)
	RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error)
}
