package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

type Invoice struct {
	ID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID string       `gorm:"index;type:uuid"`

	// Sequential per calendar year: "2026-0001". Uniqueness is enforced by
	// the database; allocation collisions are retried by the service.
	InvoiceNumber string `gorm:"uniqueIndex"`

	Status        InvoiceStatus
	SourceQuoteID *snowflake.ID `gorm:"index"`

	Subtotal float64
	Total    float64
	Currency string

	Description string
	PaymentLink string

	IssuedAt time.Time
	DueAt    *time.Time
	PaidAt   *time.Time

	Metadata datatypes.JSONMap

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Invoice) TableName() string { return "invoices" }

type InvoiceItem struct {
	ID        snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	InvoiceID snowflake.ID `gorm:"index"`

	Description string
	Quantity    float64
	UnitPrice   float64
	Total       float64

	CreatedAt time.Time
}

func (InvoiceItem) TableName() string { return "invoice_items" }

type QuoteStatus string

const (
	QuoteStatusDraft     QuoteStatus = "draft"
	QuoteStatusSent      QuoteStatus = "sent"
	QuoteStatusAccepted  QuoteStatus = "accepted"
	QuoteStatusConverted QuoteStatus = "converted"
	QuoteStatusExpired   QuoteStatus = "expired"
)

type Quote struct {
	ID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID string       `gorm:"index;type:uuid"`

	QuoteNumber string `gorm:"uniqueIndex"`
	Status      QuoteStatus

	Total    float64
	Currency string

	Description string
	ValidUntil  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Quote) TableName() string { return "quotes" }

type QuoteItem struct {
	ID      snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	QuoteID snowflake.ID `gorm:"index"`

	Description string
	Quantity    float64
	UnitPrice   float64
	Total       float64

	CreatedAt time.Time
}

func (QuoteItem) TableName() string { return "quote_items" }
