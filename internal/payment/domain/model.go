package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID        snowflake.ID  `gorm:"primaryKey;autoIncrement:false"`
	InvoiceID *snowflake.ID `gorm:"index"`
	UserID    string        `gorm:"index;type:uuid"`

	Amount   float64
	Currency string
	Method   string // recurring, payment_page
	Status   PaymentStatus

	TransactionID string `gorm:"index"`

	PaidAt    *time.Time
	CreatedAt time.Time
}

func (Payment) TableName() string { return "payments" }

// EventRecord is the audit trail of webhook deliveries, masked payload
// included. Old rows are purged by the scheduler.
type EventRecord struct {
	ID            snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	TransactionID string         `gorm:"index"`
	Extractor     string         // which payload shape matched
	Result        string         // processed, duplicate, ignored, rejected
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt    time.Time      `gorm:"index"`
}

func (EventRecord) TableName() string { return "payment_events" }
