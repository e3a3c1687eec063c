package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

// Months returns the billing interval length. Unknown cycles fall back to
// monthly, matching how the gateway bills when no interval is configured.
func (b BillingCycle) Months() int {
	if b == BillingCycleAnnual {
		return 12
	}
	return 1
}

type Subscription struct {
	ID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID string       `gorm:"index;type:uuid"`

	Plan         string
	BillingCycle BillingCycle
	Status       Status `gorm:"index"`

	// Gateway identifiers. RecurringUID pins the recurring charge on the
	// gateway side; CustomerUID is the gateway's customer handle and
	// doubles as "has a stored payment method".
	RecurringUID string `gorm:"index"`
	CustomerUID  string `gorm:"index"`

	Amount   float64
	Currency string

	LastPaymentAt   *time.Time
	NextPaymentAt   *time.Time
	PaymentFailures int

	TrialEndsAt       *time.Time
	CancelAtPeriodEnd bool
	CancelledAt       *time.Time
	AutoRenew         bool `gorm:"default:true"`

	PausedAt    *time.Time
	PausedUntil *time.Time
	PauseReason string

	SuspendedAt      *time.Time
	SuspensionReason string

	// Last time the gateway confirmed this subscription. Access checks
	// within the verification TTL skip the gateway entirely.
	LastVerificationAt *time.Time

	Metadata datatypes.JSONMap

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Subscription) TableName() string { return "subscriptions" }

type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusFailed    ChargeStatus = "failed"
)

type Charge struct {
	ID             snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	SubscriptionID snowflake.ID `gorm:"index"`
	UserID         string       `gorm:"index;type:uuid"`

	// Gateway transaction id. The unique index is the idempotency key:
	// replayed webhooks collide here instead of double-charging state.
	TransactionID  string `gorm:"uniqueIndex"`
	TransactionUID string

	Amount     float64
	Currency   string
	Status     ChargeStatus
	StatusCode string

	FourDigits string
	Brand      string

	ChargedAt  time.Time
	RawPayload datatypes.JSON

	CreatedAt time.Time
}

func (Charge) TableName() string { return "subscription_charges" }

type SyncStatus string

const (
	SyncStatusInProgress     SyncStatus = "in_progress"
	SyncStatusSuccess        SyncStatus = "success"
	SyncStatusPartialSuccess SyncStatus = "partial_success"
	SyncStatusFailed         SyncStatus = "failed"
)

type SyncHistory struct {
	ID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID string       `gorm:"index;type:uuid"`

	Source string // manual, scheduler
	Status SyncStatus

	ChargesFound      int
	ChargesBackfilled int
	InvoicesCreated   int
	EmailsSent        int

	Errors   datatypes.JSON
	Warnings datatypes.JSON

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  int64

	CreatedAt time.Time
}

func (SyncHistory) TableName() string { return "subscription_sync_history" }
