package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindActiveByUserID(ctx context.Context, tx *gorm.DB, userID string) (*Subscription, error)
	FindLatestByUserID(ctx context.Context, tx *gorm.DB, userID string) (*Subscription, error)
	FindByRecurringUID(ctx context.Context, tx *gorm.DB, recurringUID string) (*Subscription, error)
	FindByCustomerUID(ctx context.Context, tx *gorm.DB, customerUID string) (*Subscription, error)
	FindByChargeTransactionID(ctx context.Context, tx *gorm.DB, transactionID string) (*Subscription, error)

	Create(ctx context.Context, tx *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, tx *gorm.DB, sub *Subscription) error

	// InsertCharge is idempotent on Charge.TransactionID. The bool reports
	// whether a new row was written; on conflict the stored row is returned.
	InsertCharge(ctx context.Context, tx *gorm.DB, charge *Charge) (*Charge, bool, error)
	HasChargeNear(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, at time.Time, window time.Duration) (bool, error)
	ListCharges(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, limit int) ([]Charge, error)

	ListDueForCancellation(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListExpiredTrials(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListPausedDue(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListStaleVerifications(ctx context.Context, tx *gorm.DB, olderThan time.Time, limit int) ([]Subscription, error)

	CreateSyncHistory(ctx context.Context, tx *gorm.DB, h *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, tx *gorm.DB, h *SyncHistory) error
}
