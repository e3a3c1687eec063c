package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return repo{}
}

func (repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := tx.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (repo) FindActiveByUserID(ctx context.Context, tx *gorm.DB, userID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := tx.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, domain.AccessStatuses()).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (repo) FindLatestByUserID(ctx context.Context, tx *gorm.DB, userID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := tx.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (repo) FindByRecurringUID(ctx context.Context, tx *gorm.DB, recurringUID string) (*domain.Subscription, error) {
	if recurringUID == "" {
		return nil, nil
	}
	var sub domain.Subscription
	err := tx.WithContext(ctx).First(&sub, "recurring_uid = ?", recurringUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (repo) FindByCustomerUID(ctx context.Context, tx *gorm.DB, customerUID string) (*domain.Subscription, error) {
	if customerUID == "" {
		return nil, nil
	}
	var sub domain.Subscription
	err := tx.WithContext(ctx).
		Where("customer_uid = ? AND status IN ?", customerUID, domain.ReconcilableStatuses()).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (repo) FindByChargeTransactionID(ctx context.Context, tx *gorm.DB, transactionID string) (*domain.Subscription, error) {
	if transactionID == "" {
		return nil, nil
	}
	var sub domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT s.*
		 FROM subscriptions s
		 JOIN subscription_charges c ON c.subscription_id = s.id
		 WHERE c.transaction_id = ?
		 LIMIT 1`,
		transactionID,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (repo) Create(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	return tx.WithContext(ctx).Create(sub).Error
}

func (repo) Update(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	return tx.WithContext(ctx).Save(sub).Error
}

func (repo) InsertCharge(ctx context.Context, tx *gorm.DB, charge *domain.Charge) (*domain.Charge, bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}},
			DoNothing: true,
		}).
		Create(charge)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return charge, true, nil
	}

	var existing domain.Charge
	if err := tx.WithContext(ctx).First(&existing, "transaction_id = ?", charge.TransactionID).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (repo) HasChargeNear(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, at time.Time, window time.Duration) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&domain.Charge{}).
		Where("subscription_id = ? AND charged_at BETWEEN ? AND ?",
			subscriptionID, at.Add(-window), at.Add(window)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (repo) ListCharges(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, limit int) ([]domain.Charge, error) {
	var charges []domain.Charge
	q := tx.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("charged_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&charges).Error; err != nil {
		return nil, err
	}
	return charges, nil
}

func (repo) ListDueForCancellation(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]domain.Subscription, error) {
	return listSubscriptions(ctx, tx, limit,
		"cancel_at_period_end = ? AND status IN ? AND next_payment_at IS NOT NULL AND next_payment_at <= ?",
		true, []domain.Status{domain.StatusActive, domain.StatusPaymentFailed, domain.StatusGracePeriod}, before)
}

func (repo) ListExpiredTrials(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]domain.Subscription, error) {
	return listSubscriptions(ctx, tx, limit,
		"status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?",
		domain.StatusTrial, before)
}

func (repo) ListPausedDue(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]domain.Subscription, error) {
	return listSubscriptions(ctx, tx, limit,
		"status = ? AND paused_until IS NOT NULL AND paused_until <= ?",
		domain.StatusPaused, before)
}

func (repo) ListStaleVerifications(ctx context.Context, tx *gorm.DB, olderThan time.Time, limit int) ([]domain.Subscription, error) {
	return listSubscriptions(ctx, tx, limit,
		"status IN ? AND (last_verification_at IS NULL OR last_verification_at < ?)",
		[]domain.Status{domain.StatusActive, domain.StatusTrial, domain.StatusPaymentFailed, domain.StatusGracePeriod}, olderThan)
}

func listSubscriptions(ctx context.Context, tx *gorm.DB, limit int, query string, args ...any) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	q := tx.WithContext(ctx).Where(query, args...).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (repo) CreateSyncHistory(ctx context.Context, tx *gorm.DB, h *domain.SyncHistory) error {
	return tx.WithContext(ctx).Create(h).Error
}

func (repo) UpdateSyncHistory(ctx context.Context, tx *gorm.DB, h *domain.SyncHistory) error {
	return tx.WithContext(ctx).Save(h).Error
}
