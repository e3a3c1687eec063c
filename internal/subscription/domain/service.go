package domain

import (
	"context"
	"time"
)

type Recommendation string

const (
	RecommendationUpdateStatus  Recommendation = "UPDATE_SYSTEM_STATUS"
	RecommendationCancel        Recommendation = "CANCEL_SYSTEM_SUBSCRIPTION"
	RecommendationSuspendStatus Recommendation = "UPDATE_SYSTEM_TO_SUSPENDED"
	RecommendationSyncDates     Recommendation = "SYNC_DATES"
	RecommendationSuspendAccess Recommendation = "SUSPEND_ACCESS"
	RecommendationGracePeriod   Recommendation = "GRACE_PERIOD"
	RecommendationManualReview  Recommendation = "MANUAL_REVIEW"
)

type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`

	// Source reports where the verdict came from: local, cache, gateway
	// or fail_open.
	Source string `json:"source"`

	Status        Status     `json:"status,omitempty"`
	NextPaymentAt *time.Time `json:"next_payment_at,omitempty"`
}

type Verification struct {
	UserID        string `json:"user_id"`
	LocalStatus   Status `json:"local_status"`
	GatewayStatus string `json:"gateway_status"`
	GatewayFound  bool   `json:"gateway_found"`

	DateDriftDays  int  `json:"date_drift_days"`
	OverdueDays    int  `json:"overdue_days"`
	GatewayCheckOK bool `json:"gateway_check_ok"`

	Recommendations []Recommendation `json:"recommendations"`

	// Applied lists recommendations executed by VerifyAndFix.
	Applied []Recommendation `json:"applied,omitempty"`
}

type SyncResult struct {
	UserID            string     `json:"user_id"`
	Status            SyncStatus `json:"status"`
	ChargesFound      int        `json:"charges_found"`
	ChargesBackfilled int        `json:"charges_backfilled"`
	InvoicesCreated   int        `json:"invoices_created"`
	EmailsSent        int        `json:"emails_sent"`
	Errors            []string   `json:"errors,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
	DurationMS        int64      `json:"duration_ms"`
}

type Service interface {
	HasActive(ctx context.Context, userID string) (bool, error)
	ValidateAccess(ctx context.Context, userID string) (AccessResult, error)
	Verify(ctx context.Context, userID string) (Verification, error)
	VerifyAndFix(ctx context.Context, userID string, autoFix bool) (Verification, error)
	SyncFromGateway(ctx context.Context, userID, source string) (SyncResult, error)
	Cancel(ctx context.Context, userID string) (*Subscription, error)
	GetByUserID(ctx context.Context, userID string) (*Subscription, error)
}
