package service

import (
	"context"
	"encoding/json"
	"time"

	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/clearpointsec/billing/internal/notification"
	"github.com/clearpointsec/billing/internal/payplus"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// backfillWindow is how close an existing charge has to be to a gateway
// charge before we consider them the same billing event.
const backfillWindow = 24 * time.Hour

// SyncFromGateway pulls the gateway's truth for one user and reconciles the
// local subscription against it: cached fields, status, and any charge the
// webhook pipeline missed. Every run leaves a sync history row.
func (s *Service) SyncFromGateway(ctx context.Context, userID, source string) (subscriptiondomain.SyncResult, error) {
	started := s.clock.Now(ctx)

	sub, err := s.repo.FindLatestByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.SyncResult{}, err
	}
	if sub == nil {
		return subscriptiondomain.SyncResult{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	history := &subscriptiondomain.SyncHistory{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Source:    source,
		Status:    subscriptiondomain.SyncStatusInProgress,
		StartedAt: started,
		CreatedAt: started,
	}
	if err := s.repo.CreateSyncHistory(ctx, s.db, history); err != nil {
		return subscriptiondomain.SyncResult{}, err
	}

	result := subscriptiondomain.SyncResult{UserID: userID}

	rs, _, err := s.fetchGatewayStatus(ctx, sub, payplus.FailClosed)
	if err != nil {
		result.Status = subscriptiondomain.SyncStatusFailed
		result.Errors = append(result.Errors, "gateway_fetch_failed: "+err.Error())
		s.finishSync(ctx, history, &result, started)
		s.metrics.SyncRuns.WithLabelValues(string(result.Status)).Inc()
		return result, err
	}

	if err := s.applyGatewayState(ctx, sub, rs); err != nil {
		result.Errors = append(result.Errors, "subscription_update_failed: "+err.Error())
	}

	s.backfillCharge(ctx, sub, rs, &result)

	switch {
	case len(result.Errors) > 0:
		result.Status = subscriptiondomain.SyncStatusFailed
	case len(result.Warnings) > 0:
		result.Status = subscriptiondomain.SyncStatusPartialSuccess
	default:
		result.Status = subscriptiondomain.SyncStatusSuccess
	}
	s.finishSync(ctx, history, &result, started)

	s.log.Info("gateway sync finished",
		zap.String("user_id", userID),
		zap.String("source", source),
		zap.String("status", string(result.Status)),
		zap.Int("charges_backfilled", result.ChargesBackfilled))
	s.metrics.SyncRuns.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

// applyGatewayState refreshes the cached gateway fields and reconciles the
// status with what the gateway reports.
func (s *Service) applyGatewayState(ctx context.Context, sub *subscriptiondomain.Subscription, rs *payplus.RecurringStatus) error {
	now := s.clock.Now(ctx)

	if rs.RecurringUID != "" {
		sub.RecurringUID = rs.RecurringUID
	}
	if rs.CustomerUID != "" {
		sub.CustomerUID = rs.CustomerUID
	}
	if rs.NextChargeAt != nil {
		sub.NextPaymentAt = rs.NextChargeAt
	}
	if rs.LastChargeAt != nil {
		sub.LastPaymentAt = rs.LastChargeAt
	}
	if rs.Amount > 0 {
		sub.Amount = rs.Amount
	}

	var target subscriptiondomain.Status
	switch rs.State {
	case payplus.RecurringStateActive, payplus.RecurringStateTrial:
		target = subscriptiondomain.StatusActive
		sub.PaymentFailures = 0
	case payplus.RecurringStateSuspended:
		target = subscriptiondomain.StatusSuspended
	case payplus.RecurringStateCancelled:
		target = subscriptiondomain.StatusCancelled
	default:
		target = sub.Status
	}
	if target != sub.Status && subscriptiondomain.IsTransitionAllowed(sub.Status, target) {
		sub.Status = target
		switch target {
		case subscriptiondomain.StatusCancelled:
			sub.CancelledAt = &now
		case subscriptiondomain.StatusSuspended:
			sub.SuspendedAt = &now
			sub.SuspensionReason = "gateway_suspended"
		}
	}

	sub.LastVerificationAt = &now
	sub.UpdatedAt = now
	return s.repo.Update(ctx, s.db, sub)
}

// backfillCharge records the gateway's last charge when the local ledger has
// nothing near it. Synthetic transaction ids are ULID-tagged so backfilled
// rows are distinguishable from webhook-recorded ones.
func (s *Service) backfillCharge(ctx context.Context, sub *subscriptiondomain.Subscription, rs *payplus.RecurringStatus, result *subscriptiondomain.SyncResult) {
	if rs.LastChargeAt == nil {
		return
	}
	result.ChargesFound = 1

	exists, err := s.repo.HasChargeNear(ctx, s.db, sub.ID, *rs.LastChargeAt, backfillWindow)
	if err != nil {
		result.Errors = append(result.Errors, "charge_lookup_failed: "+err.Error())
		return
	}
	if exists {
		return
	}

	now := s.clock.Now(ctx)
	transactionID := rs.LastTransactionID
	if transactionID == "" {
		transactionID = "SYNC-" + ulid.Make().String()
	}

	status := subscriptiondomain.ChargeStatusSucceeded
	if rs.LastStatusCode != "" && rs.LastStatusCode != "000" {
		status = subscriptiondomain.ChargeStatusFailed
	}

	charge := &subscriptiondomain.Charge{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		TransactionID:  transactionID,
		TransactionUID: rs.LastTransactionUID,
		Amount:         rs.Amount,
		Currency:       rs.Currency,
		Status:         status,
		StatusCode:     rs.LastStatusCode,
		FourDigits:     rs.FourDigits,
		Brand:          rs.Brand,
		ChargedAt:      *rs.LastChargeAt,
		CreatedAt:      now,
	}
	_, created, err := s.repo.InsertCharge(ctx, s.db, charge)
	if err != nil {
		result.Errors = append(result.Errors, "charge_backfill_failed: "+err.Error())
		return
	}
	if !created {
		return
	}
	result.ChargesBackfilled++

	if status != subscriptiondomain.ChargeStatusSucceeded {
		return
	}

	// Paper trail for the recovered charge. Failures degrade the run to
	// partial success, never fail it.
	inv, err := s.invoiceSvc.CreateSubscriptionInvoice(ctx, invoicedomain.CreateSubscriptionInvoiceRequest{
		UserID:      sub.UserID,
		Amount:      rs.Amount,
		Currency:    rs.Currency,
		Description: "recovered subscription charge",
		PaidAt:      *rs.LastChargeAt,
	})
	if err != nil {
		result.Warnings = append(result.Warnings, "invoice_creation_failed")
		return
	}
	result.InvoicesCreated++

	email := s.userEmail(ctx, sub.UserID)
	if email == "" {
		result.Warnings = append(result.Warnings, "receipt_email_skipped")
		return
	}
	err = s.notifier.SendInvoiceEmail(ctx, notification.InvoiceEmail{
		To:            email,
		UserID:        sub.UserID,
		InvoiceNumber: inv.InvoiceNumber,
		Amount:        rs.Amount,
		Currency:      rs.Currency,
		NextPaymentAt: sub.NextPaymentAt,
	})
	if err != nil {
		result.Warnings = append(result.Warnings, "receipt_email_failed")
		return
	}
	result.EmailsSent++
}

func (s *Service) userEmail(ctx context.Context, userID string) string {
	var email string
	err := s.db.WithContext(ctx).
		Raw("SELECT email FROM users WHERE id = ?", userID).
		Scan(&email).Error
	if err != nil {
		return ""
	}
	return email
}

func (s *Service) finishSync(ctx context.Context, history *subscriptiondomain.SyncHistory, result *subscriptiondomain.SyncResult, started time.Time) {
	now := s.clock.Now(ctx)
	result.DurationMS = now.Sub(started).Milliseconds()

	history.Status = result.Status
	history.ChargesFound = result.ChargesFound
	history.ChargesBackfilled = result.ChargesBackfilled
	history.InvoicesCreated = result.InvoicesCreated
	history.EmailsSent = result.EmailsSent
	history.Errors = toJSONArray(result.Errors)
	history.Warnings = toJSONArray(result.Warnings)
	history.CompletedAt = &now
	history.DurationMS = result.DurationMS
	if err := s.repo.UpdateSyncHistory(ctx, s.db, history); err != nil {
		s.log.Error("sync history update failed", zap.Error(err))
	}
}

func toJSONArray(values []string) datatypes.JSON {
	if len(values) == 0 {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
