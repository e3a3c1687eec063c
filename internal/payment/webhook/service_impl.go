package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/clock"
	"github.com/clearpointsec/billing/internal/config"
	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/clearpointsec/billing/internal/notification"
	"github.com/clearpointsec/billing/internal/observability"
	paymentdomain "github.com/clearpointsec/billing/internal/payment/domain"
	"github.com/clearpointsec/billing/internal/payplus"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	userdomain "github.com/clearpointsec/billing/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       subscriptiondomain.Repository
	InvoiceSvc invoicedomain.Service
	Notifier   notification.Sender
	Metrics    *observability.Metrics
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	repo       subscriptiondomain.Repository
	invoiceSvc invoicedomain.Service
	notifier   notification.Sender
	metrics    *observability.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		repo:       p.Repo,
		invoiceSvc: p.InvoiceSvc,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.IngestResult, error) {
	if !json.Valid(payload) {
		s.metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		return nil, paymentdomain.ErrInvalidPayload
	}

	n, shape, err := payplus.ParseNotification(payload)
	if err != nil {
		s.log.Warn("unrecognized webhook payload", zap.Int("payload_size", len(payload)))
		s.metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		return nil, paymentdomain.ErrInvalidPayload
	}

	userAgent := headers.Get("User-Agent")
	if !s.cfg.PayPlus.UseMock && !n.IsRelay(userAgent, s.cfg.Webhook.RelaySource) {
		if !payplus.VerifySignature(s.cfg.PayPlus.SecretKey, payload, headers.Get("Hash"), userAgent) {
			s.log.Warn("webhook signature verification failed",
				zap.String("shape", shape),
				zap.String("user_agent", userAgent))
			s.metrics.WebhookEvents.WithLabelValues("rejected").Inc()
			s.recordEvent(ctx, n, shape, "rejected", payload)
			return nil, paymentdomain.ErrInvalidSignature
		}
	}

	s.log.Info("processing recurring webhook",
		zap.String("shape", shape),
		zap.String("transaction_id", n.TransactionID),
		zap.Bool("succeeded", n.Succeeded()))

	sub, resolvedVia, err := s.resolveSubscription(ctx, n)
	if err != nil {
		return nil, err
	}
	if sub == nil && n.Succeeded() && n.UserID != "" {
		sub, err = s.provisionSubscription(ctx, n)
		if err != nil {
			return nil, err
		}
		resolvedVia = "provisioned"
	}
	if sub == nil {
		s.log.Warn("webhook matched no subscription",
			zap.String("transaction_id", n.TransactionID),
			zap.String("recurring_uid", n.RecurringUID))
		s.metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		s.recordEvent(ctx, n, shape, "ignored", payload)
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now(ctx)
	charge, created, err := s.insertCharge(ctx, n, sub, now, payload)
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Info("duplicate webhook delivery",
			zap.String("transaction_id", n.TransactionID),
			zap.String("charge_id", charge.ID.String()))
		s.metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		s.recordEvent(ctx, n, shape, "duplicate", payload)
		return &paymentdomain.IngestResult{
			Result:         "duplicate",
			SubscriptionID: sub.ID.String(),
			ChargeID:       charge.ID.String(),
			TransactionID:  charge.TransactionID,
			Succeeded:      charge.Status == subscriptiondomain.ChargeStatusSucceeded,
		}, nil
	}

	if err := s.applyChargeOutcome(ctx, sub, n, now); err != nil {
		return nil, err
	}

	result := &paymentdomain.IngestResult{
		Result:         "processed",
		SubscriptionID: sub.ID.String(),
		ChargeID:       charge.ID.String(),
		TransactionID:  charge.TransactionID,
		Succeeded:      n.Succeeded(),
	}

	if n.Succeeded() {
		result.Warnings = s.settleSuccessfulCharge(ctx, sub, n, now)
	}

	s.log.Info("webhook processed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("resolved_via", resolvedVia),
		zap.Bool("succeeded", n.Succeeded()),
		zap.Int("warnings", len(result.Warnings)))
	s.metrics.WebhookEvents.WithLabelValues("processed").Inc()
	s.recordEvent(ctx, n, shape, "processed", payload)
	return result, nil
}

// resolveSubscription walks the identifier ladder: recurring_uid, then the
// user's open subscription, then customer_uid, then any subscription of the
// user, then the subscription behind a previously seen transaction.
func (s *Service) resolveSubscription(ctx context.Context, n *payplus.Notification) (*subscriptiondomain.Subscription, string, error) {
	if sub, err := s.repo.FindByRecurringUID(ctx, s.db, n.RecurringUID); err != nil || sub != nil {
		return sub, "recurring_uid", err
	}
	if n.UserID != "" {
		if sub, err := s.repo.FindActiveByUserID(ctx, s.db, n.UserID); err != nil || sub != nil {
			return sub, "user_id", err
		}
	}
	if sub, err := s.repo.FindByCustomerUID(ctx, s.db, n.CustomerUID); err != nil || sub != nil {
		return sub, "customer_uid", err
	}
	if n.UserID != "" {
		if sub, err := s.repo.FindLatestByUserID(ctx, s.db, n.UserID); err != nil || sub != nil {
			return sub, "user_id_any", err
		}
	}
	if sub, err := s.repo.FindByChargeTransactionID(ctx, s.db, n.TransactionID); err != nil || sub != nil {
		return sub, "prior_charge", err
	}
	return nil, "", nil
}

// provisionSubscription creates the local record for a first successful
// charge that arrived before any local subscription existed.
func (s *Service) provisionSubscription(ctx context.Context, n *payplus.Notification) (*subscriptiondomain.Subscription, error) {
	now := s.clock.Now(ctx)
	cycle := subscriptiondomain.BillingCycleMonthly
	if strings.EqualFold(n.MoreInfoCycle, string(subscriptiondomain.BillingCycleAnnual)) {
		cycle = subscriptiondomain.BillingCycleAnnual
	}

	sub := &subscriptiondomain.Subscription{
		ID:           s.genID.Generate(),
		UserID:       n.UserID,
		Plan:         n.MoreInfoLabel,
		BillingCycle: cycle,
		Status:       subscriptiondomain.StatusPendingFirstPayment,
		RecurringUID: n.RecurringUID,
		CustomerUID:  n.CustomerUID,
		Amount:       n.Amount,
		Currency:     n.Currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, s.db, sub); err != nil {
		return nil, err
	}
	s.log.Info("provisioned subscription from webhook",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", n.UserID))
	return sub, nil
}

func (s *Service) insertCharge(ctx context.Context, n *payplus.Notification, sub *subscriptiondomain.Subscription, now time.Time, payload []byte) (*subscriptiondomain.Charge, bool, error) {
	status := subscriptiondomain.ChargeStatusFailed
	if n.Succeeded() {
		status = subscriptiondomain.ChargeStatusSucceeded
	}

	chargedAt := now
	if n.PaymentDate != nil {
		chargedAt = *n.PaymentDate
	}

	transactionID := n.TransactionID
	if transactionID == "" {
		transactionID = n.TransactionUID
	}
	if transactionID == "" {
		// No gateway id at all: mint one so the unique index still holds.
		transactionID = "WH-" + s.genID.Generate().String()
	}

	charge := &subscriptiondomain.Charge{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		TransactionID:  transactionID,
		TransactionUID: n.TransactionUID,
		Amount:         n.Amount,
		Currency:       n.Currency,
		Status:         status,
		StatusCode:     n.StatusCode,
		FourDigits:     n.FourDigits,
		Brand:          n.Brand,
		ChargedAt:      chargedAt,
		RawPayload:     maskPayload(payload),
		CreatedAt:      now,
	}
	return s.repo.InsertCharge(ctx, s.db, charge)
}

// applyChargeOutcome moves the subscription in response to a freshly
// recorded charge. Runs in one transaction with transition checks.
func (s *Service) applyChargeOutcome(ctx context.Context, sub *subscriptiondomain.Subscription, n *payplus.Notification, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		if n.Succeeded() {
			next := now.AddDate(0, current.BillingCycle.Months(), 0)
			current.LastPaymentAt = &now
			current.NextPaymentAt = &next
			current.PaymentFailures = 0
			current.LastVerificationAt = &now
			// The gateway collected money, so the recurring charge is live
			// on its side. That reactivates even cancelled and suspended
			// records.
			current.Status = subscriptiondomain.StatusActive
			current.CancelledAt = nil
			current.SuspendedAt = nil
			current.SuspensionReason = ""
		} else {
			current.PaymentFailures++
			target := subscriptiondomain.StatusPaymentFailed
			if current.PaymentFailures >= s.maxFailures() {
				target = subscriptiondomain.StatusSuspended
			}
			if subscriptiondomain.IsTransitionAllowed(current.Status, target) {
				current.Status = target
				if target == subscriptiondomain.StatusSuspended {
					current.SuspendedAt = &now
					current.SuspensionReason = "payment_failures"
				}
			}
		}

		if n.RecurringUID != "" {
			current.RecurringUID = n.RecurringUID
		}
		if n.CustomerUID != "" {
			current.CustomerUID = n.CustomerUID
		}
		current.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}
		s.learnCustomerUID(ctx, tx, current.UserID, n.CustomerUID)
		*sub = *current
		return nil
	})
}

// settleSuccessfulCharge runs the best-effort tail of a successful charge:
// invoice, payment row, email. Failures here never fail the webhook.
func (s *Service) settleSuccessfulCharge(ctx context.Context, sub *subscriptiondomain.Subscription, n *payplus.Notification, now time.Time) []string {
	var warnings []string

	inv, err := s.invoiceSvc.CreateSubscriptionInvoice(ctx, invoicedomain.CreateSubscriptionInvoiceRequest{
		UserID:      sub.UserID,
		Amount:      n.Amount,
		Currency:    n.Currency,
		Description: subscriptionDescription(sub),
		PaidAt:      now,
	})
	if err != nil {
		s.log.Error("invoice creation failed after charge", zap.Error(err),
			zap.String("subscription_id", sub.ID.String()))
		warnings = append(warnings, "invoice_creation_failed")
	}

	var invoiceID *snowflake.ID
	if inv != nil {
		invoiceID = &inv.ID
	}
	payment := &paymentdomain.Payment{
		ID:            s.genID.Generate(),
		InvoiceID:     invoiceID,
		UserID:        sub.UserID,
		Amount:        n.Amount,
		Currency:      n.Currency,
		Method:        "recurring",
		Status:        paymentdomain.PaymentStatusSucceeded,
		TransactionID: n.TransactionID,
		PaidAt:        &now,
		CreatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		s.log.Error("payment record failed after charge", zap.Error(err))
		warnings = append(warnings, "payment_record_failed")
	}

	email := s.recipientEmail(ctx, sub.UserID, n)
	if email == "" {
		warnings = append(warnings, "receipt_email_skipped")
		return warnings
	}
	msg := notification.InvoiceEmail{
		To:            email,
		UserID:        sub.UserID,
		Amount:        n.Amount,
		Currency:      n.Currency,
		NextPaymentAt: sub.NextPaymentAt,
	}
	if inv != nil {
		msg.InvoiceNumber = inv.InvoiceNumber
	}
	if err := s.notifier.SendInvoiceEmail(ctx, msg); err != nil {
		s.log.Warn("receipt email failed", zap.Error(err), zap.String("user_id", sub.UserID))
		warnings = append(warnings, "receipt_email_failed")
	}
	return warnings
}

func (s *Service) recipientEmail(ctx context.Context, userID string, n *payplus.Notification) string {
	var user userdomain.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err == nil && user.Email != "" {
		return user.Email
	}
	return n.CustomerEmail
}

// learnCustomerUID persists a newly seen gateway customer handle onto the
// user row. Best effort.
func (s *Service) learnCustomerUID(ctx context.Context, tx *gorm.DB, userID, customerUID string) {
	if userID == "" || customerUID == "" {
		return
	}
	err := tx.WithContext(ctx).Exec(
		`UPDATE users SET customer_uid = ?, updated_at = ? WHERE id = ? AND (customer_uid IS NULL OR customer_uid = '')`,
		customerUID, s.clock.Now(ctx), userID,
	).Error
	if err != nil {
		s.log.Debug("customer uid backfill skipped", zap.Error(err))
	}
}

func (s *Service) recordEvent(ctx context.Context, n *payplus.Notification, shape, result string, payload []byte) {
	record := &paymentdomain.EventRecord{
		ID:            s.genID.Generate(),
		TransactionID: n.TransactionID,
		Extractor:     shape,
		Result:        result,
		Payload:       maskPayload(payload),
		ReceivedAt:    s.clock.Now(ctx),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.log.Debug("event record write failed", zap.Error(err))
	}
}

func (s *Service) maxFailures() int {
	if s.cfg.Billing.MaxPaymentFailures > 0 {
		return s.cfg.Billing.MaxPaymentFailures
	}
	return 3
}

func subscriptionDescription(sub *subscriptiondomain.Subscription) string {
	plan := sub.Plan
	if plan == "" {
		plan = "subscription"
	}
	return plan + " (" + string(sub.BillingCycle) + ")"
}

func maskPayload(raw []byte) datatypes.JSON {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return datatypes.JSON(raw)
	}
	maskMap(obj)
	masked, err := json.Marshal(obj)
	if err != nil {
		return datatypes.JSON(raw)
	}
	return datatypes.JSON(masked)
}

func maskMap(m map[string]any) {
	for k, v := range m {
		switch strings.ToLower(k) {
		case "card_information", "token", "card_holder_name", "identification_number", "secure3d":
			m[k] = "***"
		default:
			if nested, ok := v.(map[string]any); ok {
				maskMap(nested)
			} else if arr, ok := v.([]any); ok {
				for _, item := range arr {
					if itemMap, ok := item.(map[string]any); ok {
						maskMap(itemMap)
					}
				}
			}
		}
	}
}
