package scheduler

import (
	"context"
	"fmt"
	"time"

	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"go.uber.org/zap"
)

// runCancellations cancels subscriptions flagged to end at period close
// whose period has closed.
func (s *Scheduler) runCancellations(ctx context.Context, now time.Time) PhaseResult {
	result := PhaseResult{Phase: "cancellations"}

	subs, err := s.repo.ListDueForCancellation(ctx, s.db, now, 0)
	if err != nil {
		result.Errors = append(result.Errors, "list_failed: "+err.Error())
		return result
	}

	for _, sub := range subs {
		if err := s.cancelOne(ctx, sub, now); err != nil {
			result.Errors = append(result.Errors, itemError(sub, err))
			continue
		}
		result.Processed++
	}
	return result
}

func (s *Scheduler) cancelOne(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusCancelled) {
		return subscriptiondomain.ErrInvalidTransition
	}
	sub.Status = subscriptiondomain.StatusCancelled
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, &sub); err != nil {
		return err
	}
	s.log.Info("scheduled cancellation applied",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID))
	return nil
}

// runTrialExpirations promotes expired trials that have a stored payment
// method and suspends the rest.
func (s *Scheduler) runTrialExpirations(ctx context.Context, now time.Time) PhaseResult {
	result := PhaseResult{Phase: "trials"}

	subs, err := s.repo.ListExpiredTrials(ctx, s.db, now, 0)
	if err != nil {
		result.Errors = append(result.Errors, "list_failed: "+err.Error())
		return result
	}

	for _, sub := range subs {
		if err := s.expireTrial(ctx, sub, now); err != nil {
			result.Errors = append(result.Errors, itemError(sub, err))
			continue
		}
		result.Processed++
	}
	return result
}

func (s *Scheduler) expireTrial(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	// A gateway customer handle means a card is on file.
	target := subscriptiondomain.StatusSuspended
	if sub.CustomerUID != "" {
		target = subscriptiondomain.StatusActive
	}
	if !subscriptiondomain.IsTransitionAllowed(sub.Status, target) {
		return subscriptiondomain.ErrInvalidTransition
	}

	sub.Status = target
	if target == subscriptiondomain.StatusActive {
		next := now.AddDate(0, sub.BillingCycle.Months(), 0)
		sub.NextPaymentAt = &next
	} else {
		sub.SuspendedAt = &now
		sub.SuspensionReason = "trial_expired_without_payment_method"
	}
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, &sub); err != nil {
		return err
	}
	s.log.Info("trial expired",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("outcome", string(target)))
	return nil
}

// runPausedResume reactivates paused subscriptions whose resume date passed.
func (s *Scheduler) runPausedResume(ctx context.Context, now time.Time) PhaseResult {
	result := PhaseResult{Phase: "paused_resume"}

	subs, err := s.repo.ListPausedDue(ctx, s.db, now, 0)
	if err != nil {
		result.Errors = append(result.Errors, "list_failed: "+err.Error())
		return result
	}

	for _, sub := range subs {
		if err := s.resumeOne(ctx, sub, now); err != nil {
			result.Errors = append(result.Errors, itemError(sub, err))
			continue
		}
		result.Processed++
	}
	return result
}

func (s *Scheduler) resumeOne(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusActive) {
		return subscriptiondomain.ErrInvalidTransition
	}
	sub.Status = subscriptiondomain.StatusActive
	next := now.AddDate(0, 1, 0)
	sub.NextPaymentAt = &next
	sub.PausedAt = nil
	sub.PausedUntil = nil
	sub.PauseReason = ""
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, &sub); err != nil {
		return err
	}
	s.log.Info("paused subscription resumed", zap.String("subscription_id", sub.ID.String()))
	return nil
}

// runGatewaySync re-verifies a bounded batch of subscriptions with stale
// verification stamps against the gateway.
func (s *Scheduler) runGatewaySync(ctx context.Context, now time.Time) PhaseResult {
	result := PhaseResult{Phase: "gateway_sync"}

	batch := s.cfg.Cron.SyncBatchSize
	if batch <= 0 {
		batch = 50
	}
	staleBefore := now.Add(-24 * time.Hour)

	subs, err := s.repo.ListStaleVerifications(ctx, s.db, staleBefore, batch)
	if err != nil {
		result.Errors = append(result.Errors, "list_failed: "+err.Error())
		return result
	}

	for _, sub := range subs {
		if _, err := s.subSvc.SyncFromGateway(ctx, sub.UserID, "scheduler"); err != nil {
			result.Errors = append(result.Errors, itemError(sub, err))
			continue
		}
		result.Processed++
	}
	return result
}

func itemError(sub subscriptiondomain.Subscription, err error) string {
	return fmt.Sprintf("%s: %v", sub.ID, err)
}
