package service

import (
	"context"
	"math"
	"time"

	"github.com/clearpointsec/billing/internal/payplus"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"go.uber.org/zap"
)

// Verify compares the local subscription against the gateway and classifies
// every discrepancy into a recommendation. It never mutates state.
func (s *Service) Verify(ctx context.Context, userID string) (subscriptiondomain.Verification, error) {
	return s.verify(ctx, userID)
}

// VerifyAndFix runs Verify and, when autoFix is set, applies the safe
// recommendations. MANUAL_REVIEW is never applied automatically.
func (s *Service) VerifyAndFix(ctx context.Context, userID string, autoFix bool) (subscriptiondomain.Verification, error) {
	v, err := s.verify(ctx, userID)
	if err != nil {
		return v, err
	}
	if !autoFix || len(v.Recommendations) == 0 {
		return v, nil
	}

	sub, err := s.repo.FindLatestByUserID(ctx, s.db, userID)
	if err != nil {
		return v, err
	}
	if sub == nil {
		return v, subscriptiondomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now(ctx)
	for _, rec := range v.Recommendations {
		if s.applyRecommendation(ctx, sub, rec, now) {
			v.Applied = append(v.Applied, rec)
		}
	}
	return v, nil
}

func (s *Service) verify(ctx context.Context, userID string) (subscriptiondomain.Verification, error) {
	sub, err := s.repo.FindLatestByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Verification{}, err
	}
	if sub == nil {
		return subscriptiondomain.Verification{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now(ctx)
	v := subscriptiondomain.Verification{
		UserID:      userID,
		LocalStatus: sub.Status,
	}

	rs, failedOpen, err := s.fetchGatewayStatus(ctx, sub, payplus.FailOpen)
	switch {
	case err != nil:
		// Nothing to ask the gateway with, or it rejected the lookup.
		v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationManualReview)
	case failedOpen:
		v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationManualReview)
	default:
		v.GatewayCheckOK = true
		v.GatewayFound = rs != nil
		if rs != nil {
			v.GatewayStatus = string(rs.State)
		}
	}

	if !v.GatewayCheckOK {
		return v, nil
	}

	localActive := sub.Status == subscriptiondomain.StatusActive ||
		sub.Status == subscriptiondomain.StatusGracePeriod ||
		sub.Status == subscriptiondomain.StatusPaymentFailed

	gatewayActive := rs.ActiveLike()

	switch {
	case localActive && !gatewayActive:
		if rs.State == payplus.RecurringStateSuspended {
			v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationSuspendStatus)
		} else {
			v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationCancel)
		}
	case !localActive && gatewayActive:
		v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationUpdateStatus)
	}

	if gatewayActive && rs.NextChargeAt != nil && sub.NextPaymentAt != nil {
		drift := rs.NextChargeAt.Sub(*sub.NextPaymentAt)
		v.DateDriftDays = int(math.Abs(drift.Hours()) / 24)
		if v.DateDriftDays > s.dateDriftDays() {
			v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationSyncDates)
		}
	}

	if gatewayActive && sub.NextPaymentAt != nil && now.After(*sub.NextPaymentAt) {
		v.OverdueDays = int(now.Sub(*sub.NextPaymentAt).Hours() / 24)
		if v.OverdueDays > s.overdueSuspendDays() {
			v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationSuspendAccess)
		} else if v.OverdueDays > 0 {
			v.Recommendations = append(v.Recommendations, subscriptiondomain.RecommendationGracePeriod)
		}
	}

	return v, nil
}

// applyRecommendation executes one recommendation. Returns false when the
// fix is not auto-applicable or the transition is not allowed.
func (s *Service) applyRecommendation(ctx context.Context, sub *subscriptiondomain.Subscription, rec subscriptiondomain.Recommendation, now time.Time) bool {
	var target subscriptiondomain.Status
	switch rec {
	case subscriptiondomain.RecommendationUpdateStatus:
		target = subscriptiondomain.StatusActive
	case subscriptiondomain.RecommendationCancel:
		target = subscriptiondomain.StatusCancelled
	case subscriptiondomain.RecommendationSuspendStatus, subscriptiondomain.RecommendationSuspendAccess:
		target = subscriptiondomain.StatusSuspended
	case subscriptiondomain.RecommendationGracePeriod:
		target = subscriptiondomain.StatusGracePeriod
	case subscriptiondomain.RecommendationSyncDates:
		return s.applyDateSync(ctx, sub, now)
	default:
		return false
	}

	if !subscriptiondomain.IsTransitionAllowed(sub.Status, target) {
		s.log.Warn("auto-fix skipped, transition not allowed",
			zap.String("from", string(sub.Status)),
			zap.String("to", string(target)),
			zap.String("recommendation", string(rec)))
		return false
	}

	sub.Status = target
	switch target {
	case subscriptiondomain.StatusCancelled:
		sub.CancelledAt = &now
	case subscriptiondomain.StatusSuspended:
		sub.SuspendedAt = &now
		sub.SuspensionReason = string(rec)
	}
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		s.log.Error("auto-fix update failed", zap.Error(err))
		return false
	}
	s.log.Info("auto-fix applied",
		zap.String("user_id", sub.UserID),
		zap.String("recommendation", string(rec)),
		zap.String("new_status", string(target)))
	return true
}

func (s *Service) applyDateSync(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) bool {
	rs, _, err := s.fetchGatewayStatus(ctx, sub, payplus.FailClosed)
	if err != nil || rs == nil {
		return false
	}
	changed := false
	if rs.NextChargeAt != nil {
		sub.NextPaymentAt = rs.NextChargeAt
		changed = true
	}
	if rs.LastChargeAt != nil {
		sub.LastPaymentAt = rs.LastChargeAt
		changed = true
	}
	if !changed {
		return false
	}
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		s.log.Error("date sync update failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Service) dateDriftDays() int {
	if s.cfg.Billing.DateDriftDays > 0 {
		return s.cfg.Billing.DateDriftDays
	}
	return 2
}

func (s *Service) overdueSuspendDays() int {
	if s.cfg.Billing.OverdueSuspendDays > 0 {
		return s.cfg.Billing.OverdueSuspendDays
	}
	return 7
}
