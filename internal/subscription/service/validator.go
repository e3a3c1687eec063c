package service

import (
	"context"
	"time"

	"github.com/clearpointsec/billing/internal/payplus"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"go.uber.org/zap"
)

// ValidateAccess decides whether the user may use the service right now.
// Local state answers first, a recent verification short-circuits the
// gateway, and a gateway outage fails open: an outage on their side must
// never lock a paying customer out.
func (s *Service) ValidateAccess(ctx context.Context, userID string) (subscriptiondomain.AccessResult, error) {
	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.AccessResult{}, err
	}
	if sub == nil {
		return subscriptiondomain.AccessResult{
			Allowed: false,
			Reason:  "no_subscription",
			Source:  "local",
		}, nil
	}

	now := s.clock.Now(ctx)
	result := subscriptiondomain.AccessResult{
		Status:        sub.Status,
		NextPaymentAt: sub.NextPaymentAt,
	}

	if sub.Status == subscriptiondomain.StatusTrial {
		result.Source = "local"
		if sub.TrialEndsAt != nil && now.After(*sub.TrialEndsAt) {
			result.Reason = "trial_expired"
			return result, nil
		}
		result.Allowed = true
		result.Reason = "trial"
		return result, nil
	}

	ttl := time.Duration(s.verificationTTLHours()) * time.Hour
	if sub.LastVerificationAt != nil && now.Sub(*sub.LastVerificationAt) < ttl {
		result.Allowed = true
		result.Reason = "recently_verified"
		result.Source = "cache"
		return result, nil
	}

	if sub.RecurringUID == "" && sub.CustomerUID == "" {
		grace := time.Duration(s.gracePeriodDays()) * 24 * time.Hour
		result.Source = "local"
		if now.Sub(sub.CreatedAt) < grace {
			// New signups may beat their own first webhook here.
			result.Allowed = true
			result.Reason = "new_subscription_grace"
			return result, nil
		}
		result.Reason = "missing_gateway_identifier"
		return result, nil
	}

	rs, failedOpen, err := s.fetchGatewayStatus(ctx, sub, payplus.FailOpen)
	if err != nil {
		// Gateway answered and said no such recurring charge, or we had
		// nothing to ask with. Treat as unverifiable, not as cancelled.
		s.log.Warn("access check unverifiable", zap.String("user_id", userID), zap.Error(err))
		result.Allowed = true
		result.Reason = "unverifiable"
		result.Source = "fail_open"
		s.touchVerification(ctx, sub, now)
		return result, nil
	}
	if failedOpen {
		result.Allowed = true
		result.Reason = "gateway_unavailable"
		result.Source = "fail_open"
		s.touchVerification(ctx, sub, now)
		return result, nil
	}

	result.Source = "gateway"
	if rs.ActiveLike() {
		sub.LastVerificationAt = &now
		if rs.NextChargeAt != nil {
			sub.NextPaymentAt = rs.NextChargeAt
			result.NextPaymentAt = rs.NextChargeAt
		}
		if rs.RecurringUID != "" && sub.RecurringUID == "" {
			sub.RecurringUID = rs.RecurringUID
		}
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, s.db, sub); err != nil {
			s.log.Warn("verification cache update failed", zap.Error(err))
		}
		result.Allowed = true
		result.Reason = "gateway_verified"
		return result, nil
	}

	// The gateway is authoritative: it says the recurring charge is gone.
	if subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusCancelled) {
		sub.Status = subscriptiondomain.StatusCancelled
		sub.CancelledAt = &now
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, s.db, sub); err != nil {
			return subscriptiondomain.AccessResult{}, err
		}
	}
	result.Allowed = false
	result.Reason = "gateway_" + string(rs.State)
	result.Status = sub.Status
	return result, nil
}

// touchVerification advances the verification stamp so a flapping gateway is
// not hammered by every request during an outage.
func (s *Service) touchVerification(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) {
	sub.LastVerificationAt = &now
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		s.log.Warn("verification stamp update failed", zap.Error(err))
	}
}
