package service

import (
	"context"
	"testing"
	"time"

	"github.com/clearpointsec/billing/internal/payplus"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"github.com/stretchr/testify/require"
)

func TestValidateAccessNoSubscription(t *testing.T) {
	svc, _, gateway := newTestService(t)

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "no_subscription", result.Reason)
	require.Equal(t, "local", result.Source)
	require.Zero(t, gateway.statusCalls)
}

func TestValidateAccessTrial(t *testing.T) {
	svc, db, gateway := newTestService(t)
	ends := testNow.Add(48 * time.Hour)
	seedSubscription(t, db, svc.genID, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusTrial
		s.TrialEndsAt = &ends
	})

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "trial", result.Reason)
	require.Zero(t, gateway.statusCalls)
}

func TestValidateAccessTrialExpired(t *testing.T) {
	svc, db, _ := newTestService(t)
	ended := testNow.Add(-time.Hour)
	seedSubscription(t, db, svc.genID, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusTrial
		s.TrialEndsAt = &ended
	})

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "trial_expired", result.Reason)
}

// A recent verification answers from cache and never touches the gateway.
func TestValidateAccessRecentlyVerifiedSkipsGateway(t *testing.T) {
	svc, db, gateway := newTestService(t)
	verified := testNow.Add(-2 * time.Hour)
	seedSubscription(t, db, svc.genID, func(s *subscriptiondomain.Subscription) {
		s.LastVerificationAt = &verified
	})

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "recently_verified", result.Reason)
	require.Equal(t, "cache", result.Source)
	require.Zero(t, gateway.statusCalls)
	require.Zero(t, gateway.customerCalls)
}

func TestValidateAccessStaleVerificationHitsGateway(t *testing.T) {
	svc, db, gateway := newTestService(t)
	verified := testNow.Add(-25 * time.Hour)
	seedSubscription(t, db, svc.genID, func(s *subscriptiondomain.Subscription) {
		s.LastVerificationAt = &verified
	})
	gateway.status = activeGatewayStatus()

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "gateway_verified", result.Reason)
	require.Equal(t, "gateway", result.Source)
	require.Equal(t, 1, gateway.statusCalls)

	// The fresh verification stamp and gateway dates were cached.
	var got subscriptiondomain.Subscription
	require.NoError(t, svc.db.First(&got, "user_id = ?", testUserID).Error)
	require.NotNil(t, got.LastVerificationAt)
	require.Equal(t, testNow, got.LastVerificationAt.UTC())
	require.NotNil(t, got.NextPaymentAt)
	require.Equal(t, testNow.AddDate(0, 1, 0), got.NextPaymentAt.UTC())
}

// An unreachable gateway fails open and stamps the verification so every
// request during the outage does not re-dial it.
func TestValidateAccessFailsOpenOnOutage(t *testing.T) {
	svc, db, gateway := newTestService(t)
	seedSubscription(t, db, svc.genID, nil)
	gateway.statusErr = payplus.ErrGatewayUnavailable
	gateway.byCustomerErr = payplus.ErrGatewayUnavailable

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "gateway_unavailable", result.Reason)
	require.Equal(t, "fail_open", result.Source)

	var got subscriptiondomain.Subscription
	require.NoError(t, svc.db.First(&got, "user_id = ?", testUserID).Error)
	require.NotNil(t, got.LastVerificationAt)
	require.Equal(t, testNow, got.LastVerificationAt.UTC())

	// The stamped verification now answers from cache.
	result, err = svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.Equal(t, "cache", result.Source)
	require.Equal(t, 1, gateway.statusCalls)
}

func TestValidateAccessGatewayCancelledCancelsLocally(t *testing.T) {
	svc, db, gateway := newTestService(t)
	seedSubscription(t, db, svc.genID, nil)
	gateway.status = &payplus.RecurringStatus{
		RecurringUID: "rec-1",
		State:        payplus.RecurringStateCancelled,
		RawState:     "cancelled",
	}

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "gateway_cancelled", result.Reason)
	require.Equal(t, subscriptiondomain.StatusCancelled, result.Status)

	var got subscriptiondomain.Subscription
	require.NoError(t, svc.db.First(&got, "user_id = ?", testUserID).Error)
	require.Equal(t, subscriptiondomain.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
}

// Recurring lookup misses fall back to the customer handle.
func TestValidateAccessFallsBackToCustomerLookup(t *testing.T) {
	svc, db, gateway := newTestService(t)
	seedSubscription(t, db, svc.genID, nil)
	gateway.statusErr = payplus.ErrRecurringNotFound
	gateway.byCustomer = activeGatewayStatus()

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "gateway_verified", result.Reason)
	require.Equal(t, 1, gateway.statusCalls)
	require.Equal(t, 1, gateway.customerCalls)
}

func TestValidateAccessNewSubscriptionGrace(t *testing.T) {
	svc, db, gateway := newTestService(t)
	seedSubscription(t, db, svc.genID, func(s *subscriptiondomain.Subscription) {
		s.RecurringUID = ""
		s.CustomerUID = ""
		s.CreatedAt = testNow.Add(-24 * time.Hour)
	})

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "new_subscription_grace", result.Reason)
	require.Zero(t, gateway.statusCalls)
}

func TestValidateAccessGraceExpiredWithoutIdentifiers(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedSubscription(t, db, svc.genID, func(s *subscriptiondomain.Subscription) {
		s.RecurringUID = ""
		s.CustomerUID = ""
		s.CreatedAt = testNow.Add(-8 * 24 * time.Hour)
	})

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "missing_gateway_identifier", result.Reason)
}

// Both identifiers unknown to the gateway: unverifiable, not cancelled.
func TestValidateAccessUnverifiableFailsOpen(t *testing.T) {
	svc, db, gateway := newTestService(t)
	seedSubscription(t, db, svc.genID, nil)
	gateway.statusErr = payplus.ErrRecurringNotFound
	gateway.byCustomerErr = payplus.ErrRecurringNotFound

	result, err := svc.ValidateAccess(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "unverifiable", result.Reason)
	require.Equal(t, "fail_open", result.Source)
}
