package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/clock"
	"github.com/clearpointsec/billing/internal/config"
	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/clearpointsec/billing/internal/notification"
	"github.com/clearpointsec/billing/internal/observability"
	"github.com/clearpointsec/billing/internal/payplus"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
	Gateway    payplus.Client
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
	gateway    payplus.Client
	invoiceSvc invoicedomain.Service
	notifier   notification.Sender
	metrics    *observability.Metrics
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		repo:       p.Repo,
		gateway:    p.Gateway,
		invoiceSvc: p.InvoiceSvc,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
	}
}

func (s *Service) GetByUserID(ctx context.Context, userID string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindLatestByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// HasActive answers from local state only. Use ValidateAccess when the
// answer has to be backed by the gateway.
func (s *Service) HasActive(ctx context.Context, userID string) (bool, error) {
	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID)
	if err != nil {
		return false, err
	}
	return sub != nil, nil
}

// Cancel ends the subscription locally and tells the gateway to stop the
// recurring charge. A gateway outage does not block the local cancellation;
// the discrepancy surfaces on the next verify run.
func (s *Service) Cancel(ctx context.Context, userID string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	if sub.RecurringUID != "" {
		_, _, err := payplus.Resolve(s.log, payplus.FailOpen, struct{}{}, func() (struct{}, error) {
			return struct{}{}, s.gateway.CancelRecurring(ctx, sub.RecurringUID)
		})
		if err != nil && !errors.Is(err, payplus.ErrRecurringNotFound) {
			s.log.Warn("gateway cancel failed, cancelling locally anyway",
				zap.String("recurring_uid", sub.RecurringUID), zap.Error(err))
		}
	}

	now := s.clock.Now(ctx)
	if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusCancelled) {
		return nil, subscriptiondomain.ErrInvalidTransition
	}
	sub.Status = subscriptiondomain.StatusCancelled
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		return nil, err
	}

	s.log.Info("subscription cancelled",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", userID))
	return sub, nil
}

// fetchGatewayStatus looks the subscription up on the gateway, preferring
// the recurring uid and falling back to the customer handle.
func (s *Service) fetchGatewayStatus(ctx context.Context, sub *subscriptiondomain.Subscription, policy payplus.ErrorPolicy) (*payplus.RecurringStatus, bool, error) {
	return payplus.Resolve(s.log, policy, nil, func() (*payplus.RecurringStatus, error) {
		if sub.RecurringUID != "" {
			rs, err := s.gateway.RecurringStatus(ctx, sub.RecurringUID)
			if err == nil || !errors.Is(err, payplus.ErrRecurringNotFound) {
				s.countGatewayCall("recurring_status", err)
				return rs, err
			}
		}
		if sub.CustomerUID != "" {
			rs, err := s.gateway.RecurringByCustomer(ctx, sub.CustomerUID)
			s.countGatewayCall("recurring_by_customer", err)
			return rs, err
		}
		return nil, subscriptiondomain.ErrNoGatewayIdentifier
	})
}

func (s *Service) countGatewayCall(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.GatewayCalls.WithLabelValues(operation, outcome).Inc()
}

func (s *Service) verificationTTLHours() int {
	if s.cfg.Billing.VerificationTTLHours > 0 {
		return s.cfg.Billing.VerificationTTLHours
	}
	return 24
}

func (s *Service) gracePeriodDays() int {
	if s.cfg.Billing.GracePeriodDays > 0 {
		return s.cfg.Billing.GracePeriodDays
	}
	return 7
}
