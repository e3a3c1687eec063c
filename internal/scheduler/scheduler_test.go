package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/config"
	"github.com/clearpointsec/billing/internal/observability"
	paymentdomain "github.com/clearpointsec/billing/internal/payment/domain"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	subscriptionrepo "github.com/clearpointsec/billing/internal/subscription/repository"
	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now(context.Context) time.Time { return c.t }

// fakeSubService scripts SyncFromGateway per user id.
type fakeSubService struct {
	syncErr map[string]error
	synced  []string
}

func (f *fakeSubService) SyncFromGateway(_ context.Context, userID, _ string) (subscriptiondomain.SyncResult, error) {
	if err := f.syncErr[userID]; err != nil {
		return subscriptiondomain.SyncResult{}, err
	}
	f.synced = append(f.synced, userID)
	return subscriptiondomain.SyncResult{UserID: userID, Status: subscriptiondomain.SyncStatusSuccess}, nil
}

func (f *fakeSubService) HasActive(context.Context, string) (bool, error) { return false, nil }
func (f *fakeSubService) ValidateAccess(context.Context, string) (subscriptiondomain.AccessResult, error) {
	return subscriptiondomain.AccessResult{}, nil
}
func (f *fakeSubService) Verify(context.Context, string) (subscriptiondomain.Verification, error) {
	return subscriptiondomain.Verification{}, nil
}
func (f *fakeSubService) VerifyAndFix(context.Context, string, bool) (subscriptiondomain.Verification, error) {
	return subscriptiondomain.Verification{}, nil
}
func (f *fakeSubService) Cancel(context.Context, string) (*subscriptiondomain.Subscription, error) {
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}
func (f *fakeSubService) GetByUserID(context.Context, string) (*subscriptiondomain.Subscription, error) {
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}

func newTestScheduler(t *testing.T) (*Scheduler, *gorm.DB, *fakeSubService) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&paymentdomain.EventRecord{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.Cron.SyncBatchSize = 50
	cfg.Cron.RunHourUTC = 3

	subSvc := &fakeSubService{syncErr: map[string]error{}}
	s := &Scheduler{
		db:      db,
		log:     zap.NewNop(),
		genID:   node,
		clock:   fixedClock{t: testNow},
		cfg:     cfg,
		repo:    subscriptionrepo.Provide(),
		subSvc:  subSvc,
		metrics: observability.NewMetrics(),
	}
	return s, db, subSvc
}

func seedSub(t *testing.T, db *gorm.DB, node *snowflake.Node, userID string, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:           node.Generate(),
		UserID:       userID,
		Plan:         "pro",
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
		Status:       subscriptiondomain.StatusActive,
		RecurringUID: "rec-" + userID,
		Amount:       99,
		Currency:     "ILS",
		CreatedAt:    testNow.AddDate(0, -2, 0),
		UpdatedAt:    testNow.AddDate(0, -2, 0),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func TestRunDailyCancellationsPhase(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	due := testNow.Add(-time.Hour)
	sub := seedSub(t, db, s.genID, "u-cancel", func(x *subscriptiondomain.Subscription) {
		x.CancelAtPeriodEnd = true
		x.NextPaymentAt = &due
	})
	future := testNow.AddDate(0, 0, 10)
	keep := seedSub(t, db, s.genID, "u-keep", func(x *subscriptiondomain.Subscription) {
		x.CancelAtPeriodEnd = true
		x.NextPaymentAt = &future
	})

	stats, err := s.RunDaily(context.Background())
	require.NoError(t, err)
	require.False(t, stats.Skipped)
	require.Equal(t, 1, stats.Phases[0].Processed)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
	require.Equal(t, subscriptiondomain.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	got = subscriptiondomain.Subscription{}
	require.NoError(t, db.First(&got, "id = ?", keep.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
}

func TestRunDailyTrialExpirations(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	ended := testNow.Add(-time.Hour)

	withCard := seedSub(t, db, s.genID, "u-card", func(x *subscriptiondomain.Subscription) {
		x.Status = subscriptiondomain.StatusTrial
		x.TrialEndsAt = &ended
		x.CustomerUID = "cust-1"
	})
	withoutCard := seedSub(t, db, s.genID, "u-nocard", func(x *subscriptiondomain.Subscription) {
		x.Status = subscriptiondomain.StatusTrial
		x.TrialEndsAt = &ended
		x.CustomerUID = ""
	})

	_, err := s.RunDaily(context.Background())
	require.NoError(t, err)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", withCard.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
	require.NotNil(t, got.NextPaymentAt)
	require.Equal(t, testNow.AddDate(0, 1, 0), got.NextPaymentAt.UTC())

	got = subscriptiondomain.Subscription{}
	require.NoError(t, db.First(&got, "id = ?", withoutCard.ID).Error)
	require.Equal(t, subscriptiondomain.StatusSuspended, got.Status)
	require.NotNil(t, got.SuspendedAt)
	require.Equal(t, "trial_expired_without_payment_method", got.SuspensionReason)
}

func TestRunDailyResumesPaused(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	resumeAt := testNow.Add(-time.Hour)
	pausedAt := testNow.AddDate(0, -1, 0)
	sub := seedSub(t, db, s.genID, "u-paused", func(x *subscriptiondomain.Subscription) {
		x.Status = subscriptiondomain.StatusPaused
		x.PausedAt = &pausedAt
		x.PausedUntil = &resumeAt
		x.PauseReason = "vacation"
	})
	stillPaused := seedSub(t, db, s.genID, "u-still-paused", func(x *subscriptiondomain.Subscription) {
		later := testNow.AddDate(0, 0, 10)
		x.Status = subscriptiondomain.StatusPaused
		x.PausedUntil = &later
	})

	_, err := s.RunDaily(context.Background())
	require.NoError(t, err)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
	require.Equal(t, testNow.AddDate(0, 1, 0), got.NextPaymentAt.UTC())
	require.Nil(t, got.PausedAt)
	require.Nil(t, got.PausedUntil)
	require.Empty(t, got.PauseReason)

	got = subscriptiondomain.Subscription{}
	require.NoError(t, db.First(&got, "id = ?", stillPaused.ID).Error)
	require.Equal(t, subscriptiondomain.StatusPaused, got.Status)
}

// One poisoned row must not stop the rest of its phase.
func TestGatewaySyncPhaseIsolatesFailures(t *testing.T) {
	s, db, subSvc := newTestScheduler(t)
	seedSub(t, db, s.genID, "u-poison", nil)
	seedSub(t, db, s.genID, "u-fine", nil)
	subSvc.syncErr["u-poison"] = errors.New("gateway exploded")

	stats, err := s.RunDaily(context.Background())
	require.NoError(t, err)

	var syncPhase PhaseResult
	for _, p := range stats.Phases {
		if p.Phase == "gateway_sync" {
			syncPhase = p
		}
	}
	require.Equal(t, 1, syncPhase.Processed)
	require.Len(t, syncPhase.Errors, 1)
	require.Equal(t, []string{"u-fine"}, subSvc.synced)
}

func TestGatewaySyncSkipsRecentlyVerified(t *testing.T) {
	s, db, subSvc := newTestScheduler(t)
	fresh := testNow.Add(-time.Hour)
	seedSub(t, db, s.genID, "u-fresh", func(x *subscriptiondomain.Subscription) {
		x.LastVerificationAt = &fresh
	})
	seedSub(t, db, s.genID, "u-stale", nil)

	_, err := s.RunDaily(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"u-stale"}, subSvc.synced)
}

func TestGatewaySyncIncludesTrials(t *testing.T) {
	s, db, subSvc := newTestScheduler(t)
	ends := testNow.AddDate(0, 0, 5)
	seedSub(t, db, s.genID, "u-trial", func(x *subscriptiondomain.Subscription) {
		x.Status = subscriptiondomain.StatusTrial
		x.TrialEndsAt = &ends
	})
	seedSub(t, db, s.genID, "u-paused-skip", func(x *subscriptiondomain.Subscription) {
		x.Status = subscriptiondomain.StatusPaused
	})

	_, err := s.RunDaily(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"u-trial"}, subSvc.synced)
}

// The redis lock makes the daily run exclusive per calendar day across
// replicas and the HTTP cron trigger.
func TestRunDailyLockExclusion(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	mr := miniredis.RunT(t)
	s.redis = goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	first, err := s.RunDaily(context.Background())
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := s.RunDaily(context.Background())
	require.NoError(t, err)
	require.True(t, second.Skipped)
	require.Empty(t, second.Phases)

	// The next day gets a fresh lock.
	s.clock = fixedClock{t: testNow.AddDate(0, 0, 1)}
	third, err := s.RunDaily(context.Background())
	require.NoError(t, err)
	require.False(t, third.Skipped)
}

func TestRunDailyPurgesOldEventRecords(t *testing.T) {
	s, db, _ := newTestScheduler(t)

	require.NoError(t, db.Create(&paymentdomain.EventRecord{
		ID:         s.genID.Generate(),
		Result:     "processed",
		ReceivedAt: testNow.AddDate(0, 0, -91),
	}).Error)
	require.NoError(t, db.Create(&paymentdomain.EventRecord{
		ID:         s.genID.Generate(),
		Result:     "processed",
		ReceivedAt: testNow.AddDate(0, 0, -10),
	}).Error)

	_, err := s.RunDaily(context.Background())
	require.NoError(t, err)

	var remaining int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&remaining).Error)
	require.EqualValues(t, 1, remaining)
}
