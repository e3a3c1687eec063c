package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/clock"
	"github.com/clearpointsec/billing/internal/config"
	"github.com/clearpointsec/billing/internal/observability"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const runLockTTL = 23 * time.Hour

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Repo    subscriptiondomain.Repository
	SubSvc  subscriptiondomain.Service
	Redis   *redis.Client `optional:"true"`
	Metrics *observability.Metrics
}

type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	repo    subscriptiondomain.Repository
	subSvc  subscriptiondomain.Service
	redis   *redis.Client
	metrics *observability.Metrics
}

func NewScheduler(p Params) *Scheduler {
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		repo:    p.Repo,
		subSvc:  p.SubSvc,
		redis:   p.Redis,
		metrics: p.Metrics,
	}
}

// PhaseResult is one phase's outcome. A poisoned row lands in Errors and the
// phase keeps going; a phase never aborts the run.
type PhaseResult struct {
	Phase     string   `json:"phase"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

type RunStats struct {
	Skipped bool          `json:"skipped"`
	Phases  []PhaseResult `json:"phases,omitempty"`
}

func (r RunStats) TotalProcessed() int {
	total := 0
	for _, p := range r.Phases {
		total += p.Processed
	}
	return total
}

func (r RunStats) TotalErrors() int {
	total := 0
	for _, p := range r.Phases {
		total += len(p.Errors)
	}
	return total
}

// RunForever drives the daily run from a standalone scheduler process. The
// run lock makes concurrent replicas and the HTTP cron trigger idempotent
// per day.
func (s *Scheduler) RunForever(ctx context.Context) {
	s.log.Info("scheduler started", zap.Int("run_hour_utc", s.cfg.Cron.RunHourUTC))

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			now := s.clock.Now(ctx)
			if now.Hour() != s.cfg.Cron.RunHourUTC {
				continue
			}
			if _, err := s.RunDaily(ctx); err != nil {
				s.log.Error("daily run failed", zap.Error(err))
			}
		}
	}
}

// RunDaily executes the four lifecycle phases in order, then purges old
// webhook event records.
func (s *Scheduler) RunDaily(ctx context.Context) (RunStats, error) {
	now := s.clock.Now(ctx)

	acquired, err := s.acquireRunLock(ctx, now)
	if err != nil {
		return RunStats{}, err
	}
	if !acquired {
		s.log.Info("daily run already taken", zap.String("day", now.Format("2006-01-02")))
		return RunStats{Skipped: true}, nil
	}

	stats := RunStats{}
	for _, phase := range []func(context.Context, time.Time) PhaseResult{
		s.runCancellations,
		s.runTrialExpirations,
		s.runPausedResume,
		s.runGatewaySync,
	} {
		result := phase(ctx, now)
		stats.Phases = append(stats.Phases, result)
		for range result.Errors {
			s.metrics.SchedulerItems.WithLabelValues(result.Phase, "error").Inc()
		}
		s.metrics.SchedulerItems.WithLabelValues(result.Phase, "processed").Add(float64(result.Processed))
	}

	s.purgeEventRecords(ctx, now)

	s.log.Info("daily run finished",
		zap.Int("processed", stats.TotalProcessed()),
		zap.Int("errors", stats.TotalErrors()))
	return stats, nil
}

// acquireRunLock takes the per-day distributed lock. Without redis the
// scheduler runs unguarded, which is fine for a single replica.
func (s *Scheduler) acquireRunLock(ctx context.Context, now time.Time) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	key := "scheduler:daily:" + now.Format("2006-01-02")
	return s.redis.SetNX(ctx, key, "1", runLockTTL).Result()
}

func (s *Scheduler) purgeEventRecords(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -90)
	res := s.db.WithContext(ctx).Exec("DELETE FROM payment_events WHERE received_at < ?", cutoff)
	if res.Error != nil {
		s.log.Warn("event record purge failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		s.log.Info("purged webhook event records", zap.Int64("deleted", res.RowsAffected))
	}
}
