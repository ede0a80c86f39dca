// Package sweeper runs scheduled stale-run recovery sweeps across all
// plans the doc store knows about, on a cron expression.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/planhub/internal/plan"
	"github.com/basket/planhub/internal/recovery"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// PlanSource lists the plans eligible for a sweep and loads their
// state. The orchestrator implements this over the doc store.
type PlanSource interface {
	ListPlans(ctx context.Context) ([]plan.Plan, error)
	SavePlan(ctx context.Context, p *plan.Plan) error
}

// Config holds the dependencies for the sweep scheduler.
type Config struct {
	Sweeper  *recovery.Sweeper
	Plans    PlanSource
	Logger   *slog.Logger
	CronExpr string        // defaults to every 5 minutes
	Interval time.Duration // tick interval; defaults to 30 seconds
}

// Scheduler ticks on an interval and fires a full sweep whenever the
// cron schedule comes due.
type Scheduler struct {
	sweeper  *recovery.Sweeper
	plans    PlanSource
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration

	mu      sync.Mutex
	nextDue time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "*/5 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cron expression %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  cfg.Sweeper,
		plans:    cfg.Plans,
		logger:   logger.With("component", "sweeper"),
		schedule: schedule,
		interval: interval,
		nextDue:  schedule.Next(time.Now()),
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep scheduler started", "next_due", s.nextDue.Format(time.RFC3339))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeSweep(ctx, time.Now())
		}
	}
}

func (s *Scheduler) maybeSweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Before(s.nextDue) {
		s.mu.Unlock()
		return
	}
	s.nextDue = s.schedule.Next(now)
	s.mu.Unlock()

	s.SweepAll(ctx)
}

// SweepAll recovers every plan in the source. Per-plan failures are
// logged and skipped; one corrupt plan must not stop the others.
func (s *Scheduler) SweepAll(ctx context.Context) {
	plans, err := s.plans.ListPlans(ctx)
	if err != nil {
		s.logger.Error("sweep: failed to list plans", "error", err.Error())
		return
	}
	for i := range plans {
		p := &plans[i]
		result, err := s.sweeper.RecoverStaleRuns(ctx, p)
		if err != nil {
			s.logger.Error("sweep: plan recovery failed",
				"workspace_id", p.WorkspaceID, "plan_id", p.ID, "error", err.Error())
			continue
		}
		if !result.Recovered {
			continue
		}
		if err := s.plans.SavePlan(ctx, p); err != nil {
			// The next sweep will find the same stale data and retry.
			s.logger.Error("sweep: failed to persist recovered plan",
				"workspace_id", p.WorkspaceID, "plan_id", p.ID, "error", err.Error())
		}
	}
}
