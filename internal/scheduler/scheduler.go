package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/membercore/internal/clock"
	"github.com/smallbiznis/membercore/internal/config"
	"github.com/smallbiznis/membercore/internal/lock"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	obsmetrics "github.com/smallbiznis/membercore/internal/observability/metrics"
	planchangedomain "github.com/smallbiznis/membercore/internal/planchange/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobApplyPlanChanges = "apply_plan_changes"
	JobSyncStatus       = "sync_status"

	jobTimeout = 10 * time.Minute
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	AppConfig     config.Config
	GenID         *snowflake.Node
	Clock         clock.Clock
	Locks         *lock.Manager
	PlanChangeSvc planchangedomain.Service
	Config        Config `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	loc           *time.Location
	genID         *snowflake.Node
	clock         clock.Clock
	locks         *lock.Manager
	planChangeSvc planchangedomain.Service

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// SyncReport summarizes one run of the status sync sweep. Skipped is
// true when another instance held the global lock.
type SyncReport struct {
	Activated   int64 `json:"activated"`
	Deactivated int64 `json:"deactivated"`
	Skipped     bool  `json:"skipped"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Locks == nil || p.PlanChangeSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           cfg,
		loc:           p.AppConfig.Location(),
		genID:         p.GenID,
		clock:         p.Clock,
		locks:         p.Locks,
		planChangeSvc: p.PlanChangeSvc,
		lastRun:       make(map[string]time.Time),
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name)
	s.logJobStart(run)

	jobMetrics := obsmetrics.Jobs()
	jobMetrics.IncJobRun(name)

	err := fn(ctx)
	jobMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.AddErrors(1)
	}
	s.logJobFinish(run)

	if err == nil {
		return nil
	}
	jobMetrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", jobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce walks the job table. Jobs are gated to at most one run per
// calendar day, so a short RunInterval only controls how promptly each
// job fires after its configured hour.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Hour int
		Run  func(context.Context) error
	}{
		{JobApplyPlanChanges, s.cfg.ApplyHour, s.applyPlanChangesJob},
		{JobSyncStatus, s.cfg.SyncHour, s.syncStatusJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) || !s.dueToday(job.Name, job.Hour) {
			continue
		}
		runErr := s.runJob(parent, job.Name, job.Run)
		if runErr == nil {
			s.markRan(job.Name)
		}
		err = errors.Join(err, runErr)
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// dueToday reports whether a daily job should fire: its hour has passed
// and it has not already run this calendar day.
func (s *Scheduler) dueToday(jobName string, hour int) bool {
	now := s.clock.Now().In(s.loc)
	if now.Hour() < hour {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[jobName]
	if !ok {
		return true
	}
	return memberdomain.StartOfDay(last.In(s.loc), s.loc).Before(memberdomain.StartOfDay(now, s.loc))
}

func (s *Scheduler) markRan(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[jobName] = s.clock.Now()
}

func (s *Scheduler) applyPlanChangesJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	report, err := s.planChangeSvc.ApplyDue(ctx, run.runID)
	if err != nil {
		return err
	}
	run.AddProcessed(report.Applied)
	run.AddErrors(report.Failed)
	obsmetrics.Jobs().AddItemErrors(JobApplyPlanChanges, report.Failed)
	s.log.Info("plan changes applied",
		zap.String("run_id", run.runID),
		zap.Int("due", report.Due),
		zap.Int("applied", report.Applied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return nil
}

func (s *Scheduler) syncStatusJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	report, err := s.syncStatuses(ctx, run.runID)
	if err != nil {
		return err
	}
	if report.Skipped {
		s.log.Info("status sync skipped, lock held elsewhere",
			zap.String("run_id", run.runID),
		)
		return nil
	}
	run.AddProcessed(int(report.Activated + report.Deactivated))
	s.log.Info("statuses synced",
		zap.String("run_id", run.runID),
		zap.Int64("activated", report.Activated),
		zap.Int64("deactivated", report.Deactivated),
	)
	return nil
}

// syncStatuses bulk-aligns the cached status column with the derived
// calculator under the global sync lock. Only the ACTIVE and INACTIVE
// states participate: PAUSED freezes the balance and ARCHIVED is
// terminal, so sync never touches either.
func (s *Scheduler) syncStatuses(ctx context.Context, correlationID string) (SyncReport, error) {
	now := s.clock.Now()
	var report SyncReport

	result, err := s.locks.ExecuteWithLock(ctx, lock.StatusSyncGlobal, correlationID, func(tx *gorm.DB) error {
		expiredCond, expiredArgs, _ := memberdomain.StatusFilterExpired.Condition(now, s.loc)
		res := tx.Model(&memberdomain.Member{}).
			Where("status = ?", memberdomain.MemberStatusActive).
			Where(expiredCond, expiredArgs...).
			Update("status", memberdomain.MemberStatusInactive)
		if res.Error != nil {
			return res.Error
		}
		report.Deactivated = res.RowsAffected

		activeCond, activeArgs, _ := memberdomain.StatusFilterActive.Condition(now, s.loc)
		res = tx.Model(&memberdomain.Member{}).
			Where("status = ?", memberdomain.MemberStatusInactive).
			Where(activeCond, activeArgs...).
			Update("status", memberdomain.MemberStatusActive)
		if res.Error != nil {
			return res.Error
		}
		report.Activated = res.RowsAffected
		return nil
	})
	if err != nil {
		return SyncReport{}, err
	}
	if !result.Acquired {
		return SyncReport{Skipped: true}, nil
	}
	return report, nil
}

// ApplyPlanChangesNow runs the apply job immediately, bypassing the
// daily gate. Used by operators to re-run a day after a failure.
func (s *Scheduler) ApplyPlanChangesNow(ctx context.Context, correlationID string) (planchangedomain.ApplyReport, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	s.log.Info("manual plan-change apply", zap.String("correlation_id", correlationID))
	return s.planChangeSvc.ApplyDue(ctx, correlationID)
}

// SyncStatusNow runs the status sync sweep immediately, bypassing the
// daily gate.
func (s *Scheduler) SyncStatusNow(ctx context.Context, correlationID string) (SyncReport, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	s.log.Info("manual status sync", zap.String("correlation_id", correlationID))
	return s.syncStatuses(ctx, correlationID)
}
