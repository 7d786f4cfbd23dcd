package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membercore/internal/clock"
	"github.com/smallbiznis/membercore/internal/config"
	"github.com/smallbiznis/membercore/internal/lock"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	plandomain "github.com/smallbiznis/membercore/internal/plan/domain"
	planchangedomain "github.com/smallbiznis/membercore/internal/planchange/domain"
	"github.com/smallbiznis/membercore/internal/tenantcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locks      *lock.Manager
	Repo       planchangedomain.Repository
	MemberRepo memberdomain.Repository
	PlanRepo   plandomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	loc        *time.Location
	batchSize  int
	genID      *snowflake.Node
	clock      clock.Clock
	locks      *lock.Manager
	repo       planchangedomain.Repository
	memberRepo memberdomain.Repository
	planRepo   plandomain.Repository
}

func NewService(p Params) planchangedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("planchange.service"),
		loc:        p.Config.Location(),
		batchSize:  p.Config.SchedulerBatchSize,
		genID:      p.GenID,
		clock:      p.Clock,
		locks:      p.Locks,
		repo:       p.Repo,
		memberRepo: p.MemberRepo,
		planRepo:   p.PlanRepo,
	}
}

// Schedule queues a future plan swap starting the day after the current
// entitlement ends. An existing pending change is overwritten, not merged.
func (s *Service) Schedule(ctx context.Context, req planchangedomain.ScheduleRequest) (planchangedomain.ChangeResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return planchangedomain.ChangeResponse{}, memberdomain.ErrInvalidTenant
	}

	memberID, err := parseID(req.MemberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return planchangedomain.ChangeResponse{}, err
	}
	newPlanID, err := parseID(req.NewPlanID, plandomain.ErrPlanNotFound)
	if err != nil {
		return planchangedomain.ChangeResponse{}, err
	}

	now := s.clock.Now()
	actor := tenantcontext.ActorFromContext(ctx)

	var updated memberdomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.memberRepo.FindByIDForUpdate(ctx, tx, tenantID, memberID)
		if err != nil {
			return err
		}
		if member == nil {
			return memberdomain.ErrMemberNotFound
		}
		if member.Status == memberdomain.MemberStatusArchived {
			return memberdomain.ErrMemberArchived
		}

		newPlan, err := s.planRepo.FindByID(ctx, tx, tenantID, newPlanID)
		if err != nil {
			return err
		}
		if newPlan == nil {
			return plandomain.ErrPlanNotFound
		}
		if !newPlan.Active {
			return plandomain.ErrPlanInactive
		}
		if !newPlan.HasDuration() {
			return plandomain.ErrPlanBadDuration
		}
		if newPlan.BranchID != nil && *newPlan.BranchID != member.BranchID {
			return planchangedomain.ErrPlanBranchMismatch
		}

		// Re-selecting the active plan when nothing is queued is a no-op.
		if newPlan.ID == member.PlanID && member.PendingChange() == nil {
			updated = *member
			return nil
		}

		pendingStart := s.dayAfterEntitlement(member, now)
		pendingEnd := newPlan.EntitlementEnd(pendingStart)

		member.SetPendingChange(memberdomain.PendingChange{
			PlanID:        newPlan.ID,
			Start:         pendingStart,
			End:           pendingEnd,
			PriceSnapshot: newPlan.Price,
			ScheduledAt:   now,
			ScheduledBy:   actor,
		})
		member.UpdatedAt = now

		if err := s.memberRepo.UpdateLifecycle(ctx, tx, member); err != nil {
			return err
		}

		history := s.historyRecord(member, planchangedomain.ChangeTypeScheduled, actor, now)
		if err := s.repo.InsertHistory(ctx, tx, &history); err != nil {
			return err
		}

		updated = *member
		return nil
	})
	if err != nil {
		return planchangedomain.ChangeResponse{}, err
	}

	return planchangedomain.ChangeResponse{Member: updated, Pending: updated.PendingChange()}, nil
}

// Cancel clears a queued plan change. Cancelling when nothing is pending
// is a no-op success.
func (s *Service) Cancel(ctx context.Context, memberID string) (planchangedomain.ChangeResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return planchangedomain.ChangeResponse{}, memberdomain.ErrInvalidTenant
	}

	id, err := parseID(memberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return planchangedomain.ChangeResponse{}, err
	}

	now := s.clock.Now()
	actor := tenantcontext.ActorFromContext(ctx)

	var updated memberdomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.memberRepo.FindByIDForUpdate(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if member == nil {
			return memberdomain.ErrMemberNotFound
		}

		if member.PendingChange() == nil {
			updated = *member
			return nil
		}

		history := s.historyRecord(member, planchangedomain.ChangeTypeCancelled, actor, now)

		member.ClearPendingChange()
		member.UpdatedAt = now

		if err := s.memberRepo.UpdateLifecycle(ctx, tx, member); err != nil {
			return err
		}
		if err := s.repo.InsertHistory(ctx, tx, &history); err != nil {
			return err
		}

		updated = *member
		return nil
	})
	if err != nil {
		return planchangedomain.ChangeResponse{}, err
	}

	return planchangedomain.ChangeResponse{Member: updated, Pending: updated.PendingChange()}, nil
}

// ApplyDue walks every member whose pending start has arrived and applies
// the swap under the member-scoped lock. Contention means another job run
// owns that member this cycle; it is skipped, not failed.
func (s *Service) ApplyDue(ctx context.Context, correlationID string) (planchangedomain.ApplyReport, error) {
	now := s.clock.Now()
	today := memberdomain.StartOfDay(now, s.loc)
	log := s.log.With(zap.String("correlation_id", correlationID))

	due, err := s.repo.FindDueMembers(ctx, s.db, today, s.batchSize)
	if err != nil {
		// Cannot enumerate at all: fatal for the whole run.
		return planchangedomain.ApplyReport{}, err
	}

	report := planchangedomain.ApplyReport{Due: len(due)}
	for i := range due {
		member := due[i]
		result, err := s.applyOne(ctx, member.TenantID, member.ID, correlationID, now)
		switch {
		case err != nil:
			report.Failed++
			log.Warn("plan change apply failed",
				zap.String("member_id", member.ID.String()),
				zap.Error(err),
			)
		case !result.Acquired:
			report.Skipped++
		default:
			report.Applied++
		}
	}

	if report.Due > 0 {
		log.Info("plan change apply finished",
			zap.Int("due", report.Due),
			zap.Int("applied", report.Applied),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (s *Service) applyOne(ctx context.Context, tenantID, memberID snowflake.ID, correlationID string, now time.Time) (lock.Result, error) {
	return s.locks.ExecuteWithLock(ctx, lock.PlanChangeMember(memberID), correlationID, func(tx *gorm.DB) error {
		// Re-fetch for freshness: the change may have been cancelled or
		// already applied since enumeration.
		member, err := s.memberRepo.FindByIDForUpdate(ctx, tx, tenantID, memberID)
		if err != nil {
			return err
		}
		if member == nil {
			return nil
		}
		pending := member.PendingChange()
		if pending == nil {
			return nil
		}

		history := s.historyRecord(member, planchangedomain.ChangeTypeApplied, "system", now)

		start := pending.Start
		end := pending.End
		member.PlanID = pending.PlanID
		member.PriceSnapshot = pending.PriceSnapshot
		member.EntitlementStart = &start
		member.EntitlementEnd = &end
		member.ClearPendingChange()
		member.UpdatedAt = now

		if err := s.memberRepo.UpdateLifecycle(ctx, tx, member); err != nil {
			return err
		}
		return s.repo.InsertHistory(ctx, tx, &history)
	})
}

func (s *Service) History(ctx context.Context, memberID string) ([]planchangedomain.HistoryRecord, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, memberdomain.ErrInvalidTenant
	}

	id, err := parseID(memberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return nil, err
	}

	return s.repo.ListHistoryByMember(ctx, s.db, tenantID, id)
}

// dayAfterEntitlement normalizes the pending start to the calendar day
// after the current entitlement ends, in the reference zone.
func (s *Service) dayAfterEntitlement(member *memberdomain.Member, now time.Time) time.Time {
	anchor := now
	if member.EntitlementEnd != nil {
		anchor = *member.EntitlementEnd
	}
	return memberdomain.StartOfDay(anchor, s.loc).AddDate(0, 0, 1)
}

// historyRecord snapshots old state from the member row and new state
// from its pending sub-record.
func (s *Service) historyRecord(member *memberdomain.Member, changeType planchangedomain.ChangeType, actor string, now time.Time) planchangedomain.HistoryRecord {
	record := planchangedomain.HistoryRecord{
		ID:               s.genID.Generate(),
		TenantID:         member.TenantID,
		MemberID:         member.ID,
		OldPlanID:        member.PlanID,
		OldStart:         member.EntitlementStart,
		OldEnd:           member.EntitlementEnd,
		OldPriceSnapshot: member.PriceSnapshot,
		ChangeType:       changeType,
		ActorID:          actor,
		CreatedAt:        now,
	}
	if pending := member.PendingChange(); pending != nil {
		record.NewPlanID = pending.PlanID
		newStart := pending.Start
		newEnd := pending.End
		record.NewStart = &newStart
		record.NewEnd = &newEnd
		record.NewPriceSnapshot = pending.PriceSnapshot
	}
	return record
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
