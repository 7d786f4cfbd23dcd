package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/membercore/internal/clock"
	"github.com/smallbiznis/membercore/internal/config"
	"github.com/smallbiznis/membercore/internal/lock"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	memberrepository "github.com/smallbiznis/membercore/internal/member/repository"
	plandomain "github.com/smallbiznis/membercore/internal/plan/domain"
	planrepository "github.com/smallbiznis/membercore/internal/plan/repository"
	planchangedomain "github.com/smallbiznis/membercore/internal/planchange/domain"
	planchangerepository "github.com/smallbiznis/membercore/internal/planchange/repository"
	"github.com/smallbiznis/membercore/internal/tenantcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	svc      planchangedomain.Service
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenantID snowflake.ID
	branchID snowflake.ID
	ctx      context.Context
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&memberdomain.Member{},
		&plandomain.Plan{},
		&planchangedomain.HistoryRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Config:     config.Config{TimeZone: "UTC", SchedulerBatchSize: 100},
		GenID:      node,
		Clock:      fake,
		Locks:      lock.NewManager(db, zap.NewNop()),
		Repo:       planchangerepository.Provide(),
		MemberRepo: memberrepository.Provide(),
		PlanRepo:   planrepository.Provide(),
	})

	tenantID := node.Generate()
	branchID := node.Generate()

	return &fixture{
		db:       db,
		svc:      svc,
		clock:    fake,
		node:     node,
		tenantID: tenantID,
		branchID: branchID,
		ctx:      tenantcontext.WithTenantID(context.Background(), tenantID),
	}
}

func utcDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) seedPlan(t *testing.T, name string, days, months int, price int64) plandomain.Plan {
	t.Helper()
	plan := plandomain.Plan{
		ID:             f.node.Generate(),
		TenantID:       f.tenantID,
		Name:           name,
		Price:          price,
		DurationDays:   days,
		DurationMonths: months,
		Active:         true,
	}
	require.NoError(t, f.db.Create(&plan).Error)
	return plan
}

func (f *fixture) seedMember(t *testing.T, plan plandomain.Plan, start, end time.Time) memberdomain.Member {
	t.Helper()
	member := memberdomain.Member{
		ID:               f.node.Generate(),
		TenantID:         f.tenantID,
		BranchID:         f.branchID,
		FullName:         "Budi Santoso",
		PlanID:           plan.ID,
		PriceSnapshot:    plan.Price,
		EntitlementStart: &start,
		EntitlementEnd:   &end,
		Status:           memberdomain.MemberStatusActive,
	}
	require.NoError(t, f.db.Create(&member).Error)
	return member
}

func TestScheduleAnchorsDayAfterEntitlement(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	newPlan := f.seedPlan(t, "Premium Monthly", 0, 1, 350_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	resp, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: newPlan.ID.String(),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, newPlan.ID, resp.Pending.PlanID)
	assert.Equal(t, utcDate(2024, 3, 11), resp.Pending.Start.UTC())
	assert.Equal(t, utcDate(2024, 4, 11), resp.Pending.End.UTC())
	assert.Equal(t, newPlan.Price, resp.Pending.PriceSnapshot)

	// The active plan is untouched until the change is applied.
	assert.Equal(t, oldPlan.ID, resp.Member.PlanID)
	assert.Equal(t, utcDate(2024, 3, 10), resp.Member.EntitlementEnd.UTC())

	history, err := f.svc.History(f.ctx, member.ID.String())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, planchangedomain.ChangeTypeScheduled, history[0].ChangeType)
	assert.Equal(t, oldPlan.ID, history[0].OldPlanID)
	assert.Equal(t, newPlan.ID, history[0].NewPlanID)
}

func TestScheduleOverwritesPending(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	firstPlan := f.seedPlan(t, "Premium", 0, 1, 350_000)
	secondPlan := f.seedPlan(t, "Quarterly", 0, 3, 900_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: firstPlan.ID.String(),
	})
	require.NoError(t, err)

	resp, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: secondPlan.ID.String(),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, secondPlan.ID, resp.Pending.PlanID)
	assert.Equal(t, utcDate(2024, 6, 11), resp.Pending.End.UTC())

	// Both schedules are recorded.
	history, err := f.svc.History(f.ctx, member.ID.String())
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestScheduleSamePlanIsNoOp(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	plan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	member := f.seedMember(t, plan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	resp, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Pending)

	history, err := f.svc.History(f.ctx, member.ID.String())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestScheduleRejectsBranchMismatch(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	otherBranch := f.node.Generate()
	scoped := plandomain.Plan{
		ID:             f.node.Generate(),
		TenantID:       f.tenantID,
		BranchID:       &otherBranch,
		Name:           "Branch Only",
		Price:          100_000,
		DurationMonths: 1,
		Active:         true,
	}
	require.NoError(t, f.db.Create(&scoped).Error)

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: scoped.ID.String(),
	})
	assert.ErrorIs(t, err, planchangedomain.ErrPlanBranchMismatch)
}

func TestScheduleRejectsZeroDurationPlan(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	emptyPlan := f.seedPlan(t, "Misconfigured", 0, 0, 100_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: emptyPlan.ID.String(),
	})
	assert.ErrorIs(t, err, plandomain.ErrPlanBadDuration)

	var reloaded memberdomain.Member
	require.NoError(t, f.db.Where("tenant_id = ? AND id = ?", f.tenantID, member.ID).Take(&reloaded).Error)
	assert.Nil(t, reloaded.PendingChange())
}

func TestScheduleRejectsArchivedMember(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	newPlan := f.seedPlan(t, "Premium", 0, 1, 350_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))
	require.NoError(t, f.db.Model(&memberdomain.Member{}).
		Where("id = ?", member.ID).
		Update("status", memberdomain.MemberStatusArchived).Error)

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: newPlan.ID.String(),
	})
	assert.ErrorIs(t, err, memberdomain.ErrMemberArchived)
}

func TestCancelClearsPendingAndIsIdempotent(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	newPlan := f.seedPlan(t, "Premium", 0, 1, 350_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: newPlan.ID.String(),
	})
	require.NoError(t, err)

	resp, err := f.svc.Cancel(f.ctx, member.ID.String())
	require.NoError(t, err)
	assert.Nil(t, resp.Pending)
	assert.Equal(t, oldPlan.ID, resp.Member.PlanID)

	// The cancellation history row snapshots what was cancelled.
	history, err := f.svc.History(f.ctx, member.ID.String())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, planchangedomain.ChangeTypeCancelled, history[1].ChangeType)
	assert.Equal(t, newPlan.ID, history[1].NewPlanID)

	// Cancel with nothing pending is a no-op success, no extra history.
	_, err = f.svc.Cancel(f.ctx, member.ID.String())
	require.NoError(t, err)
	history, err = f.svc.History(f.ctx, member.ID.String())
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestApplyDueSwapsPlanAtomically(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	newPlan := f.seedPlan(t, "Premium", 0, 1, 350_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: newPlan.ID.String(),
	})
	require.NoError(t, err)

	// Before the pending start nothing is due.
	report, err := f.svc.ApplyDue(f.ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	f.clock.Set(utcDate(2024, 3, 11))
	report, err = f.svc.ApplyDue(f.ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, report.Failed)

	var updated memberdomain.Member
	require.NoError(t, f.db.Where("id = ?", member.ID).Take(&updated).Error)
	assert.Equal(t, newPlan.ID, updated.PlanID)
	assert.Equal(t, newPlan.Price, updated.PriceSnapshot)
	assert.Equal(t, utcDate(2024, 3, 11), updated.EntitlementStart.UTC())
	assert.Equal(t, utcDate(2024, 4, 11), updated.EntitlementEnd.UTC())
	assert.Nil(t, updated.PendingChange())

	history, err := f.svc.History(f.ctx, member.ID.String())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, planchangedomain.ChangeTypeApplied, history[1].ChangeType)

	// Re-running finds nothing due.
	report, err = f.svc.ApplyDue(f.ctx, "run-3")
	require.NoError(t, err)
	assert.Zero(t, report.Due)
}

func TestApplyDueSkipsCancelledChange(t *testing.T) {
	f := newFixture(t, utcDate(2024, 2, 15))
	oldPlan := f.seedPlan(t, "Monthly", 0, 1, 200_000)
	newPlan := f.seedPlan(t, "Premium", 0, 1, 350_000)
	member := f.seedMember(t, oldPlan, utcDate(2024, 2, 10), utcDate(2024, 3, 10))

	_, err := f.svc.Schedule(f.ctx, planchangedomain.ScheduleRequest{
		MemberID:  member.ID.String(),
		NewPlanID: newPlan.ID.String(),
	})
	require.NoError(t, err)
	_, err = f.svc.Cancel(f.ctx, member.ID.String())
	require.NoError(t, err)

	f.clock.Set(utcDate(2024, 3, 11))
	report, err := f.svc.ApplyDue(f.ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	var unchanged memberdomain.Member
	require.NoError(t, f.db.Where("id = ?", member.ID).Take(&unchanged).Error)
	assert.Equal(t, oldPlan.ID, unchanged.PlanID)
}
