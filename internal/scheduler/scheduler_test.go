package scheduler

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
	planchangedomain "github.com/smallbiznis/membercore/internal/planchange/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type planChangeStub struct {
	applyCalls     int
	correlationIDs []string
	report         planchangedomain.ApplyReport
}

func (s *planChangeStub) Schedule(ctx context.Context, req planchangedomain.ScheduleRequest) (planchangedomain.ChangeResponse, error) {
	return planchangedomain.ChangeResponse{}, nil
}

func (s *planChangeStub) Cancel(ctx context.Context, memberID string) (planchangedomain.ChangeResponse, error) {
	return planchangedomain.ChangeResponse{}, nil
}

func (s *planChangeStub) ApplyDue(ctx context.Context, correlationID string) (planchangedomain.ApplyReport, error) {
	s.applyCalls++
	s.correlationIDs = append(s.correlationIDs, correlationID)
	return s.report, nil
}

func (s *planChangeStub) History(ctx context.Context, memberID string) ([]planchangedomain.HistoryRecord, error) {
	return nil, nil
}

type fixture struct {
	db    *gorm.DB
	sched *Scheduler
	clock *clock.FakeClock
	node  *snowflake.Node
	stub  *planChangeStub
}

func newFixture(t *testing.T, now time.Time, cfg Config) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&memberdomain.Member{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)
	stub := &planChangeStub{}

	sched, err := New(Params{
		DB:            db,
		Log:           zap.NewNop(),
		AppConfig:     config.Config{TimeZone: "UTC"},
		GenID:         node,
		Clock:         fake,
		Locks:         lock.NewManager(db, zap.NewNop()),
		PlanChangeSvc: stub,
		Config:        cfg,
	})
	require.NoError(t, err)

	return &fixture{db: db, sched: sched, clock: fake, node: node, stub: stub}
}

func utcAt(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
}

func (f *fixture) seedMember(t *testing.T, status memberdomain.MemberStatus, end *time.Time) snowflake.ID {
	t.Helper()
	member := memberdomain.Member{
		ID:             f.node.Generate(),
		TenantID:       f.node.Generate(),
		BranchID:       f.node.Generate(),
		FullName:       "Sync Target",
		PlanID:         f.node.Generate(),
		EntitlementEnd: end,
		Status:         status,
	}
	require.NoError(t, f.db.Create(&member).Error)
	return member.ID
}

func (f *fixture) statusOf(t *testing.T, id snowflake.ID) memberdomain.MemberStatus {
	t.Helper()
	var member memberdomain.Member
	require.NoError(t, f.db.Where("id = ?", id).Take(&member).Error)
	return member.Status
}

func timePtr(v time.Time) *time.Time { return &v }

func TestRunOnceGatesJobsDaily(t *testing.T) {
	f := newFixture(t, utcAt(2024, 1, 10, 1), Config{ApplyHour: 2, SyncHour: 3})

	// Before the configured hour nothing fires.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Zero(t, f.stub.applyCalls)

	// After both hours each job fires exactly once per calendar day.
	f.clock.Set(utcAt(2024, 1, 10, 4))
	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.stub.applyCalls)

	f.clock.Set(utcAt(2024, 1, 10, 23))
	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.stub.applyCalls)

	// The gate reopens on the next day.
	f.clock.Set(utcAt(2024, 1, 11, 4))
	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 2, f.stub.applyCalls)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := newFixture(t, utcAt(2024, 1, 10, 12), Config{EnabledJobs: []string{JobSyncStatus}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Zero(t, f.stub.applyCalls)
}

func TestSyncStatusAlignsActiveAndInactive(t *testing.T) {
	f := newFixture(t, utcAt(2024, 1, 10, 12), Config{})

	lapsedActive := f.seedMember(t, memberdomain.MemberStatusActive, timePtr(utcAt(2024, 1, 5, 0)))
	nilEndActive := f.seedMember(t, memberdomain.MemberStatusActive, nil)
	revivedInactive := f.seedMember(t, memberdomain.MemberStatusInactive, timePtr(utcAt(2024, 2, 1, 0)))
	currentActive := f.seedMember(t, memberdomain.MemberStatusActive, timePtr(utcAt(2024, 2, 1, 0)))
	lapsedPaused := f.seedMember(t, memberdomain.MemberStatusPaused, timePtr(utcAt(2024, 1, 5, 0)))
	lapsedArchived := f.seedMember(t, memberdomain.MemberStatusArchived, timePtr(utcAt(2024, 1, 5, 0)))

	report, err := f.sched.SyncStatusNow(context.Background(), "test-run")
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, int64(2), report.Deactivated)
	assert.Equal(t, int64(1), report.Activated)

	assert.Equal(t, memberdomain.MemberStatusInactive, f.statusOf(t, lapsedActive))
	assert.Equal(t, memberdomain.MemberStatusInactive, f.statusOf(t, nilEndActive))
	assert.Equal(t, memberdomain.MemberStatusActive, f.statusOf(t, revivedInactive))
	assert.Equal(t, memberdomain.MemberStatusActive, f.statusOf(t, currentActive))

	// PAUSED freezes the balance and ARCHIVED is terminal: sync never
	// touches either.
	assert.Equal(t, memberdomain.MemberStatusPaused, f.statusOf(t, lapsedPaused))
	assert.Equal(t, memberdomain.MemberStatusArchived, f.statusOf(t, lapsedArchived))

	// A second sweep finds nothing to move.
	report, err = f.sched.SyncStatusNow(context.Background(), "test-run-2")
	require.NoError(t, err)
	assert.Zero(t, report.Deactivated)
	assert.Zero(t, report.Activated)
}

func TestSyncStatusSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, utcAt(2024, 1, 10, 12), Config{})

	require.True(t, f.sched.locks.TryAcquire(context.Background(), lock.StatusSyncGlobal, "holder"))
	defer f.sched.locks.Release(context.Background(), lock.StatusSyncGlobal, "holder")

	report, err := f.sched.SyncStatusNow(context.Background(), "test-run")
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestManualApplyGeneratesCorrelationID(t *testing.T) {
	f := newFixture(t, utcAt(2024, 1, 10, 12), Config{})
	f.stub.report = planchangedomain.ApplyReport{Due: 3, Applied: 3}

	report, err := f.sched.ApplyPlanChangesNow(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	require.Len(t, f.stub.correlationIDs, 1)
	assert.NotEmpty(t, f.stub.correlationIDs[0])
}
