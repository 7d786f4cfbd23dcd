package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() memberdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, member *memberdomain.Member) error {
	return db.WithContext(ctx).Create(member).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*memberdomain.Member, error) {
	return r.findByID(ctx, db, tenantID, id, false)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*memberdomain.Member, error) {
	return r.findByID(ctx, db, tenantID, id, true)
}

func (r *repo) findByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, forUpdate bool) (*memberdomain.Member, error) {
	query := db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id)
	if forUpdate && supportsRowLocks(db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var member memberdomain.Member
	err := query.Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter memberdomain.ListFilter) ([]memberdomain.Member, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)

	if filter.BranchID != 0 {
		query = query.Where("branch_id = ?", filter.BranchID)
	}
	if cond, args, ok := filter.StatusFilter.Condition(filter.Now, filter.Location); ok {
		query = query.Where(cond, args...)
	}
	if filter.AfterID != 0 {
		query = query.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var members []memberdomain.Member
	if err := query.Order("id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, member *memberdomain.Member) error {
	return db.WithContext(ctx).Exec(
		`UPDATE members
		 SET full_name = ?, email = ?, phone = ?, metadata = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		member.FullName,
		member.Email,
		member.Phone,
		member.Metadata,
		member.UpdatedAt,
		member.TenantID,
		member.ID,
	).Error
}

// UpdateLifecycle persists the status machine and entitlement bookkeeping
// fields, including the pending-change sub-record, in one statement.
func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, member *memberdomain.Member) error {
	return db.WithContext(ctx).Exec(
		`UPDATE members
		 SET status = ?, plan_id = ?, price_snapshot = ?,
		     entitlement_start = ?, entitlement_end = ?,
		     paused_at = ?, resumed_at = ?,
		     pending_plan_id = ?, pending_start = ?, pending_end = ?,
		     pending_price_snapshot = ?, pending_scheduled_at = ?, pending_scheduled_by = ?,
		     updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		member.Status,
		member.PlanID,
		member.PriceSnapshot,
		member.EntitlementStart,
		member.EntitlementEnd,
		member.PausedAt,
		member.ResumedAt,
		member.PendingPlanID,
		member.PendingStart,
		member.PendingEnd,
		member.PendingPriceSnapshot,
		member.PendingScheduledAt,
		member.PendingScheduledBy,
		member.UpdatedAt,
		member.TenantID,
		member.ID,
	).Error
}

func supportsRowLocks(db *gorm.DB) bool {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
