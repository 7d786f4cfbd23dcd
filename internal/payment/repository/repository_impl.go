package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/membercore/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.findByID(ctx, db, tenantID, id, false)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.findByID(ctx, db, tenantID, id, true)
}

func (r *repo) findByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, forUpdate bool) (*paymentdomain.Payment, error) {
	query := db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id)
	if forUpdate && supportsRowLocks(db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var payment paymentdomain.Payment
	err := query.Take(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repo) FindCorrections(ctx context.Context, db *gorm.DB, tenantID, originalID snowflake.ID) ([]paymentdomain.Payment, error) {
	var corrections []paymentdomain.Payment
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND corrected_payment_id = ?", tenantID, originalID).
		Order("created_at ASC, id ASC").
		Find(&corrections).Error
	if err != nil {
		return nil, err
	}
	return corrections, nil
}

func (r *repo) MarkCorrected(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, expectedVersion int) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET is_corrected = ?, version = version + 1
		 WHERE tenant_id = ? AND id = ? AND version = ?`,
		true,
		tenantID,
		id,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter paymentdomain.ListFilter) ([]paymentdomain.Payment, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)

	if filter.MemberID != 0 {
		query = query.Where("member_id = ?", filter.MemberID)
	}
	if filter.BranchID != 0 {
		query = query.Where("branch_id = ?", filter.BranchID)
	}
	if filter.Method != "" {
		query = query.Where("method = ?", filter.Method)
	}
	if filter.From != nil {
		query = query.Where("paid_on >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("paid_on <= ?", *filter.To)
	}
	if filter.AfterID != 0 {
		query = query.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var payments []paymentdomain.Payment
	if err := query.Order("id ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// FindForReporting loads whole chains: filters here are limited to fields
// immutable across a chain so corrections are never separated from their
// originals.
func (r *repo) FindForReporting(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter paymentdomain.ReportingFilter) ([]paymentdomain.Payment, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)

	if filter.MemberID != 0 {
		query = query.Where("member_id = ?", filter.MemberID)
	}
	if filter.BranchID != 0 {
		query = query.Where("branch_id = ?", filter.BranchID)
	}

	var payments []paymentdomain.Payment
	if err := query.Order("created_at ASC, id ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func supportsRowLocks(db *gorm.DB) bool {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
