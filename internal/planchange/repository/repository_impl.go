package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	planchangedomain "github.com/smallbiznis/membercore/internal/planchange/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() planchangedomain.Repository {
	return &repo{}
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, record *planchangedomain.HistoryRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) ListHistoryByMember(ctx context.Context, db *gorm.DB, tenantID, memberID snowflake.ID) ([]planchangedomain.HistoryRecord, error) {
	var records []planchangedomain.HistoryRecord
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND member_id = ?", tenantID, memberID).
		Order("created_at ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) FindDueMembers(ctx context.Context, db *gorm.DB, dueBy time.Time, limit int) ([]memberdomain.Member, error) {
	var members []memberdomain.Member
	err := db.WithContext(ctx).
		Where("pending_plan_id IS NOT NULL AND pending_start <= ?", dueBy).
		Order("id ASC").
		Limit(limit).
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
