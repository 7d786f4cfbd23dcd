// Package domain defines the scheduled plan change pipeline: the pending
// sub-record lifecycle and its append-only history trail.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	"gorm.io/gorm"
)

// ChangeType tags each history row with the transition that produced it.
type ChangeType string

const (
	ChangeTypeScheduled ChangeType = "SCHEDULED"
	ChangeTypeCancelled ChangeType = "CANCELLED"
	ChangeTypeApplied   ChangeType = "APPLIED"
)

// HistoryRecord is an immutable audit row. Rows are created once per
// schedule/cancel/apply transition and never updated or deleted.
type HistoryRecord struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"not null;index"`
	MemberID snowflake.ID `gorm:"not null;index"`

	OldPlanID        snowflake.ID `gorm:"not null"`
	NewPlanID        snowflake.ID `gorm:"not null"`
	OldStart         *time.Time   `gorm:""`
	OldEnd           *time.Time   `gorm:""`
	NewStart         *time.Time   `gorm:""`
	NewEnd           *time.Time   `gorm:""`
	OldPriceSnapshot int64        `gorm:"not null"`
	NewPriceSnapshot int64        `gorm:"not null"`

	ChangeType ChangeType `gorm:"type:text;not null"`
	ActorID    string     `gorm:"type:text;not null"`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (HistoryRecord) TableName() string { return "plan_change_history" }

type ScheduleRequest struct {
	MemberID  string `json:"member_id"`
	NewPlanID string `json:"new_plan_id"`
}

// ChangeResponse returns the member state after a schedule or cancel,
// including the pending sub-record when one exists.
type ChangeResponse struct {
	Member  memberdomain.Member         `json:"member"`
	Pending *memberdomain.PendingChange `json:"pending,omitempty"`
}

// ApplyReport summarizes one run of the apply job. Per-member failures
// are counted, not propagated.
type ApplyReport struct {
	Due     int `json:"due"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Service interface {
	Schedule(ctx context.Context, req ScheduleRequest) (ChangeResponse, error)
	Cancel(ctx context.Context, memberID string) (ChangeResponse, error)
	// ApplyDue applies every pending change whose start date has arrived.
	// It is invoked by the scheduler and by the manual entry point; the
	// correlation id ties log lines of one run together.
	ApplyDue(ctx context.Context, correlationID string) (ApplyReport, error)
	History(ctx context.Context, memberID string) ([]HistoryRecord, error)
}

type Repository interface {
	InsertHistory(ctx context.Context, db *gorm.DB, record *HistoryRecord) error
	ListHistoryByMember(ctx context.Context, db *gorm.DB, tenantID, memberID snowflake.ID) ([]HistoryRecord, error)
	// FindDueMembers enumerates members across all tenants whose pending
	// start date has arrived.
	FindDueMembers(ctx context.Context, db *gorm.DB, dueBy time.Time, limit int) ([]memberdomain.Member, error)
}

var ErrPlanBranchMismatch = errors.New("plan_branch_mismatch")
