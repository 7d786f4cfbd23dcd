// Package domain contains the member model, its lifecycle states, and the
// pure derived-status and time-accounting calculators.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MemberStatus is the denormalized lifecycle flag. It caches the output of
// DeriveStatus and is reconciled by the status-sync job.
type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "ACTIVE"
	MemberStatusPaused   MemberStatus = "PAUSED"
	MemberStatusInactive MemberStatus = "INACTIVE"
	MemberStatusArchived MemberStatus = "ARCHIVED"
)

// Member is a tenant-scoped membership record.
type Member struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"not null;index"`
	BranchID snowflake.ID `gorm:"not null;index"`

	FullName string `gorm:"type:text;not null"`
	Email    string `gorm:"type:text"`
	Phone    string `gorm:"type:text"`

	PlanID        snowflake.ID `gorm:"not null;index"`
	PriceSnapshot int64        `gorm:"not null"`

	EntitlementStart *time.Time `gorm:""`
	EntitlementEnd   *time.Time `gorm:"index"`

	Status    MemberStatus `gorm:"type:text;not null;index"`
	PausedAt  *time.Time   `gorm:""`
	ResumedAt *time.Time   `gorm:""`

	// Pending plan change sub-record. The columns are set and cleared
	// together; use PendingChange/SetPendingChange/ClearPendingChange.
	PendingPlanID        *snowflake.ID `gorm:"index"`
	PendingStart         *time.Time    `gorm:""`
	PendingEnd           *time.Time    `gorm:""`
	PendingPriceSnapshot *int64        `gorm:""`
	PendingScheduledAt   *time.Time    `gorm:""`
	PendingScheduledBy   *string       `gorm:"type:text"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Member) TableName() string { return "members" }

// PendingChange is the queued future plan swap stored on the member row.
type PendingChange struct {
	PlanID        snowflake.ID
	Start         time.Time
	End           time.Time
	PriceSnapshot int64
	ScheduledAt   time.Time
	ScheduledBy   string
}

// PendingChange returns the queued plan change, or nil when none is
// scheduled. The sub-record is only considered present when the plan id
// is set; the write paths keep all columns consistent.
func (m *Member) PendingChange() *PendingChange {
	if m.PendingPlanID == nil || m.PendingStart == nil || m.PendingEnd == nil {
		return nil
	}
	change := PendingChange{
		PlanID: *m.PendingPlanID,
		Start:  *m.PendingStart,
		End:    *m.PendingEnd,
	}
	if m.PendingPriceSnapshot != nil {
		change.PriceSnapshot = *m.PendingPriceSnapshot
	}
	if m.PendingScheduledAt != nil {
		change.ScheduledAt = *m.PendingScheduledAt
	}
	if m.PendingScheduledBy != nil {
		change.ScheduledBy = *m.PendingScheduledBy
	}
	return &change
}

// SetPendingChange populates the whole sub-record.
func (m *Member) SetPendingChange(change PendingChange) {
	planID := change.PlanID
	start := change.Start
	end := change.End
	price := change.PriceSnapshot
	scheduledAt := change.ScheduledAt
	scheduledBy := change.ScheduledBy

	m.PendingPlanID = &planID
	m.PendingStart = &start
	m.PendingEnd = &end
	m.PendingPriceSnapshot = &price
	m.PendingScheduledAt = &scheduledAt
	m.PendingScheduledBy = &scheduledBy
}

// ClearPendingChange wipes the whole sub-record.
func (m *Member) ClearPendingChange() {
	m.PendingPlanID = nil
	m.PendingStart = nil
	m.PendingEnd = nil
	m.PendingPriceSnapshot = nil
	m.PendingScheduledAt = nil
	m.PendingScheduledBy = nil
}
