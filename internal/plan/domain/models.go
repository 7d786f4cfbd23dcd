// Package domain holds the read-only plan reference data consumed by the
// plan change pipeline. Plan management itself lives outside this service.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Plan is a membership plan snapshot. DurationMonths takes precedence over
// DurationDays when both are set.
type Plan struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	TenantID       snowflake.ID  `gorm:"not null;index"`
	BranchID       *snowflake.ID `gorm:"index"`
	Name           string        `gorm:"type:text;not null"`
	Price          int64         `gorm:"not null"`
	DurationDays   int           `gorm:"not null;default:0"`
	DurationMonths int           `gorm:"not null;default:0"`
	Active         bool          `gorm:"not null;default:true"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// EntitlementEnd returns the exclusive end of an entitlement window that
// starts at the given day.
func (p Plan) EntitlementEnd(start time.Time) time.Time {
	if p.DurationMonths > 0 {
		return start.AddDate(0, p.DurationMonths, 0)
	}
	return start.AddDate(0, 0, p.DurationDays)
}

// HasDuration reports whether the plan produces a non-empty entitlement
// window. A plan with both durations zero would yield end == start.
func (p Plan) HasDuration() bool {
	return p.DurationMonths > 0 || p.DurationDays > 0
}

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrPlanInactive    = errors.New("plan_inactive")
	ErrPlanBadDuration = errors.New("plan_bad_duration")
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Plan, error)
}
