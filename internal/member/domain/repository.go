package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	BranchID     snowflake.ID
	StatusFilter StatusFilter
	Now          time.Time
	Location     *time.Location
	AfterID      snowflake.ID
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, member *Member) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Member, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Member, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter ListFilter) ([]Member, error)
	Update(ctx context.Context, db *gorm.DB, member *Member) error
	UpdateLifecycle(ctx context.Context, db *gorm.DB, member *Member) error
}
