package domain

import (
	"context"
	"errors"
	"time"
)

type CreateMemberRequest struct {
	BranchID string         `json:"branch_id"`
	FullName string         `json:"full_name"`
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	PlanID   string         `json:"plan_id"`
	StartAt  *time.Time     `json:"start_at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type UpdateMemberRequest struct {
	MemberID string         `json:"member_id"`
	FullName *string        `json:"full_name,omitempty"`
	Email    *string        `json:"email,omitempty"`
	Phone    *string        `json:"phone,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ListMemberRequest struct {
	BranchID     string
	StatusFilter StatusFilter
	PageToken    string
	PageSize     int32
}

type ListMemberResponse struct {
	Members       []Member `json:"members"`
	NextPageToken string   `json:"next_page_token,omitempty"`
	HasMore       bool     `json:"has_more"`
}

// MemberView is the single-entity read model: the stored row plus the
// derived status computed at read time.
type MemberView struct {
	Member        Member        `json:"member"`
	Derived       DerivedStatus `json:"derived"`
	RemainingDays int           `json:"remaining_days"`
}

type Service interface {
	Create(ctx context.Context, req CreateMemberRequest) (MemberView, error)
	GetByID(ctx context.Context, id string) (MemberView, error)
	Update(ctx context.Context, req UpdateMemberRequest) (MemberView, error)
	List(ctx context.Context, req ListMemberRequest) (ListMemberResponse, error)
	ChangeStatus(ctx context.Context, memberID string, target MemberStatus) (MemberView, error)
	Archive(ctx context.Context, memberID string) (MemberView, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidBranch     = errors.New("invalid_branch")
	ErrInvalidMember     = errors.New("invalid_member")
	ErrInvalidFullName   = errors.New("invalid_full_name")
	ErrMemberNotFound    = errors.New("member_not_found")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrMemberArchived    = errors.New("member_archived")
	ErrNotPaused         = errors.New("member_not_paused")
)
