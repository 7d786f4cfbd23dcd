package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membercore/internal/clock"
	"github.com/smallbiznis/membercore/internal/config"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	plandomain "github.com/smallbiznis/membercore/internal/plan/domain"
	"github.com/smallbiznis/membercore/internal/tenantcontext"
	"github.com/smallbiznis/membercore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     memberdomain.Repository
	PlanRepo plandomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	loc      *time.Location
	genID    *snowflake.Node
	clock    clock.Clock
	repo     memberdomain.Repository
	planRepo plandomain.Repository
}

func NewService(p Params) memberdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("member.service"),
		loc:      p.Config.Location(),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		planRepo: p.PlanRepo,
	}
}

func (s *Service) Create(ctx context.Context, req memberdomain.CreateMemberRequest) (memberdomain.MemberView, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidTenant
	}

	branchID, err := parseID(req.BranchID, memberdomain.ErrInvalidBranch)
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	fullName := strings.TrimSpace(req.FullName)
	if fullName == "" {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidFullName
	}

	planID, err := parseID(req.PlanID, plandomain.ErrPlanNotFound)
	if err != nil {
		return memberdomain.MemberView{}, err
	}
	plan, err := s.planRepo.FindByID(ctx, s.db, tenantID, planID)
	if err != nil {
		return memberdomain.MemberView{}, err
	}
	if plan == nil {
		return memberdomain.MemberView{}, plandomain.ErrPlanNotFound
	}
	if !plan.Active {
		return memberdomain.MemberView{}, plandomain.ErrPlanInactive
	}
	if !plan.HasDuration() {
		return memberdomain.MemberView{}, plandomain.ErrPlanBadDuration
	}

	now := s.clock.Now()
	start := memberdomain.StartOfDay(now, s.loc)
	if req.StartAt != nil {
		start = memberdomain.StartOfDay(*req.StartAt, s.loc)
	}
	end := plan.EntitlementEnd(start)

	member := memberdomain.Member{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		BranchID:         branchID,
		FullName:         fullName,
		Email:            strings.TrimSpace(req.Email),
		Phone:            strings.TrimSpace(req.Phone),
		PlanID:           plan.ID,
		PriceSnapshot:    plan.Price,
		EntitlementStart: &start,
		EntitlementEnd:   &end,
		Status:           memberdomain.MemberStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Metadata != nil {
		member.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.repo.Insert(ctx, s.db, &member); err != nil {
		return memberdomain.MemberView{}, err
	}

	return s.view(member, now), nil
}

func (s *Service) GetByID(ctx context.Context, id string) (memberdomain.MemberView, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidTenant
	}

	memberID, err := parseID(id, memberdomain.ErrInvalidMember)
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	member, err := s.repo.FindByID(ctx, s.db, tenantID, memberID)
	if err != nil {
		return memberdomain.MemberView{}, err
	}
	if member == nil {
		// Cross-tenant rows are reported identically to absence.
		return memberdomain.MemberView{}, memberdomain.ErrMemberNotFound
	}

	return s.view(*member, s.clock.Now()), nil
}

func (s *Service) Update(ctx context.Context, req memberdomain.UpdateMemberRequest) (memberdomain.MemberView, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidTenant
	}

	memberID, err := parseID(req.MemberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	now := s.clock.Now()
	var updated memberdomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID, memberID)
		if err != nil {
			return err
		}
		if member == nil {
			return memberdomain.ErrMemberNotFound
		}

		if req.FullName != nil {
			name := strings.TrimSpace(*req.FullName)
			if name == "" {
				return memberdomain.ErrInvalidFullName
			}
			member.FullName = name
		}
		if req.Email != nil {
			member.Email = strings.TrimSpace(*req.Email)
		}
		if req.Phone != nil {
			member.Phone = strings.TrimSpace(*req.Phone)
		}
		if req.Metadata != nil {
			member.Metadata = datatypes.JSONMap(req.Metadata)
		}
		member.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, member); err != nil {
			return err
		}
		updated = *member
		return nil
	})
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	return s.view(updated, now), nil
}

func (s *Service) List(ctx context.Context, req memberdomain.ListMemberRequest) (memberdomain.ListMemberResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return memberdomain.ListMemberResponse{}, memberdomain.ErrInvalidTenant
	}

	filter := memberdomain.ListFilter{
		StatusFilter: req.StatusFilter,
		Now:          s.clock.Now(),
		Location:     s.loc,
	}

	if req.BranchID != "" {
		branchID, err := parseID(req.BranchID, memberdomain.ErrInvalidBranch)
		if err != nil {
			return memberdomain.ListMemberResponse{}, err
		}
		filter.BranchID = branchID
	} else if branchID, ok := tenantcontext.BranchIDFromContext(ctx); ok {
		// A branch-pinned caller sees only its own branch unless the
		// request names one explicitly.
		filter.BranchID = branchID
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}
	filter.Limit = pageSize + 1

	if req.PageToken != "" {
		afterID, err := decodePageToken(req.PageToken)
		if err != nil {
			return memberdomain.ListMemberResponse{}, memberdomain.ErrInvalidMember
		}
		filter.AfterID = afterID
	}

	members, err := s.repo.List(ctx, s.db, tenantID, filter)
	if err != nil {
		return memberdomain.ListMemberResponse{}, err
	}

	page := pagination.BuildCursorPageInfo(members, pageSize, func(m memberdomain.Member) string {
		return encodePageToken(m.ID)
	})
	if page.HasMore {
		members = members[:pageSize]
	}

	return memberdomain.ListMemberResponse{
		Members:       members,
		NextPageToken: page.NextPageToken,
		HasMore:       page.HasMore,
	}, nil
}

func encodePageToken(id snowflake.ID) string {
	token, err := pagination.EncodeCursor(pagination.Cursor{ID: id.String()})
	if err != nil {
		return ""
	}
	return token
}

func decodePageToken(token string) (snowflake.ID, error) {
	cursor, err := pagination.DecodeCursor(strings.TrimSpace(token))
	if err != nil {
		return 0, err
	}
	return snowflake.ParseString(cursor.ID)
}

// ChangeStatus drives the member status machine. ARCHIVED is reachable
// only through Archive; this operation rejects it in both directions.
func (s *Service) ChangeStatus(ctx context.Context, memberID string, target memberdomain.MemberStatus) (memberdomain.MemberView, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidTenant
	}

	id, err := parseID(memberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	if !isValidStatus(target) {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidStatus
	}
	if target == memberdomain.MemberStatusArchived {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	var updated memberdomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if member == nil {
			return memberdomain.ErrMemberNotFound
		}

		if member.Status == target {
			updated = *member
			return nil
		}
		if !isTransitionAllowed(member.Status, target) {
			return memberdomain.ErrInvalidTransition
		}

		if err := applyTransition(member, target, now); err != nil {
			return err
		}
		member.Status = target
		member.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, member); err != nil {
			return err
		}
		updated = *member
		return nil
	})
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	return s.view(updated, now), nil
}

// Archive moves the member to the terminal ARCHIVED state. Archiving an
// already-archived member is a no-op success.
func (s *Service) Archive(ctx context.Context, memberID string) (memberdomain.MemberView, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return memberdomain.MemberView{}, memberdomain.ErrInvalidTenant
	}

	id, err := parseID(memberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	now := s.clock.Now()
	var updated memberdomain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if member == nil {
			return memberdomain.ErrMemberNotFound
		}

		if member.Status == memberdomain.MemberStatusArchived {
			updated = *member
			return nil
		}

		member.Status = memberdomain.MemberStatusArchived
		member.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, member); err != nil {
			return err
		}
		updated = *member
		return nil
	})
	if err != nil {
		return memberdomain.MemberView{}, err
	}

	return s.view(updated, now), nil
}

// applyTransition performs the pause/resume time accounting side effects.
func applyTransition(member *memberdomain.Member, target memberdomain.MemberStatus, now time.Time) error {
	switch {
	case member.Status == memberdomain.MemberStatusActive && target == memberdomain.MemberStatusPaused:
		// Freeze in place: the remaining balance stops draining.
		pausedAt := now
		member.PausedAt = &pausedAt
		member.ResumedAt = nil

	case member.Status == memberdomain.MemberStatusPaused && target == memberdomain.MemberStatusActive:
		if member.PausedAt == nil {
			return memberdomain.ErrNotPaused
		}
		// Extend the entitlement by the paused duration so the balance
		// at resume equals the balance at pause.
		pauseDuration := now.Sub(*member.PausedAt)
		if member.EntitlementEnd != nil {
			extended := member.EntitlementEnd.Add(pauseDuration)
			member.EntitlementEnd = &extended
		}
		resumedAt := now
		member.ResumedAt = &resumedAt
		member.PausedAt = nil

	case member.Status == memberdomain.MemberStatusPaused && target == memberdomain.MemberStatusInactive:
		// Abandoned, not resumed: no extension.
		member.PausedAt = nil
		member.ResumedAt = nil
	}
	// Remaining allowed transitions keep pause timestamps as history.
	return nil
}

func isValidStatus(status memberdomain.MemberStatus) bool {
	switch status {
	case memberdomain.MemberStatusActive,
		memberdomain.MemberStatusPaused,
		memberdomain.MemberStatusInactive,
		memberdomain.MemberStatusArchived:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target memberdomain.MemberStatus) bool {
	switch current {
	case memberdomain.MemberStatusActive:
		return target == memberdomain.MemberStatusPaused || target == memberdomain.MemberStatusInactive
	case memberdomain.MemberStatusPaused:
		return target == memberdomain.MemberStatusActive || target == memberdomain.MemberStatusInactive
	case memberdomain.MemberStatusInactive:
		return target == memberdomain.MemberStatusActive
	default:
		// ARCHIVED is terminal.
		return false
	}
}

func (s *Service) view(member memberdomain.Member, now time.Time) memberdomain.MemberView {
	return memberdomain.MemberView{
		Member:        member,
		Derived:       memberdomain.DeriveStatus(member.EntitlementEnd, now, s.loc),
		RemainingDays: memberdomain.RemainingDays(&member, now),
	}
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
