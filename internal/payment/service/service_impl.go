package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membercore/internal/clock"
	"github.com/smallbiznis/membercore/internal/config"
	memberdomain "github.com/smallbiznis/membercore/internal/member/domain"
	paymentdomain "github.com/smallbiznis/membercore/internal/payment/domain"
	"github.com/smallbiznis/membercore/internal/tenantcontext"
	"github.com/smallbiznis/membercore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	MemberRepo memberdomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	loc        *time.Location
	maxAmount  int64
	staleDays  int
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	memberRepo memberdomain.Repository
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		loc:        p.Config.Location(),
		maxAmount:  p.Config.PaymentMaxAmount,
		staleDays:  p.Config.PaymentStaleCorrectionDays,
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		memberRepo: p.MemberRepo,
	}
}

func (s *Service) Create(ctx context.Context, req paymentdomain.CreatePaymentRequest) (paymentdomain.Payment, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return paymentdomain.Payment{}, memberdomain.ErrInvalidTenant
	}

	memberID, err := parseID(req.MemberID, memberdomain.ErrInvalidMember)
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	now := s.clock.Now()
	if err := s.validateAmount(req.Amount); err != nil {
		return paymentdomain.Payment{}, err
	}
	method, err := parseMethod(req.Method)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	paidOn := memberdomain.StartOfDay(req.PaidOn, s.loc)
	if err := s.validatePaidOn(paidOn, now); err != nil {
		return paymentdomain.Payment{}, err
	}

	member, err := s.memberRepo.FindByID(ctx, s.db, tenantID, memberID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if member == nil {
		return paymentdomain.Payment{}, memberdomain.ErrMemberNotFound
	}

	payment := paymentdomain.Payment{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		BranchID:  member.BranchID,
		MemberID:  member.ID,
		Amount:    req.Amount,
		Method:    method,
		PaidOn:    paidOn,
		Note:      strings.TrimSpace(req.Note),
		Version:   0,
		CreatedAt: now,
	}
	if req.Metadata != nil {
		payment.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.repo.Insert(ctx, s.db, &payment); err != nil {
		return paymentdomain.Payment{}, err
	}
	return payment, nil
}

// Correct appends a correction row and flips the original's corrected
// flag in one transaction. Concurrent corrections of the same original
// are serialized by the version check: stale writers are rejected, never
// blocked.
func (s *Service) Correct(ctx context.Context, req paymentdomain.CorrectPaymentRequest) (paymentdomain.CorrectPaymentResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return paymentdomain.CorrectPaymentResponse{}, memberdomain.ErrInvalidTenant
	}

	originalID, err := parseID(req.PaymentID, paymentdomain.ErrInvalidPayment)
	if err != nil {
		return paymentdomain.CorrectPaymentResponse{}, err
	}

	now := s.clock.Now()
	var resp paymentdomain.CorrectPaymentResponse

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID, originalID)
		if err != nil {
			return err
		}
		if original == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if original.IsCorrection {
			// Corrections chain off the original, never off each other.
			return paymentdomain.ErrNotOriginal
		}
		if original.Version != req.ExpectedVersion {
			return paymentdomain.ErrVersionConflict
		}

		correction := paymentdomain.Payment{
			ID:                 s.genID.Generate(),
			TenantID:           original.TenantID,
			BranchID:           original.BranchID,
			MemberID:           original.MemberID,
			Amount:             original.Amount,
			Method:             original.Method,
			PaidOn:             original.PaidOn,
			Note:               original.Note,
			IsCorrection:       true,
			CorrectedPaymentID: &original.ID,
			Version:            0,
			Metadata:           original.Metadata,
			CreatedAt:          now,
		}

		if req.Amount != nil {
			if err := s.validateAmount(*req.Amount); err != nil {
				return err
			}
			correction.Amount = *req.Amount
		}
		if req.Method != nil {
			method, err := parseMethod(*req.Method)
			if err != nil {
				return err
			}
			correction.Method = method
		}
		if req.PaidOn != nil {
			paidOn := memberdomain.StartOfDay(*req.PaidOn, s.loc)
			if err := s.validatePaidOn(paidOn, now); err != nil {
				return err
			}
			correction.PaidOn = paidOn
		}
		if req.Note != nil {
			correction.Note = strings.TrimSpace(*req.Note)
		}
		if req.Metadata != nil {
			correction.Metadata = datatypes.JSONMap(req.Metadata)
		}

		if err := s.repo.Insert(ctx, tx, &correction); err != nil {
			return err
		}

		updated, err := s.repo.MarkCorrected(ctx, tx, tenantID, original.ID, req.ExpectedVersion)
		if err != nil {
			return err
		}
		if !updated {
			// Lost the race between read and write.
			return paymentdomain.ErrVersionConflict
		}

		resp.Correction = correction
		resp.StaleCorrection = s.isStale(original.PaidOn, now)
		return nil
	})
	if err != nil {
		return paymentdomain.CorrectPaymentResponse{}, err
	}

	if resp.StaleCorrection {
		s.log.Warn("correction applied to stale payment",
			zap.String("payment_id", originalID.String()),
			zap.Int("threshold_days", s.staleDays),
		)
	}
	return resp, nil
}

// GetChain loads an original payment with its corrections, ordered by
// creation time.
func (s *Service) GetChain(ctx context.Context, paymentID string) (paymentdomain.Chain, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return paymentdomain.Chain{}, memberdomain.ErrInvalidTenant
	}

	id, err := parseID(paymentID, paymentdomain.ErrInvalidPayment)
	if err != nil {
		return paymentdomain.Chain{}, err
	}

	original, err := s.repo.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return paymentdomain.Chain{}, err
	}
	if original == nil {
		return paymentdomain.Chain{}, paymentdomain.ErrPaymentNotFound
	}
	if original.IsCorrection {
		return paymentdomain.Chain{}, paymentdomain.ErrNotOriginal
	}

	corrections, err := s.repo.FindCorrections(ctx, s.db, tenantID, original.ID)
	if err != nil {
		return paymentdomain.Chain{}, err
	}

	return paymentdomain.Chain{Original: *original, Corrections: corrections}, nil
}

// ResolveEffective answers "what does this payment say today": the latest
// correction when one exists, the original otherwise.
func (s *Service) ResolveEffective(ctx context.Context, paymentID string) (paymentdomain.Payment, error) {
	chain, err := s.GetChain(ctx, paymentID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	return chain.Effective(), nil
}

func (s *Service) List(ctx context.Context, req paymentdomain.ListPaymentRequest) (paymentdomain.ListPaymentResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return paymentdomain.ListPaymentResponse{}, memberdomain.ErrInvalidTenant
	}

	filter, err := s.listFilter(ctx, req)
	if err != nil {
		return paymentdomain.ListPaymentResponse{}, err
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 50
	}
	filter.Limit = pageSize + 1

	payments, err := s.repo.List(ctx, s.db, tenantID, filter)
	if err != nil {
		return paymentdomain.ListPaymentResponse{}, err
	}

	page := pagination.BuildCursorPageInfo(payments, pageSize, func(p paymentdomain.Payment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: p.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if page.HasMore {
		payments = payments[:pageSize]
	}

	return paymentdomain.ListPaymentResponse{
		Payments:      payments,
		NextPageToken: page.NextPageToken,
		HasMore:       page.HasMore,
	}, nil
}

// Aggregate computes revenue over the set of effective records, never the
// raw row set. Method and date filters apply after resolution because a
// correction can move a payment between buckets.
func (s *Service) Aggregate(ctx context.Context, req paymentdomain.AggregateRequest) (paymentdomain.AggregateResponse, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return paymentdomain.AggregateResponse{}, memberdomain.ErrInvalidTenant
	}

	if req.GroupBy != "" {
		switch req.GroupBy {
		case paymentdomain.GroupByDay, paymentdomain.GroupByWeek, paymentdomain.GroupByMonth:
		default:
			return paymentdomain.AggregateResponse{}, paymentdomain.ErrInvalidGroupBy
		}
	}

	reporting := paymentdomain.ReportingFilter{}
	if req.MemberID != "" {
		memberID, err := parseID(req.MemberID, memberdomain.ErrInvalidMember)
		if err != nil {
			return paymentdomain.AggregateResponse{}, err
		}
		reporting.MemberID = memberID
	}
	if req.BranchID != "" {
		branchID, err := parseID(req.BranchID, memberdomain.ErrInvalidBranch)
		if err != nil {
			return paymentdomain.AggregateResponse{}, err
		}
		reporting.BranchID = branchID
	}

	var method paymentdomain.PaymentMethod
	if req.Method != "" {
		parsed, err := parseMethod(req.Method)
		if err != nil {
			return paymentdomain.AggregateResponse{}, err
		}
		method = parsed
	}

	rows, err := s.repo.FindForReporting(ctx, s.db, tenantID, reporting)
	if err != nil {
		return paymentdomain.AggregateResponse{}, err
	}

	effective := paymentdomain.ResolveEffective(rows)

	resp := paymentdomain.AggregateResponse{}
	buckets := make(map[string]*paymentdomain.AggregateBucket)
	for _, record := range effective {
		if method != "" && record.Method != method {
			continue
		}
		if req.From != nil && record.PaidOn.Before(memberdomain.StartOfDay(*req.From, s.loc)) {
			continue
		}
		if req.To != nil && record.PaidOn.After(memberdomain.StartOfDay(*req.To, s.loc)) {
			continue
		}

		resp.TotalAmount += record.Amount
		resp.Count++

		if req.GroupBy == "" {
			continue
		}
		key, periodStart := bucketFor(record.PaidOn.In(s.loc), req.GroupBy)
		bucket, ok := buckets[key]
		if !ok {
			bucket = &paymentdomain.AggregateBucket{Key: key, PeriodStart: periodStart}
			buckets[key] = bucket
		}
		bucket.Amount += record.Amount
		bucket.Count++
	}

	if req.GroupBy != "" {
		resp.Buckets = make([]paymentdomain.AggregateBucket, 0, len(buckets))
		for _, bucket := range buckets {
			resp.Buckets = append(resp.Buckets, *bucket)
		}
		sort.Slice(resp.Buckets, func(i, j int) bool {
			return resp.Buckets[i].PeriodStart.Before(resp.Buckets[j].PeriodStart)
		})
	}
	return resp, nil
}

// bucketFor assigns a paid-on day to its reporting bucket. Weeks start
// Monday; months are calendar months.
func bucketFor(paidOn time.Time, groupBy paymentdomain.GroupBy) (string, time.Time) {
	switch groupBy {
	case paymentdomain.GroupByWeek:
		weekday := int(paidOn.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		monday := time.Date(paidOn.Year(), paidOn.Month(), paidOn.Day(), 0, 0, 0, 0, paidOn.Location()).
			AddDate(0, 0, -(weekday - 1))
		year, week := monday.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), monday
	case paymentdomain.GroupByMonth:
		monthStart := time.Date(paidOn.Year(), paidOn.Month(), 1, 0, 0, 0, 0, paidOn.Location())
		return monthStart.Format("2006-01"), monthStart
	default:
		dayStart := time.Date(paidOn.Year(), paidOn.Month(), paidOn.Day(), 0, 0, 0, 0, paidOn.Location())
		return dayStart.Format("2006-01-02"), dayStart
	}
}

func (s *Service) listFilter(ctx context.Context, req paymentdomain.ListPaymentRequest) (paymentdomain.ListFilter, error) {
	filter := paymentdomain.ListFilter{}

	if req.MemberID != "" {
		memberID, err := parseID(req.MemberID, memberdomain.ErrInvalidMember)
		if err != nil {
			return filter, err
		}
		filter.MemberID = memberID
	}
	if req.BranchID != "" {
		branchID, err := parseID(req.BranchID, memberdomain.ErrInvalidBranch)
		if err != nil {
			return filter, err
		}
		filter.BranchID = branchID
	} else if branchID, ok := tenantcontext.BranchIDFromContext(ctx); ok {
		filter.BranchID = branchID
	}
	if req.Method != "" {
		method, err := parseMethod(req.Method)
		if err != nil {
			return filter, err
		}
		filter.Method = method
	}
	if req.From != nil {
		from := memberdomain.StartOfDay(*req.From, s.loc)
		filter.From = &from
	}
	if req.To != nil {
		to := memberdomain.StartOfDay(*req.To, s.loc)
		filter.To = &to
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(strings.TrimSpace(req.PageToken))
		if err != nil {
			return filter, paymentdomain.ErrInvalidPayment
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return filter, paymentdomain.ErrInvalidPayment
		}
		filter.AfterID = afterID
	}
	return filter, nil
}

func (s *Service) validateAmount(amount int64) error {
	if amount <= 0 {
		return paymentdomain.ErrInvalidAmount
	}
	if amount > s.maxAmount {
		return paymentdomain.ErrAmountTooLarge
	}
	return nil
}

func (s *Service) validatePaidOn(paidOn, now time.Time) error {
	if paidOn.After(memberdomain.StartOfDay(now, s.loc)) {
		return paymentdomain.ErrFutureDated
	}
	return nil
}

func (s *Service) isStale(paidOn, now time.Time) bool {
	if s.staleDays <= 0 {
		return false
	}
	return now.Sub(paidOn) > time.Duration(s.staleDays)*24*time.Hour
}

func parseMethod(value string) (paymentdomain.PaymentMethod, error) {
	method := paymentdomain.PaymentMethod(strings.ToUpper(strings.TrimSpace(value)))
	switch method {
	case paymentdomain.MethodCash,
		paymentdomain.MethodCard,
		paymentdomain.MethodTransfer,
		paymentdomain.MethodOther:
		return method, nil
	default:
		return "", paymentdomain.ErrInvalidMethod
	}
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
