// Package domain defines the append-only payment correction ledger and
// the effective-record resolution used by all revenue reporting.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "CASH"
	MethodCard     PaymentMethod = "CARD"
	MethodTransfer PaymentMethod = "TRANSFER"
	MethodOther    PaymentMethod = "OTHER"
)

// Payment is immutable once created, except for the corrected-state
// transition: isCorrected flips false→true exactly once per correction
// applied against the row, and version counts those corrections.
type Payment struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"not null;index"`
	BranchID snowflake.ID `gorm:"not null;index"`
	MemberID snowflake.ID `gorm:"not null;index"`

	Amount int64         `gorm:"not null"`
	Method PaymentMethod `gorm:"type:text;not null"`
	PaidOn time.Time     `gorm:"not null;index"`
	Note   string        `gorm:"type:text"`

	IsCorrection       bool          `gorm:"not null;default:false"`
	IsCorrected        bool          `gorm:"not null;default:false"`
	CorrectedPaymentID *snowflake.ID `gorm:"index"`
	Version            int           `gorm:"not null;default:0"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Chain is one original payment and its corrections, ordered by creation.
type Chain struct {
	Original    Payment
	Corrections []Payment
}

// Effective returns the single record that represents the true state of
// the transaction: the most recently created correction, or the original
// when none exist. Creation-time ties break by highest id; snowflake ids
// are time-ordered so this is still creation order.
func (c Chain) Effective() Payment {
	effective := c.Original
	latest := time.Time{}
	for _, correction := range c.Corrections {
		if correction.CreatedAt.After(latest) ||
			(correction.CreatedAt.Equal(latest) && correction.ID > effective.ID) {
			effective = correction
			latest = correction.CreatedAt
		}
	}
	return effective
}

// ResolveEffective partitions raw rows into chains and returns one
// effective record per original payment.
func ResolveEffective(rows []Payment) []Payment {
	chains := make(map[snowflake.ID]*Chain)
	order := make([]snowflake.ID, 0)

	for _, row := range rows {
		if row.IsCorrection {
			continue
		}
		id := row.ID
		chains[id] = &Chain{Original: row}
		order = append(order, id)
	}
	for _, row := range rows {
		if !row.IsCorrection || row.CorrectedPaymentID == nil {
			continue
		}
		chain, ok := chains[*row.CorrectedPaymentID]
		if !ok {
			// Orphan correction: its original fell outside the query
			// scope. Treat it as its own record rather than dropping
			// revenue.
			id := row.ID
			chains[id] = &Chain{Original: row}
			order = append(order, id)
			continue
		}
		chain.Corrections = append(chain.Corrections, row)
	}

	effective := make([]Payment, 0, len(order))
	for _, id := range order {
		effective = append(effective, chains[id].Effective())
	}
	return effective
}

type CreatePaymentRequest struct {
	MemberID string         `json:"member_id"`
	Amount   int64          `json:"amount"`
	Method   string         `json:"method"`
	PaidOn   time.Time      `json:"paid_on"`
	Note     string         `json:"note,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CorrectPaymentRequest targets the original payment id; nil fields are
// copied from the original. ExpectedVersion must match the original's
// current version or the correction is rejected.
type CorrectPaymentRequest struct {
	PaymentID       string         `json:"payment_id"`
	ExpectedVersion int            `json:"expected_version"`
	Amount          *int64         `json:"amount,omitempty"`
	Method          *string        `json:"method,omitempty"`
	PaidOn          *time.Time     `json:"paid_on,omitempty"`
	Note            *string        `json:"note,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type CorrectPaymentResponse struct {
	Correction Payment `json:"correction"`
	// StaleCorrection warns that the original is older than the
	// configured staleness threshold. Non-fatal.
	StaleCorrection bool `json:"stale_correction"`
}

type ListPaymentRequest struct {
	MemberID  string
	BranchID  string
	Method    string
	From      *time.Time
	To        *time.Time
	PageToken string
	PageSize  int32
}

type ListPaymentResponse struct {
	Payments      []Payment `json:"payments"`
	NextPageToken string    `json:"next_page_token,omitempty"`
	HasMore       bool      `json:"has_more"`
}

type GroupBy string

const (
	GroupByDay   GroupBy = "day"
	GroupByWeek  GroupBy = "week"
	GroupByMonth GroupBy = "month"
)

type AggregateRequest struct {
	MemberID string
	BranchID string
	Method   string
	From     *time.Time
	To       *time.Time
	GroupBy  GroupBy
}

type AggregateBucket struct {
	Key         string    `json:"key"`
	PeriodStart time.Time `json:"period_start"`
	Amount      int64     `json:"amount"`
	Count       int64     `json:"count"`
}

// AggregateResponse is computed over effective records only, so a
// corrected payment is counted exactly once at its corrected amount.
type AggregateResponse struct {
	TotalAmount int64             `json:"total_amount"`
	Count       int64             `json:"count"`
	Buckets     []AggregateBucket `json:"buckets,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreatePaymentRequest) (Payment, error)
	Correct(ctx context.Context, req CorrectPaymentRequest) (CorrectPaymentResponse, error)
	GetChain(ctx context.Context, paymentID string) (Chain, error)
	// ResolveEffective returns the single record that currently
	// represents the chain anchored at the given original.
	ResolveEffective(ctx context.Context, paymentID string) (Payment, error)
	List(ctx context.Context, req ListPaymentRequest) (ListPaymentResponse, error)
	Aggregate(ctx context.Context, req AggregateRequest) (AggregateResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Payment, error)
	FindCorrections(ctx context.Context, db *gorm.DB, tenantID, originalID snowflake.ID) ([]Payment, error)
	// MarkCorrected flips isCorrected and bumps version, guarded by the
	// expected version. Returns false when the guard missed.
	MarkCorrected(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, expectedVersion int) (bool, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter ListFilter) ([]Payment, error)
	FindForReporting(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter ReportingFilter) ([]Payment, error)
}

type ListFilter struct {
	MemberID snowflake.ID
	BranchID snowflake.ID
	Method   PaymentMethod
	From     *time.Time
	To       *time.Time
	AfterID  snowflake.ID
	Limit    int
}

// ReportingFilter restricts by fields that are immutable across a
// correction chain. Method and date filters are applied after effective
// resolution because corrections can move a payment between buckets.
type ReportingFilter struct {
	MemberID snowflake.ID
	BranchID snowflake.ID
}

var (
	ErrInvalidPayment  = errors.New("invalid_payment")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrAmountTooLarge  = errors.New("amount_too_large")
	ErrInvalidMethod   = errors.New("invalid_method")
	ErrFutureDated     = errors.New("future_dated_payment")
	ErrPaymentNotFound = errors.New("payment_not_found")
	ErrNotOriginal     = errors.New("correction_must_target_original")
	ErrVersionConflict = errors.New("version_conflict")
	ErrInvalidGroupBy  = errors.New("invalid_group_by")
)
