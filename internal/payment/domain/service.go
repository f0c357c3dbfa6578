package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type CreatePaymentRequest struct {
	PatientID     snowflake.ID
	Amount        money.Amount
	Method        Method
	PaidAt        *time.Time
	ReferenceCode string
	Notes         string
	Allocations   []AllocationInput
}

// CardLedger is the read side the reconciliation matcher uses. Every
// method runs inside the caller's transaction when tx is set.
type CardLedger interface {
	Lookup(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Payment, error)
	FindMatchingCardPayments(ctx context.Context, tx *gorm.DB, q CardMatchQuery) ([]Payment, error)
	CardPaymentTotals(ctx context.Context, tx *gorm.DB, from, to time.Time, methods []string) ([]money.Amount, error)
}

type Service interface {
	CardLedger

	Create(ctx context.Context, req CreatePaymentRequest) (Payment, error)
	Allocate(ctx context.Context, paymentID snowflake.ID, allocations []AllocationInput) (Payment, error)
	Refund(ctx context.Context, paymentID snowflake.ID, amount money.Amount, reason string) (Payment, error)
	Void(ctx context.Context, paymentID snowflake.ID) (Payment, error)

	Get(ctx context.Context, paymentID snowflake.ID) (Payment, error)
	ListByPatient(ctx context.Context, patientID snowflake.ID) ([]Payment, error)
	ListAllocations(ctx context.Context, paymentID snowflake.ID) ([]Allocation, error)
	Summary(ctx context.Context, from, to time.Time) (PaymentsSummary, error)
	Receipt(ctx context.Context, paymentID snowflake.ID) ([]byte, error)
}

var (
	ErrInvalidAmount                  = errors.New("invalid_amount")
	ErrInvalidMethod                  = errors.New("invalid_payment_method")
	ErrInvalidAllocation              = errors.New("invalid_allocation")
	ErrInvalidDateRange               = errors.New("invalid_date_range")
	ErrPaymentNotFound                = errors.New("payment_not_found")
	ErrPaymentNotConfirmed            = errors.New("payment_not_confirmed")
	ErrPaymentNotVoidable             = errors.New("payment_not_voidable")
	ErrSessionMismatch                = errors.New("session_mismatch")
	ErrDuplicateAllocation            = errors.New("duplicate_allocation")
	ErrAllocationExceedsPending       = errors.New("allocation_exceeds_pending")
	ErrAllocationExceedsPaymentAmount = errors.New("allocation_exceeds_payment_amount")
	ErrAllocationExceedsCredit        = errors.New("allocation_exceeds_credit")
	ErrNoAvailableCredit              = errors.New("no_available_credit")
	ErrRefundExceedsAvailable         = errors.New("refund_exceeds_available")
)
