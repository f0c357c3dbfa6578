package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("session_not_found")
	ErrInvalidPrice    = errors.New("invalid_price")
	ErrInvalidPatient  = errors.New("invalid_patient")
)

type CreateSessionRequest struct {
	PatientID   snowflake.ID
	FinalPrice  money.Amount
	ScheduledAt time.Time
}

// BalanceReader is the read side the payment ledger needs before allocating.
type BalanceReader interface {
	// LockForAllocation locks the sessions in ascending id order and returns
	// them with PaidAmount taken from the current allocations.
	LockForAllocation(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]*Session, error)
	PendingAmount(ctx context.Context, tx *gorm.DB, id snowflake.ID) (money.Amount, error)
}

// BalanceTracker recomputes a session's derived payment state.
type BalanceTracker interface {
	Recompute(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Balance, error)
}

type Service interface {
	BalanceReader
	BalanceTracker
	Create(ctx context.Context, req CreateSessionRequest) (Session, error)
	Get(ctx context.Context, id snowflake.ID) (Session, error)
}
