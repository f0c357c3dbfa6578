package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrPatientNotFound = errors.New("patient_not_found")
	ErrInvalidName     = errors.New("invalid_name")
)

type CreatePatientRequest struct {
	Name string
}

// Directory answers whether a patient exists.
type Directory interface {
	Exists(ctx context.Context, tx *gorm.DB, id snowflake.ID) (bool, error)
}

// Reader loads a patient record.
type Reader interface {
	Get(ctx context.Context, id snowflake.ID) (Patient, error)
}

// BalanceAggregator recomputes a patient's cached debt and credit.
//
// LockBalance must be the first lock a ledger transaction takes, ahead of
// the payment and session locks.
type BalanceAggregator interface {
	LockBalance(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
	Recompute(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Balance, error)
}

type Service interface {
	Directory
	Reader
	BalanceAggregator
	Create(ctx context.Context, req CreatePatientRequest) (Patient, error)
	GetBalance(ctx context.Context, id snowflake.ID) (Balance, error)
}
