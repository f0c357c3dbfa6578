package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Payment, error)
	ListByPatient(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]*Payment, error)
	UpdateBalances(ctx context.Context, db *gorm.DB, payment *Payment) error

	InsertAllocation(ctx context.Context, db *gorm.DB, allocation *Allocation) error
	ListAllocations(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]*Allocation, error)
	DeleteAllocations(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) error

	FindMatchingCardPayments(ctx context.Context, db *gorm.DB, q CardMatchQuery) ([]*Payment, error)
	ListSettled(ctx context.Context, db *gorm.DB, from, to time.Time) ([]SettledPayment, error)
	ListConfirmedCardAmounts(ctx context.Context, db *gorm.DB, from, to time.Time, methods []string) ([]money.Amount, error)
}
