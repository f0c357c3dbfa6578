package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, patient *Patient) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Patient, error)
	Exists(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	// LockByID takes a row lock on the patient and reports whether it exists.
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	ListOpenSessions(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]OpenSession, error)
	ListConfirmedCredits(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]money.Amount, error)
	UpdateBalanceCache(ctx context.Context, db *gorm.DB, id snowflake.ID, debt, credit money.Amount, updatedAt time.Time) error
}
