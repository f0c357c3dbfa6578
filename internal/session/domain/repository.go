package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, session *Session) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Session, error)
	// FindByIDs returns the sessions ordered by id. With forUpdate the rows
	// are locked in that order.
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID, forUpdate bool) ([]*Session, error)
	ListAllocationAmounts(ctx context.Context, db *gorm.DB, sessionID snowflake.ID) ([]money.Amount, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, paid money.Amount, status PaymentStatus, updatedAt time.Time) error
}
