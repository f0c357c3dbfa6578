package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var ErrSaleNotFound = errors.New("sale_not_found")

// Sale is a product sale recorded outside the payment ledger.
type Sale struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	Total         money.Amount `gorm:"type:numeric(14,2);not null" json:"total"`
	PaymentMethod string       `gorm:"not null" json:"payment_method"`
	Status        Status       `gorm:"not null" json:"status"`
	SoldAt        time.Time    `gorm:"not null" json:"sold_at"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Sale) TableName() string { return "sales" }

// MatchQuery selects sale candidates for a bank transaction.
type MatchQuery struct {
	Amount  money.Amount
	From    time.Time // inclusive
	To      time.Time // exclusive
	Methods []string
	// SkipClaimed excludes sales already matched by an imported transaction.
	SkipClaimed bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sale *Sale) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Sale, error)
	FindMatchingCompletedSales(ctx context.Context, db *gorm.DB, q MatchQuery) ([]*Sale, error)
	ListCompletedCardSaleTotals(ctx context.Context, db *gorm.DB, from, to time.Time, methods []string) ([]money.Amount, error)
}
