package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
)

// Patient carries a cached balance. TotalDebt and TotalCredit are a
// materialized view over sessions and payments and are only written by
// Recompute.
type Patient struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"not null" json:"name"`
	TotalDebt   money.Amount `gorm:"type:numeric(14,2);not null" json:"total_debt"`
	TotalCredit money.Amount `gorm:"type:numeric(14,2);not null" json:"total_credit"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Patient) TableName() string { return "patients" }

type Balance struct {
	PatientID   snowflake.ID `json:"patient_id"`
	TotalDebt   money.Amount `json:"total_debt"`
	TotalCredit money.Amount `json:"total_credit"`
}

// OpenSession is the price and paid amount of an UNPAID or PARTIAL session.
type OpenSession struct {
	ID         snowflake.ID
	FinalPrice money.Amount
	PaidAmount money.Amount
}
