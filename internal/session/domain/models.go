package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "UNPAID"
	PaymentStatusPartial PaymentStatus = "PARTIAL"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

// Session is a billable appointment. PaidAmount and PaymentStatus are derived
// from payment allocations and only written by the balance tracker.
type Session struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	PatientID     snowflake.ID  `gorm:"not null;index" json:"patient_id"`
	FinalPrice    money.Amount  `gorm:"type:numeric(14,2);not null" json:"final_price"`
	PaidAmount    money.Amount  `gorm:"type:numeric(14,2);not null" json:"paid_amount"`
	PaymentStatus PaymentStatus `gorm:"not null" json:"payment_status"`
	ScheduledAt   time.Time     `gorm:"not null" json:"scheduled_at"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null" json:"updated_at"`
}

func (Session) TableName() string { return "sessions" }

// PendingAmount is the part of the price not yet covered, never negative.
func (s Session) PendingAmount() money.Amount {
	pending, _ := s.FinalPrice.Sub(s.PaidAmount).ClampZero()
	return pending
}

// Balance is the derived payment state of one session.
type Balance struct {
	SessionID     snowflake.ID  `json:"session_id"`
	PaidAmount    money.Amount  `json:"paid_amount"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

// ComputeStatus maps paid against price: PAID when fully covered, PARTIAL when
// something but not everything is paid, UNPAID otherwise.
func ComputeStatus(paid, finalPrice money.Amount) PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(finalPrice):
		return PaymentStatusPaid
	case paid.IsPositive():
		return PaymentStatusPartial
	default:
		return PaymentStatusUnpaid
	}
}
