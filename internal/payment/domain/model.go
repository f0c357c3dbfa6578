package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/money"
)

type Method string

const (
	MethodCash       Method = "CASH"
	MethodCardDebit  Method = "CARD_DEBIT"
	MethodCardCredit Method = "CARD_CREDIT"
	MethodTransfer   Method = "TRANSFER"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodCardDebit, MethodCardCredit, MethodTransfer:
		return true
	default:
		return false
	}
}

// Type is derived from the number of allocations at creation.
type Type string

const (
	TypeAdvance       Type = "ADVANCE"
	TypeSingleSession Type = "SINGLE_SESSION"
	TypeMultiSession  Type = "MULTI_SESSION"
)

func TypeForAllocations(count int) Type {
	switch {
	case count == 0:
		return TypeAdvance
	case count == 1:
		return TypeSingleSession
	default:
		return TypeMultiSession
	}
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRefunded  Status = "REFUNDED"
	StatusVoided    Status = "VOIDED"
)

// Payment is money received from a patient. For a non-voided payment
// AppliedAmount + AvailableCredit + RefundedAmount == Amount, and
// AppliedAmount equals the sum of its allocations.
type Payment struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	PatientID       snowflake.ID `gorm:"not null;index" json:"patient_id"`
	Amount          money.Amount `gorm:"type:numeric(14,2);not null" json:"amount"`
	AppliedAmount   money.Amount `gorm:"type:numeric(14,2);not null" json:"applied_amount"`
	AvailableCredit money.Amount `gorm:"type:numeric(14,2);not null" json:"available_credit"`
	RefundedAmount  money.Amount `gorm:"type:numeric(14,2);not null" json:"refunded_amount"`
	PaymentMethod   Method       `gorm:"not null" json:"payment_method"`
	PaymentType     Type         `gorm:"not null" json:"payment_type"`
	Status          Status       `gorm:"not null" json:"status"`
	PaidAt          time.Time    `gorm:"not null" json:"paid_at"`
	ReferenceCode   string       `gorm:"not null" json:"reference_code"`
	Notes           string       `gorm:"not null" json:"notes"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

type Allocation struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	PaymentID snowflake.ID `gorm:"not null;index" json:"payment_id"`
	SessionID snowflake.ID `gorm:"not null;index" json:"session_id"`
	Amount    money.Amount `gorm:"type:numeric(14,2);not null" json:"amount"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (Allocation) TableName() string { return "payment_allocations" }

type AllocationInput struct {
	SessionID snowflake.ID `json:"session_id"`
	Amount    money.Amount `json:"amount"`
}

// CardMatchQuery selects CONFIRMED card payments for a bank transaction.
type CardMatchQuery struct {
	Amount  money.Amount
	From    time.Time // inclusive
	To      time.Time // exclusive
	Methods []string
	// SkipClaimed excludes payments already matched by an imported transaction.
	SkipClaimed bool
}

// SettledPayment is the slice of a payment the summary needs.
type SettledPayment struct {
	Amount        money.Amount
	PaymentMethod Method
	PaymentType   Type
}

type SummaryBucket struct {
	Key   string       `json:"key"`
	Count int          `json:"count"`
	Total money.Amount `json:"total"`
}

type PaymentsSummary struct {
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	Count    int             `json:"count"`
	Total    money.Amount    `json:"total"`
	ByMethod []SummaryBucket `json:"by_method"`
	ByType   []SummaryBucket `json:"by_type"`
}
