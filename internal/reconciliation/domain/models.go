package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/datatypes"
)

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
)

type MatchStatus string

const (
	MatchStatusPending    MatchStatus = "PENDING"
	MatchStatusMatched    MatchStatus = "MATCHED"
	MatchStatusDifference MatchStatus = "DIFFERENCE"
	MatchStatusIgnored    MatchStatus = "IGNORED"
)

func (s MatchStatus) Valid() bool {
	switch s {
	case MatchStatusPending, MatchStatusMatched, MatchStatusDifference, MatchStatusIgnored:
		return true
	default:
		return false
	}
}

// ImportBatch is one uploaded bank settlement file. Status is COMPLETED
// exactly when PendingCount is zero.
type ImportBatch struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	FileName          string       `gorm:"not null" json:"file_name"`
	DateFrom          time.Time    `gorm:"not null" json:"date_from"`
	DateTo            time.Time    `gorm:"not null" json:"date_to"`
	TotalTransactions int          `gorm:"not null" json:"total_transactions"`
	TotalAmount       money.Amount `gorm:"type:numeric(14,2);not null" json:"total_amount"`
	ReconciledCount   int          `gorm:"not null" json:"reconciled_count"`
	PendingCount      int          `gorm:"not null" json:"pending_count"`
	Status            BatchStatus  `gorm:"not null" json:"status"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (ImportBatch) TableName() string { return "import_batches" }

// ImportedTransaction is one line of a bank statement. Exactly one matched id
// is set when MatchStatus is MATCHED or DIFFERENCE, none otherwise.
type ImportedTransaction struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	BatchID           snowflake.ID      `gorm:"not null;index" json:"batch_id"`
	TransactionDate   time.Time         `gorm:"not null" json:"transaction_date"`
	Amount            money.Amount      `gorm:"type:numeric(14,2);not null" json:"amount"`
	CardType          string            `gorm:"not null" json:"card_type"`
	AuthorizationCode string            `gorm:"not null" json:"authorization_code"`
	MatchStatus       MatchStatus       `gorm:"not null" json:"match_status"`
	MatchedPaymentID  *snowflake.ID     `json:"matched_payment_id,omitempty"`
	MatchedSaleID     *snowflake.ID     `json:"matched_sale_id,omitempty"`
	MatchedAt         *time.Time        `json:"matched_at,omitempty"`
	AmountDifference  money.Amount      `gorm:"type:numeric(14,2);not null" json:"amount_difference"`
	Notes             string            `gorm:"not null" json:"notes"`
	RawRow            datatypes.JSONMap `json:"raw_row,omitempty"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null" json:"updated_at"`
}

func (ImportedTransaction) TableName() string { return "imported_transactions" }

// TransactionInput is one statement line before it is persisted.
type TransactionInput struct {
	TransactionDate   time.Time      `json:"transaction_date"`
	Amount            money.Amount   `json:"amount"`
	CardType          string         `json:"card_type"`
	AuthorizationCode string         `json:"authorization_code"`
	Raw               map[string]any `json:"raw,omitempty"`
}

// ManualTarget names exactly one of a payment, a sale or Ignore.
type ManualTarget struct {
	PaymentID *snowflake.ID `json:"payment_id,omitempty"`
	SaleID    *snowflake.ID `json:"sale_id,omitempty"`
	Ignore    bool          `json:"ignore"`
	Notes     string        `json:"notes"`
}

// StatusAmount is the projection the summary aggregates.
type StatusAmount struct {
	MatchStatus MatchStatus
	Amount      money.Amount
}

type Totals struct {
	Count  int          `json:"count"`
	Amount money.Amount `json:"amount"`
}

func (t *Totals) Add(amount money.Amount) {
	t.Count++
	t.Amount = t.Amount.Add(amount)
}

type ImportedTotals struct {
	All        Totals `json:"all"`
	Matched    Totals `json:"matched"`
	Pending    Totals `json:"pending"`
	Difference Totals `json:"difference"`
	Ignored    Totals `json:"ignored"`
}

type InternalTotals struct {
	CardPayments Totals       `json:"card_payments"`
	CardSales    Totals       `json:"card_sales"`
	Total        money.Amount `json:"total"`
}

// Summary cross-checks the bank feed against the internal books for a range
// of days.
type Summary struct {
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	Imported       ImportedTotals  `json:"imported"`
	Internal       InternalTotals  `json:"internal"`
	Difference     money.Amount    `json:"difference"`
	PercentMatched decimal.Decimal `json:"percent_matched"`
}
