package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type BatchCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type BatchFilter struct {
	Status BatchStatus
	Cursor *BatchCursor
	Limit  int
}

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *ImportBatch) error
	FindBatchByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*ImportBatch, error)
	ListBatches(ctx context.Context, db *gorm.DB, filter BatchFilter) ([]*ImportBatch, error)
	UpdateBatchRollup(ctx context.Context, db *gorm.DB, batch *ImportBatch) error

	InsertTransactions(ctx context.Context, db *gorm.DB, transactions []*ImportedTransaction) error
	FindTransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*ImportedTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, batchID snowflake.ID, status MatchStatus) ([]*ImportedTransaction, error)
	ListPendingTransactionIDs(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]snowflake.ID, error)
	CountByStatus(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (map[MatchStatus]int, error)
	// ClaimPending writes an automatic match only if the row is still PENDING.
	ClaimPending(ctx context.Context, db *gorm.DB, transaction *ImportedTransaction) (bool, error)
	UpdateMatch(ctx context.Context, db *gorm.DB, transaction *ImportedTransaction) error
	ListStatusAmounts(ctx context.Context, db *gorm.DB, from, to time.Time) ([]StatusAmount, error)
}
