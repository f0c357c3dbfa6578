package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

type IngestBatchRequest struct {
	FileName     string             `json:"file_name"`
	Transactions []TransactionInput `json:"transactions"`
	// Source labels where the rows came from, e.g. "json" or "xlsx".
	Source string `json:"-"`
}

type ListBatchesRequest struct {
	pagination.Pagination
	Status BatchStatus
}

type ListBatchesResponse struct {
	pagination.PageInfo
	Batches []ImportBatch `json:"batches"`
}

type Service interface {
	IngestBatch(ctx context.Context, req IngestBatchRequest) (ImportBatch, error)
	// AutoMatch only touches PENDING transactions, so repeated runs are safe.
	AutoMatch(ctx context.Context, batchID snowflake.ID) (ImportBatch, error)
	RerunAutoMatch(ctx context.Context, batchID snowflake.ID) (ImportBatch, error)
	ReconcileManual(ctx context.Context, transactionID snowflake.ID, target ManualTarget) (ImportedTransaction, error)
	Summary(ctx context.Context, from, to time.Time) (Summary, error)

	GetBatch(ctx context.Context, batchID snowflake.ID) (ImportBatch, error)
	ListBatches(ctx context.Context, req ListBatchesRequest) (ListBatchesResponse, error)
	ListTransactions(ctx context.Context, batchID snowflake.ID, status MatchStatus) ([]ImportedTransaction, error)
}

var (
	ErrInvalidFileName             = errors.New("invalid_file_name")
	ErrEmptyBatch                  = errors.New("empty_batch")
	ErrInvalidTransaction          = errors.New("invalid_transaction")
	ErrInvalidMatchStatus          = errors.New("invalid_match_status")
	ErrInvalidDateRange            = errors.New("invalid_date_range")
	ErrInvalidPageToken            = errors.New("invalid_page_token")
	ErrInvalidReconciliationTarget = errors.New("invalid_reconciliation_target")
	ErrBatchNotFound               = errors.New("batch_not_found")
	ErrTransactionNotFound         = errors.New("transaction_not_found")
	ErrBatchBusy                   = errors.New("batch_busy")
	// ErrAutoMatchSkipped marks a batch that was saved but could not be
	// auto-matched at all. Its lines stay PENDING for the retry job.
	ErrAutoMatchSkipped = errors.New("auto_match_skipped")
)
