package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	"github.com/smallbiznis/clinicpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const batchColumns = `id, file_name, date_from, date_to, total_transactions, total_amount,
	reconciled_count, pending_count, status, created_at, updated_at`

const transactionColumns = `id, batch_id, transaction_date, amount, card_type, authorization_code,
	match_status, matched_payment_id, matched_sale_id, matched_at, amount_difference, notes, raw_row,
	created_at, updated_at`

func (r *repo) InsertBatch(ctx context.Context, conn *gorm.DB, batch *domain.ImportBatch) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO import_batches (`+batchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.FileName,
		batch.DateFrom,
		batch.DateTo,
		batch.TotalTransactions,
		batch.TotalAmount,
		batch.ReconciledCount,
		batch.PendingCount,
		batch.Status,
		batch.CreatedAt,
		batch.UpdatedAt,
	).Error
}

func (r *repo) FindBatchByID(ctx context.Context, conn *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.ImportBatch, error) {
	var batch domain.ImportBatch
	query := `SELECT ` + batchColumns + ` FROM import_batches WHERE id = ?`
	if forUpdate && db.SupportsRowLocks(conn) {
		query += " FOR UPDATE"
	}
	if err := conn.WithContext(ctx).Raw(query, id).Scan(&batch).Error; err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) ListBatches(ctx context.Context, conn *gorm.DB, filter domain.BatchFilter) ([]*domain.ImportBatch, error) {
	var batches []*domain.ImportBatch
	stmt := conn.WithContext(ctx).Model(&domain.ImportBatch{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) UpdateBatchRollup(ctx context.Context, conn *gorm.DB, batch *domain.ImportBatch) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE import_batches
		 SET reconciled_count = ?, pending_count = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		batch.ReconciledCount,
		batch.PendingCount,
		batch.Status,
		batch.UpdatedAt,
		batch.ID,
	).Error
}

func (r *repo) InsertTransactions(ctx context.Context, conn *gorm.DB, transactions []*domain.ImportedTransaction) error {
	for _, t := range transactions {
		err := conn.WithContext(ctx).Exec(
			`INSERT INTO imported_transactions (`+transactionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID,
			t.BatchID,
			t.TransactionDate,
			t.Amount,
			t.CardType,
			t.AuthorizationCode,
			t.MatchStatus,
			t.MatchedPaymentID,
			t.MatchedSaleID,
			t.MatchedAt,
			t.AmountDifference,
			t.Notes,
			t.RawRow,
			t.CreatedAt,
			t.UpdatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindTransactionByID(ctx context.Context, conn *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.ImportedTransaction, error) {
	var transaction domain.ImportedTransaction
	query := `SELECT ` + transactionColumns + ` FROM imported_transactions WHERE id = ?`
	if forUpdate && db.SupportsRowLocks(conn) {
		query += " FOR UPDATE"
	}
	if err := conn.WithContext(ctx).Raw(query, id).Scan(&transaction).Error; err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) ListTransactions(ctx context.Context, conn *gorm.DB, batchID snowflake.ID, status domain.MatchStatus) ([]*domain.ImportedTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM imported_transactions WHERE batch_id = ?`
	args := []any{batchID}
	if status != "" {
		query += ` AND match_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY transaction_date ASC, id ASC`

	var transactions []*domain.ImportedTransaction
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *repo) ListPendingTransactionIDs(ctx context.Context, conn *gorm.DB, batchID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT id FROM imported_transactions WHERE batch_id = ? AND match_status = ? ORDER BY id ASC`,
		batchID,
		domain.MatchStatusPending,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) CountByStatus(ctx context.Context, conn *gorm.DB, batchID snowflake.ID) (map[domain.MatchStatus]int, error) {
	var rows []struct {
		MatchStatus domain.MatchStatus
		Total       int
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT match_status, COUNT(*) AS total FROM imported_transactions
		 WHERE batch_id = ? GROUP BY match_status`,
		batchID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.MatchStatus]int, len(rows))
	for _, row := range rows {
		counts[row.MatchStatus] = row.Total
	}
	return counts, nil
}

func (r *repo) ClaimPending(ctx context.Context, conn *gorm.DB, t *domain.ImportedTransaction) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE imported_transactions
		 SET match_status = ?, matched_payment_id = ?, matched_sale_id = ?, matched_at = ?,
		     amount_difference = ?, updated_at = ?
		 WHERE id = ? AND match_status = ?`,
		t.MatchStatus,
		t.MatchedPaymentID,
		t.MatchedSaleID,
		t.MatchedAt,
		t.AmountDifference,
		t.UpdatedAt,
		t.ID,
		domain.MatchStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateMatch(ctx context.Context, conn *gorm.DB, t *domain.ImportedTransaction) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE imported_transactions
		 SET match_status = ?, matched_payment_id = ?, matched_sale_id = ?, matched_at = ?,
		     amount_difference = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		t.MatchStatus,
		t.MatchedPaymentID,
		t.MatchedSaleID,
		t.MatchedAt,
		t.AmountDifference,
		t.Notes,
		t.UpdatedAt,
		t.ID,
	).Error
}

func (r *repo) ListStatusAmounts(ctx context.Context, conn *gorm.DB, from, to time.Time) ([]domain.StatusAmount, error) {
	var rows []domain.StatusAmount
	err := conn.WithContext(ctx).Raw(
		`SELECT match_status, amount FROM imported_transactions
		 WHERE transaction_date >= ? AND transaction_date < ?`,
		from,
		to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
