package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/pkg/db"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, patient_id, amount, applied_amount, available_credit, refunded_amount,
	payment_method, payment_type, status, paid_at, reference_code, notes, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, payment *domain.Payment) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.PatientID,
		payment.Amount,
		payment.AppliedAmount,
		payment.AvailableCredit,
		payment.RefundedAmount,
		payment.PaymentMethod,
		payment.PaymentType,
		payment.Status,
		payment.PaidAt,
		payment.ReferenceCode,
		payment.Notes,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	var payment domain.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`
	if forUpdate && db.SupportsRowLocks(conn) {
		query += " FOR UPDATE"
	}
	err := conn.WithContext(ctx).Raw(query, id).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) ListByPatient(ctx context.Context, conn *gorm.DB, patientID snowflake.ID) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	err := conn.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE patient_id = ? ORDER BY paid_at DESC, id DESC`,
		patientID,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) UpdateBalances(ctx context.Context, conn *gorm.DB, payment *domain.Payment) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payments
		 SET applied_amount = ?, available_credit = ?, refunded_amount = ?, status = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		payment.AppliedAmount,
		payment.AvailableCredit,
		payment.RefundedAmount,
		payment.Status,
		payment.Notes,
		payment.UpdatedAt,
		payment.ID,
	).Error
}

func (r *repo) InsertAllocation(ctx context.Context, conn *gorm.DB, allocation *domain.Allocation) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO payment_allocations (id, payment_id, session_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		allocation.ID,
		allocation.PaymentID,
		allocation.SessionID,
		allocation.Amount,
		allocation.CreatedAt,
	).Error
}

func (r *repo) ListAllocations(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID) ([]*domain.Allocation, error) {
	var allocations []*domain.Allocation
	err := conn.WithContext(ctx).Raw(
		`SELECT id, payment_id, session_id, amount, created_at
		 FROM payment_allocations WHERE payment_id = ? ORDER BY session_id ASC`,
		paymentID,
	).Scan(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *repo) DeleteAllocations(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID) error {
	return conn.WithContext(ctx).Exec(
		`DELETE FROM payment_allocations WHERE payment_id = ?`,
		paymentID,
	).Error
}

func (r *repo) FindMatchingCardPayments(ctx context.Context, conn *gorm.DB, q domain.CardMatchQuery) ([]*domain.Payment, error) {
	if len(q.Methods) == 0 {
		return nil, nil
	}
	stmt := conn.WithContext(ctx).Model(&domain.Payment{}).
		Where("status = ?", domain.StatusConfirmed).
		Where("amount = ?", q.Amount).
		Where("payment_method IN ?", q.Methods).
		Where("paid_at >= ? AND paid_at < ?", q.From, q.To)
	if q.SkipClaimed {
		stmt = stmt.Where(`id NOT IN (
			SELECT matched_payment_id FROM imported_transactions
			WHERE matched_payment_id IS NOT NULL AND match_status IN ('MATCHED', 'DIFFERENCE'))`)
	}

	var payments []*domain.Payment
	if err := stmt.Order("created_at asc, id asc").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) ListSettled(ctx context.Context, conn *gorm.DB, from, to time.Time) ([]domain.SettledPayment, error) {
	var rows []domain.SettledPayment
	err := conn.WithContext(ctx).Raw(
		`SELECT amount, payment_method, payment_type FROM payments
		 WHERE status IN (?, ?) AND paid_at >= ? AND paid_at < ?`,
		domain.StatusConfirmed,
		domain.StatusRefunded,
		from,
		to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListConfirmedCardAmounts(ctx context.Context, conn *gorm.DB, from, to time.Time, methods []string) ([]money.Amount, error) {
	if len(methods) == 0 {
		return nil, nil
	}
	var amounts []money.Amount
	err := conn.WithContext(ctx).Raw(
		`SELECT amount FROM payments
		 WHERE status = ? AND payment_method IN ? AND paid_at >= ? AND paid_at < ?`,
		domain.StatusConfirmed,
		methods,
		from,
		to,
	).Scan(&amounts).Error
	if err != nil {
		return nil, err
	}
	return amounts, nil
}
