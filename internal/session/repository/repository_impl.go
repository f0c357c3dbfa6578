package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/pkg/db"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const sessionColumns = `id, patient_id, final_price, paid_amount, payment_status, scheduled_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, session *domain.Session) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.PatientID,
		session.FinalPrice,
		session.PaidAmount,
		session.PaymentStatus,
		session.ScheduledAt,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Session, error) {
	var session domain.Session
	err := conn.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		id,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) FindByIDs(ctx context.Context, conn *gorm.DB, ids []snowflake.ID, forUpdate bool) ([]*domain.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := conn.WithContext(ctx).Model(&domain.Session{}).
		Where("id IN ?", ids).
		Order("id asc")
	if forUpdate && db.SupportsRowLocks(conn) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var sessions []*domain.Session
	if err := stmt.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) ListAllocationAmounts(ctx context.Context, conn *gorm.DB, sessionID snowflake.ID) ([]money.Amount, error) {
	var amounts []money.Amount
	err := conn.WithContext(ctx).Raw(
		`SELECT amount FROM payment_allocations WHERE session_id = ?`,
		sessionID,
	).Scan(&amounts).Error
	if err != nil {
		return nil, err
	}
	return amounts, nil
}

func (r *repo) UpdateBalance(ctx context.Context, conn *gorm.DB, id snowflake.ID, paid money.Amount, status domain.PaymentStatus, updatedAt time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE sessions SET paid_amount = ?, payment_status = ?, updated_at = ? WHERE id = ?`,
		paid,
		status,
		updatedAt,
		id,
	).Error
}
