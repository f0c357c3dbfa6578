package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/patient/domain"
	pkgdb "github.com/smallbiznis/clinicpay/pkg/db"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, patient *domain.Patient) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO patients (id, name, total_debt, total_credit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		patient.ID,
		patient.Name,
		patient.TotalDebt,
		patient.TotalCredit,
		patient.CreatedAt,
		patient.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Patient, error) {
	var patient domain.Patient
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, total_debt, total_credit, created_at, updated_at
		 FROM patients WHERE id = ?`,
		id,
	).Scan(&patient).Error
	if err != nil {
		return nil, err
	}
	if patient.ID == 0 {
		return nil, nil
	}
	return &patient, nil
}

func (r *repo) Exists(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM patients WHERE id = ?`, id).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	stmt := db.WithContext(ctx).Model(&domain.Patient{}).Where("id = ?", id).Limit(1)
	if pkgdb.SupportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var ids []snowflake.ID
	if err := stmt.Pluck("id", &ids).Error; err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (r *repo) ListOpenSessions(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]domain.OpenSession, error) {
	var rows []domain.OpenSession
	err := db.WithContext(ctx).Raw(
		`SELECT id, final_price, paid_amount FROM sessions
		 WHERE patient_id = ? AND payment_status IN ('UNPAID', 'PARTIAL')`,
		patientID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListConfirmedCredits(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]money.Amount, error) {
	var credits []money.Amount
	err := db.WithContext(ctx).Raw(
		`SELECT available_credit FROM payments WHERE patient_id = ? AND status = 'CONFIRMED'`,
		patientID,
	).Scan(&credits).Error
	if err != nil {
		return nil, err
	}
	return credits, nil
}

func (r *repo) UpdateBalanceCache(ctx context.Context, db *gorm.DB, id snowflake.ID, debt, credit money.Amount, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE patients SET total_debt = ?, total_credit = ?, updated_at = ? WHERE id = ?`,
		debt,
		credit,
		updatedAt,
		id,
	).Error
}
