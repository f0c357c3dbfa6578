package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/sale/domain"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sale *domain.Sale) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sales (id, total, payment_method, status, sold_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sale.ID,
		sale.Total,
		sale.PaymentMethod,
		sale.Status,
		sale.SoldAt,
		sale.CreatedAt,
		sale.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Sale, error) {
	var sale domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT id, total, payment_method, status, sold_at, created_at, updated_at
		 FROM sales WHERE id = ?`,
		id,
	).Scan(&sale).Error
	if err != nil {
		return nil, err
	}
	if sale.ID == 0 {
		return nil, nil
	}
	return &sale, nil
}

func (r *repo) FindMatchingCompletedSales(ctx context.Context, db *gorm.DB, q domain.MatchQuery) ([]*domain.Sale, error) {
	if len(q.Methods) == 0 {
		return nil, nil
	}
	stmt := db.WithContext(ctx).Model(&domain.Sale{}).
		Where("status = ?", domain.StatusCompleted).
		Where("total = ?", q.Amount).
		Where("payment_method IN ?", q.Methods).
		Where("sold_at >= ? AND sold_at < ?", q.From, q.To)
	if q.SkipClaimed {
		stmt = stmt.Where(`id NOT IN (
			SELECT matched_sale_id FROM imported_transactions
			WHERE matched_sale_id IS NOT NULL AND match_status IN ('MATCHED', 'DIFFERENCE'))`)
	}

	var sales []*domain.Sale
	if err := stmt.Order("created_at asc, id asc").Find(&sales).Error; err != nil {
		return nil, err
	}
	return sales, nil
}

func (r *repo) ListCompletedCardSaleTotals(ctx context.Context, db *gorm.DB, from, to time.Time, methods []string) ([]money.Amount, error) {
	if len(methods) == 0 {
		return nil, nil
	}
	var totals []money.Amount
	err := db.WithContext(ctx).Raw(
		`SELECT total FROM sales
		 WHERE status = ? AND payment_method IN ? AND sold_at >= ? AND sold_at < ?`,
		domain.StatusCompleted, methods, from, to,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}
