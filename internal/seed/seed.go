package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	patientdomain "github.com/smallbiznis/clinicpay/internal/patient/domain"
	sessiondomain "github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

const demoPatientName = "Demo Patient"

// Session prices in minor units.
var demoSessionPrices = []int64{30000, 45000, 25000}

type Result struct {
	Patient  patientdomain.Patient
	Sessions []sessiondomain.Session
	Created  bool
}

// EnsureDemoClinic seeds one patient with a few unpaid sessions so a fresh
// local database has something to allocate payments against. It is a no-op
// when the demo patient already exists. The cached patient balance is left to
// the balance aggregator.
func EnsureDemoClinic(ctx context.Context, db *gorm.DB, node *snowflake.Node, balances patientdomain.BalanceAggregator, now time.Time) (Result, error) {
	if db == nil || node == nil {
		return Result{}, errors.New("seed database handle is required")
	}
	if balances == nil {
		return Result{}, errors.New("seed balance aggregator is required")
	}

	var result Result
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var patient patientdomain.Patient
		err := tx.WithContext(ctx).Where("name = ?", demoPatientName).First(&patient).Error
		if err == nil {
			result.Patient = patient
			return tx.WithContext(ctx).
				Where("patient_id = ?", patient.ID).
				Order("id ASC").
				Find(&result.Sessions).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now = now.UTC()
		sessions := make([]sessiondomain.Session, 0, len(demoSessionPrices))
		for i, price := range demoSessionPrices {
			amount := money.FromMinor(price)
			sessions = append(sessions, sessiondomain.Session{
				ID:            node.Generate(),
				FinalPrice:    amount,
				PaidAmount:    money.Zero(),
				PaymentStatus: sessiondomain.PaymentStatusUnpaid,
				ScheduledAt:   now.AddDate(0, 0, -i),
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}

		patient = patientdomain.Patient{
			ID:          node.Generate(),
			Name:        demoPatientName,
			TotalDebt:   money.Zero(),
			TotalCredit: money.Zero(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.WithContext(ctx).Create(&patient).Error; err != nil {
			return err
		}
		for i := range sessions {
			sessions[i].PatientID = patient.ID
		}
		if err := tx.WithContext(ctx).Create(&sessions).Error; err != nil {
			return err
		}
		balance, err := balances.Recompute(ctx, tx, patient.ID)
		if err != nil {
			return err
		}
		patient.TotalDebt = balance.TotalDebt
		patient.TotalCredit = balance.TotalCredit

		result = Result{Patient: patient, Sessions: sessions, Created: true}
		return nil
	})
	return result, err
}
