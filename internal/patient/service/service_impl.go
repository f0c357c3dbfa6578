package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/clock"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/patient/domain"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("patient.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePatientRequest) (domain.Patient, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Patient{}, domain.ErrInvalidName
	}

	now := s.clock.Now()
	patient := domain.Patient{
		ID:          s.genID.Generate(),
		Name:        name,
		TotalDebt:   money.Zero(),
		TotalCredit: money.Zero(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &patient); err != nil {
		return domain.Patient{}, err
	}
	return patient, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Patient, error) {
	patient, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Patient{}, err
	}
	if patient == nil {
		return domain.Patient{}, domain.ErrPatientNotFound
	}
	return *patient, nil
}

func (s *Service) GetBalance(ctx context.Context, id snowflake.ID) (domain.Balance, error) {
	patient, err := s.Get(ctx, id)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{
		PatientID:   patient.ID,
		TotalDebt:   patient.TotalDebt,
		TotalCredit: patient.TotalCredit,
	}, nil
}

func (s *Service) Exists(ctx context.Context, tx *gorm.DB, id snowflake.ID) (bool, error) {
	if id == 0 {
		return false, nil
	}
	return s.repo.Exists(ctx, s.conn(tx), id)
}

// LockBalance locks the patient row for the rest of tx. Two ledger writes for
// the same patient then read sessions and payments one after the other.
func (s *Service) LockBalance(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	found, err := s.repo.LockByID(ctx, s.conn(tx), id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrPatientNotFound
	}
	return nil
}

// Recompute rebuilds the cached balance from sessions and payments and
// overwrites it. The cache is never adjusted incrementally.
func (s *Service) Recompute(ctx context.Context, tx *gorm.DB, id snowflake.ID) (domain.Balance, error) {
	conn := s.conn(tx)
	// Re-locking inside the caller's transaction is a no-op.
	if err := s.LockBalance(ctx, conn, id); err != nil {
		return domain.Balance{}, err
	}

	sessions, err := s.repo.ListOpenSessions(ctx, conn, id)
	if err != nil {
		return domain.Balance{}, err
	}
	credits, err := s.repo.ListConfirmedCredits(ctx, conn, id)
	if err != nil {
		return domain.Balance{}, err
	}

	debt := money.Zero()
	for _, session := range sessions {
		owed, clamped := session.FinalPrice.Sub(session.PaidAmount).ClampZero()
		if clamped {
			s.reportClamp(ctx, id, "session_debt", session.FinalPrice.Sub(session.PaidAmount),
				zap.String("session_id", session.ID.String()))
		}
		debt = debt.Add(owed)
	}

	credit := money.Zero()
	for _, c := range credits {
		value, clamped := c.ClampZero()
		if clamped {
			s.reportClamp(ctx, id, "payment_credit", c)
		}
		credit = credit.Add(value)
	}

	balance := domain.Balance{PatientID: id, TotalDebt: debt, TotalCredit: credit}
	if err := s.repo.UpdateBalanceCache(ctx, conn, id, balance.TotalDebt, balance.TotalCredit, s.clock.Now()); err != nil {
		return domain.Balance{}, err
	}
	return balance, nil
}

func (s *Service) reportClamp(ctx context.Context, patientID snowflake.ID, component string, value money.Amount, fields ...zap.Field) {
	fields = append(fields,
		zap.String("patient_id", patientID.String()),
		zap.String("component", component),
		zap.String("computed", value.String()),
	)
	s.log.Error("negative balance clamped to zero", fields...)
	s.obsMetrics.RecordBalanceClampFault(ctx, "patient")
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
