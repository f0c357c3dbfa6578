package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/clock"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/session/domain"
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
		log:        p.Log.Named("session.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateSessionRequest) (domain.Session, error) {
	if req.PatientID == 0 {
		return domain.Session{}, domain.ErrInvalidPatient
	}
	if req.FinalPrice.IsNegative() {
		return domain.Session{}, domain.ErrInvalidPrice
	}

	now := s.clock.Now()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	session := domain.Session{
		ID:            s.genID.Generate(),
		PatientID:     req.PatientID,
		FinalPrice:    req.FinalPrice,
		PaidAmount:    money.Zero(),
		PaymentStatus: domain.ComputeStatus(money.Zero(), req.FinalPrice),
		ScheduledAt:   scheduledAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Session, error) {
	session, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Session{}, err
	}
	if session == nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return *session, nil
}

// Recompute derives paidAmount and status from the session's allocations and
// overwrites the cached columns. Calling it twice yields the same result.
func (s *Service) Recompute(ctx context.Context, tx *gorm.DB, id snowflake.ID) (domain.Balance, error) {
	conn := s.conn(tx)
	session, err := s.repo.FindByID(ctx, conn, id)
	if err != nil {
		return domain.Balance{}, err
	}
	if session == nil {
		return domain.Balance{}, domain.ErrSessionNotFound
	}

	paid, err := s.paidAmount(ctx, conn, id)
	if err != nil {
		return domain.Balance{}, err
	}

	balance := domain.Balance{
		SessionID:     id,
		PaidAmount:    paid,
		PaymentStatus: domain.ComputeStatus(paid, session.FinalPrice),
	}
	if err := s.repo.UpdateBalance(ctx, conn, id, balance.PaidAmount, balance.PaymentStatus, s.clock.Now()); err != nil {
		return domain.Balance{}, err
	}
	return balance, nil
}

func (s *Service) PendingAmount(ctx context.Context, tx *gorm.DB, id snowflake.ID) (money.Amount, error) {
	conn := s.conn(tx)
	session, err := s.repo.FindByID(ctx, conn, id)
	if err != nil {
		return money.Zero(), err
	}
	if session == nil {
		return money.Zero(), domain.ErrSessionNotFound
	}
	paid, err := s.paidAmount(ctx, conn, id)
	if err != nil {
		return money.Zero(), err
	}
	session.PaidAmount = paid
	return s.pending(ctx, *session), nil
}

func (s *Service) LockForAllocation(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]*domain.Session, error) {
	conn := s.conn(tx)
	unique := make([]snowflake.ID, 0, len(ids))
	seen := make(map[snowflake.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	sessions, err := s.repo.FindByIDs(ctx, conn, unique, true)
	if err != nil {
		return nil, err
	}

	out := make(map[snowflake.ID]*domain.Session, len(sessions))
	for _, session := range sessions {
		if session == nil {
			continue
		}
		paid, err := s.paidAmount(ctx, conn, session.ID)
		if err != nil {
			return nil, err
		}
		session.PaidAmount = paid
		session.PaymentStatus = domain.ComputeStatus(paid, session.FinalPrice)
		out[session.ID] = session
	}
	for _, id := range unique {
		if _, ok := out[id]; !ok {
			return nil, domain.ErrSessionNotFound
		}
	}
	return out, nil
}

func (s *Service) paidAmount(ctx context.Context, conn *gorm.DB, id snowflake.ID) (money.Amount, error) {
	amounts, err := s.repo.ListAllocationAmounts(ctx, conn, id)
	if err != nil {
		return money.Zero(), err
	}
	return money.Sum(amounts...), nil
}

func (s *Service) pending(ctx context.Context, session domain.Session) money.Amount {
	pending, clamped := session.FinalPrice.Sub(session.PaidAmount).ClampZero()
	if clamped {
		s.log.Error("session paid amount exceeds final price",
			zap.String("session_id", session.ID.String()),
			zap.String("final_price", session.FinalPrice.String()),
			zap.String("paid_amount", session.PaidAmount.String()),
		)
		s.obsMetrics.RecordBalanceClampFault(ctx, "session")
	}
	return pending
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
