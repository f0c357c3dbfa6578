package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/migration"
	"github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/internal/session/repository"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   domain.Service
	genID *snowflake.Node
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.ApplySQLite(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(now),
	})
	return &fixture{db: db, svc: svc, genID: node, now: now}
}

func (f *fixture) allocate(t *testing.T, sessionID snowflake.ID, amount money.Amount) {
	t.Helper()
	err := f.db.Exec(
		`INSERT INTO payment_allocations (id, payment_id, session_id, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.genID.Generate(), f.genID.Generate(), sessionID, amount, f.now,
	).Error
	require.NoError(t, err)
}

func TestRecomputeDerivesPaidAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, domain.CreateSessionRequest{PatientID: 7, FinalPrice: money.FromInt(30000)})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, session.PaymentStatus)

	f.allocate(t, session.ID, money.FromInt(10000))
	balance, err := f.svc.Recompute(ctx, nil, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartial, balance.PaymentStatus)
	assert.True(t, balance.PaidAmount.Equal(money.FromInt(10000)))

	f.allocate(t, session.ID, money.FromInt(20000))
	balance, err = f.svc.Recompute(ctx, nil, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, balance.PaymentStatus)

	stored, err := f.svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.Equal(money.FromInt(30000)))
	assert.Equal(t, domain.PaymentStatusPaid, stored.PaymentStatus)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, domain.CreateSessionRequest{PatientID: 7, FinalPrice: money.FromInt(500)})
	require.NoError(t, err)
	f.allocate(t, session.ID, money.FromInt(200))

	first, err := f.svc.Recompute(ctx, nil, session.ID)
	require.NoError(t, err)
	second, err := f.svc.Recompute(ctx, nil, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first.PaymentStatus, second.PaymentStatus)
	assert.True(t, first.PaidAmount.Equal(second.PaidAmount))
}

func TestRecomputeUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Recompute(context.Background(), nil, 12345)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestPendingAmountUsesAllocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, domain.CreateSessionRequest{PatientID: 7, FinalPrice: money.FromInt(30000)})
	require.NoError(t, err)
	f.allocate(t, session.ID, money.FromInt(12000))

	pending, err := f.svc.PendingAmount(ctx, nil, session.ID)
	require.NoError(t, err)
	assert.True(t, pending.Equal(money.FromInt(18000)), pending.String())
}

func TestLockForAllocationReportsMissingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, domain.CreateSessionRequest{PatientID: 7, FinalPrice: money.FromInt(100)})
	require.NoError(t, err)

	locked, err := f.svc.LockForAllocation(ctx, nil, []snowflake.ID{session.ID, session.ID})
	require.NoError(t, err)
	assert.Len(t, locked, 1)

	_, err = f.svc.LockForAllocation(ctx, nil, []snowflake.ID{session.ID, 999})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestCreateRejectsNegativePrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), domain.CreateSessionRequest{PatientID: 7, FinalPrice: money.FromInt(-1)})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
}
