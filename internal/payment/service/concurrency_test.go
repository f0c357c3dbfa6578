package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	patientdomain "github.com/smallbiznis/clinicpay/internal/patient/domain"
	"github.com/smallbiznis/clinicpay/internal/payment/domain"
	sessiondomain "github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// singleWriter pins the pool to one connection. sqlite has no row locks, so
// the goroutines queue on the connection the way they queue on row locks in
// postgres and mysql.
func (f *fixture) singleWriter(t *testing.T) {
	t.Helper()
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
}

// runConcurrently starts n calls at once and returns their errors by index.
func runConcurrently(n int, call func(i int) error) []error {
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = call(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func countSucceeded(t *testing.T, errs []error, allowed error) int {
	t.Helper()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, allowed)
	}
	return succeeded
}

func TestConcurrentAllocationsNeverExceedPaymentCredit(t *testing.T) {
	f := newFixture(t)
	f.singleWriter(t)
	ctx := context.Background()
	p := f.patient(t, "Indah")

	advance, err := f.svc.Create(ctx, domain.CreatePaymentRequest{PatientID: p.ID, Amount: money.FromInt(100), Method: domain.MethodCash})
	require.NoError(t, err)

	const workers = 8
	sessions := make([]sessiondomain.Session, workers)
	for i := range sessions {
		sessions[i] = f.session(t, p.ID, money.FromInt(50))
	}

	errs := runConcurrently(workers, func(i int) error {
		_, err := f.svc.Allocate(ctx, advance.ID, []domain.AllocationInput{{SessionID: sessions[i].ID, Amount: money.FromInt(30)}})
		return err
	})
	assert.Equal(t, 3, countSucceeded(t, errs, domain.ErrAllocationExceedsCredit))

	stored, err := f.svc.Get(ctx, advance.ID)
	require.NoError(t, err)
	assert.True(t, stored.AppliedAmount.Equal(money.FromInt(90)), "applied %s", stored.AppliedAmount)
	assert.True(t, stored.AvailableCredit.Equal(money.FromInt(10)), "credit %s", stored.AvailableCredit)
	f.assertLedgerConsistent(t, stored)

	partial := 0
	for _, s := range sessions {
		state := f.sessionState(t, s.ID)
		if state.PaymentStatus == sessiondomain.PaymentStatusPartial {
			partial++
			assert.True(t, state.PaidAmount.Equal(money.FromInt(30)))
		}
	}
	assert.Equal(t, 3, partial)

	balance := f.balance(t, p.ID)
	assert.True(t, balance.TotalCredit.Equal(money.FromInt(10)), "credit %s", balance.TotalCredit)
	assert.True(t, balance.TotalDebt.Equal(money.FromInt(310)), "debt %s", balance.TotalDebt)
}

func TestConcurrentAllocationsNeverExceedSessionPrice(t *testing.T) {
	f := newFixture(t)
	f.singleWriter(t)
	ctx := context.Background()
	p := f.patient(t, "Joko")
	s := f.session(t, p.ID, money.FromInt(100))

	const workers = 6
	advances := make([]domain.Payment, workers)
	for i := range advances {
		advance, err := f.svc.Create(ctx, domain.CreatePaymentRequest{PatientID: p.ID, Amount: money.FromInt(40), Method: domain.MethodTransfer})
		require.NoError(t, err)
		advances[i] = advance
	}

	errs := runConcurrently(workers, func(i int) error {
		_, err := f.svc.Allocate(ctx, advances[i].ID, []domain.AllocationInput{{SessionID: s.ID, Amount: money.FromInt(40)}})
		return err
	})
	assert.Equal(t, 2, countSucceeded(t, errs, domain.ErrAllocationExceedsPending))

	state := f.sessionState(t, s.ID)
	assert.True(t, state.PaidAmount.Equal(money.FromInt(80)), "paid %s", state.PaidAmount)
	assert.True(t, state.PaidAmount.LessThanOrEqual(state.FinalPrice))
	assert.Equal(t, sessiondomain.PaymentStatusPartial, state.PaymentStatus)

	for _, advance := range advances {
		stored, err := f.svc.Get(ctx, advance.ID)
		require.NoError(t, err)
		f.assertLedgerConsistent(t, stored)
	}

	balance := f.balance(t, p.ID)
	assert.True(t, balance.TotalCredit.Equal(money.FromInt(160)), "credit %s", balance.TotalCredit)
	assert.True(t, balance.TotalDebt.Equal(money.FromInt(20)), "debt %s", balance.TotalDebt)
}

func TestConcurrentCreatesKeepPatientBalanceExact(t *testing.T) {
	f := newFixture(t)
	f.singleWriter(t)
	ctx := context.Background()
	p := f.patient(t, "Kartika")
	s := f.session(t, p.ID, money.FromInt(60))

	const workers = 10
	errs := runConcurrently(workers, func(i int) error {
		req := domain.CreatePaymentRequest{PatientID: p.ID, Amount: money.FromInt(25), Method: domain.MethodCash}
		if i%2 == 0 {
			req.Allocations = []domain.AllocationInput{{SessionID: s.ID, Amount: money.FromInt(25)}}
		}
		_, err := f.svc.Create(ctx, req)
		return err
	})
	// 60 pending fits two 25.00 allocations; the third leaves only 10.00.
	assert.Equal(t, 7, countSucceeded(t, errs, domain.ErrAllocationExceedsPending))

	payments, err := f.svc.ListByPatient(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 7)
	credit := money.Zero()
	for _, payment := range payments {
		f.assertLedgerConsistent(t, payment)
		credit = credit.Add(payment.AvailableCredit)
	}

	balance := f.balance(t, p.ID)
	assert.True(t, balance.TotalCredit.Equal(credit), "cached %s derived %s", balance.TotalCredit, credit)
	assert.True(t, balance.TotalCredit.Equal(money.FromInt(125)))
	assert.True(t, balance.TotalDebt.Equal(money.FromInt(10)), "debt %s", balance.TotalDebt)
}

// lockRecorder notes the order in which the ledger takes its locks.
type lockRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *lockRecorder) record(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *lockRecorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.steps
	r.steps = nil
	return steps
}

type recordingBalances struct {
	patientdomain.BalanceAggregator
	rec *lockRecorder
}

func (b recordingBalances) LockBalance(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	b.rec.record("patient")
	return b.BalanceAggregator.LockBalance(ctx, tx, id)
}

func (b recordingBalances) Recompute(ctx context.Context, tx *gorm.DB, id snowflake.ID) (patientdomain.Balance, error) {
	b.rec.record("recompute")
	return b.BalanceAggregator.Recompute(ctx, tx, id)
}

type recordingRepo struct {
	domain.Repository
	rec *lockRecorder
}

func (r recordingRepo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	if forUpdate {
		r.rec.record("payment")
	}
	return r.Repository.FindByID(ctx, conn, id, forUpdate)
}

type recordingSessions struct {
	sessiondomain.BalanceReader
	rec *lockRecorder
}

func (s recordingSessions) LockForAllocation(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]*sessiondomain.Session, error) {
	s.rec.record("sessions")
	return s.BalanceReader.LockForAllocation(ctx, tx, ids)
}

func TestLedgerWritesLockPatientFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient(t, "Lukman")
	s1 := f.session(t, p.ID, money.FromInt(100))
	s2 := f.session(t, p.ID, money.FromInt(100))

	rec := &lockRecorder{}
	params := f.params
	params.PatientBalances = recordingBalances{BalanceAggregator: f.patients, rec: rec}
	params.Repo = recordingRepo{Repository: f.params.Repo, rec: rec}
	params.Sessions = recordingSessions{BalanceReader: f.sessions, rec: rec}
	svc := NewService(params)

	payment, err := svc.Create(ctx, domain.CreatePaymentRequest{
		PatientID:   p.ID,
		Amount:      money.FromInt(150),
		Method:      domain.MethodCash,
		Allocations: []domain.AllocationInput{{SessionID: s1.ID, Amount: money.FromInt(50)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"patient", "sessions", "recompute"}, rec.take())

	_, err = svc.Allocate(ctx, payment.ID, []domain.AllocationInput{{SessionID: s2.ID, Amount: money.FromInt(50)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"patient", "payment", "sessions", "recompute"}, rec.take())

	_, err = svc.Refund(ctx, payment.ID, money.FromInt(10), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"patient", "payment", "recompute"}, rec.take())

	_, err = svc.Void(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"patient", "payment", "sessions", "recompute"}, rec.take())

	_, err = svc.Allocate(ctx, 999, []domain.AllocationInput{{SessionID: s2.ID, Amount: money.FromInt(1)}})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.Empty(t, rec.take())
}
