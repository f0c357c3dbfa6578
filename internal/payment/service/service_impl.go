package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/observability/tracing"
	patientdomain "github.com/smallbiznis/clinicpay/internal/patient/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/providers/pdf"
	sessiondomain "github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/pkg/dayrange"
	"github.com/smallbiznis/clinicpay/pkg/db"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Config          config.Config
	Clock           clock.Clock
	Repo            paymentdomain.Repository
	Sessions        sessiondomain.BalanceReader
	SessionTracker  sessiondomain.BalanceTracker
	Patients        patientdomain.Directory
	PatientReader   patientdomain.Reader
	PatientBalances patientdomain.BalanceAggregator
	AuditSvc        auditdomain.Service
	PDF             pdf.Provider
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clinicName      string
	clock           clock.Clock
	repo            paymentdomain.Repository
	sessions        sessiondomain.BalanceReader
	sessionTracker  sessiondomain.BalanceTracker
	patients        patientdomain.Directory
	patientReader   patientdomain.Reader
	patientBalances patientdomain.BalanceAggregator
	auditSvc        auditdomain.Service
	pdf             pdf.Provider
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clinicName:      p.Config.ClinicName,
		clock:           p.Clock,
		repo:            p.Repo,
		sessions:        p.Sessions,
		sessionTracker:  p.SessionTracker,
		patients:        p.Patients,
		patientReader:   p.PatientReader,
		patientBalances: p.PatientBalances,
		auditSvc:        p.AuditSvc,
		pdf:             p.PDF,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req paymentdomain.CreatePaymentRequest) (payment paymentdomain.Payment, err error) {
	ctx, span := tracing.StartSpan(ctx, "payment", "Create", attribute.String("method", string(req.Method)))
	defer func() { tracing.EndSpan(span, err) }()

	if !req.Amount.IsPositive() {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidAmount
	}
	if !req.Method.Valid() {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidMethod
	}
	total, err := validateAllocations(req.Allocations)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if total.GreaterThan(req.Amount) {
		return paymentdomain.Payment{}, paymentdomain.ErrAllocationExceedsPaymentAmount
	}

	now := s.clock.Now()
	paidAt := now
	if req.PaidAt != nil && !req.PaidAt.IsZero() {
		paidAt = req.PaidAt.UTC()
	}
	reference := strings.TrimSpace(req.ReferenceCode)
	if reference == "" {
		reference = newReferenceCode()
	}

	payment = paymentdomain.Payment{
		ID:              s.genID.Generate(),
		PatientID:       req.PatientID,
		Amount:          req.Amount,
		AppliedAmount:   total,
		AvailableCredit: req.Amount.Sub(total),
		RefundedAmount:  money.Zero(),
		PaymentMethod:   req.Method,
		PaymentType:     paymentdomain.TypeForAllocations(len(req.Allocations)),
		Status:          paymentdomain.StatusConfirmed,
		PaidAt:          paidAt,
		ReferenceCode:   reference,
		Notes:           strings.TrimSpace(req.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.patientBalances.LockBalance(ctx, tx, req.PatientID); err != nil {
			return err
		}
		if err := s.checkAllocations(ctx, tx, payment.PatientID, req.Allocations); err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, &payment); err != nil {
			return err
		}
		if err := s.writeAllocations(ctx, tx, payment.ID, req.Allocations, now); err != nil {
			return err
		}
		if _, err := s.patientBalances.Recompute(ctx, tx, payment.PatientID); err != nil {
			return err
		}
		return s.audit(ctx, tx, auditdomain.ActionPaymentCreated, payment, map[string]any{
			"amount":         payment.Amount.String(),
			"method":         string(payment.PaymentMethod),
			"payment_type":   string(payment.PaymentType),
			"allocations":    len(req.Allocations),
			"reference_code": payment.ReferenceCode,
		})
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.obsMetrics.RecordPaymentCreated(ctx, string(payment.PaymentMethod), string(payment.PaymentType))
	if len(req.Allocations) > 0 {
		s.obsMetrics.RecordAllocation(ctx, string(payment.PaymentMethod))
	}
	s.log.Info("payment created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("patient_id", payment.PatientID.String()),
		zap.String("amount", payment.Amount.String()),
		zap.String("payment_type", string(payment.PaymentType)),
	)
	return payment, nil
}

func (s *Service) Allocate(ctx context.Context, paymentID snowflake.ID, inputs []paymentdomain.AllocationInput) (payment paymentdomain.Payment, err error) {
	ctx, span := tracing.StartSpan(ctx, "payment", "Allocate", attribute.String("payment_id", paymentID.String()))
	defer func() { tracing.EndSpan(span, err) }()

	if len(inputs) == 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidAllocation
	}
	total, err := validateAllocations(inputs)
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockLedger(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if current.Status != paymentdomain.StatusConfirmed {
			return paymentdomain.ErrPaymentNotConfirmed
		}
		if !current.AvailableCredit.IsPositive() {
			return paymentdomain.ErrNoAvailableCredit
		}

		existing, err := s.repo.ListAllocations(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		allocated := make(map[snowflake.ID]struct{}, len(existing))
		for _, allocation := range existing {
			allocated[allocation.SessionID] = struct{}{}
		}
		for _, input := range inputs {
			if _, ok := allocated[input.SessionID]; ok {
				return paymentdomain.ErrDuplicateAllocation
			}
		}

		if err := s.checkAllocations(ctx, tx, current.PatientID, inputs); err != nil {
			return err
		}
		if total.GreaterThan(current.AvailableCredit) {
			return paymentdomain.ErrAllocationExceedsCredit
		}

		now := s.clock.Now()
		if err := s.writeAllocations(ctx, tx, paymentID, inputs, now); err != nil {
			return err
		}
		current.AppliedAmount = current.AppliedAmount.Add(total)
		current.AvailableCredit = current.AvailableCredit.Sub(total)
		current.UpdatedAt = now
		if err := s.repo.UpdateBalances(ctx, tx, current); err != nil {
			return err
		}
		if _, err := s.patientBalances.Recompute(ctx, tx, current.PatientID); err != nil {
			return err
		}
		payment = *current
		return s.audit(ctx, tx, auditdomain.ActionPaymentAllocated, payment, map[string]any{
			"allocated":        total.String(),
			"allocations":      len(inputs),
			"available_credit": payment.AvailableCredit.String(),
		})
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.obsMetrics.RecordAllocation(ctx, string(payment.PaymentMethod))
	return payment, nil
}

// Refund draws only from available credit. Allocations are never touched.
func (s *Service) Refund(ctx context.Context, paymentID snowflake.ID, amount money.Amount, reason string) (payment paymentdomain.Payment, err error) {
	ctx, span := tracing.StartSpan(ctx, "payment", "Refund", attribute.String("payment_id", paymentID.String()))
	defer func() { tracing.EndSpan(span, err) }()

	if !amount.IsPositive() {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockLedger(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if current.Status != paymentdomain.StatusConfirmed {
			return paymentdomain.ErrPaymentNotConfirmed
		}
		if amount.GreaterThan(current.AvailableCredit) {
			return paymentdomain.ErrRefundExceedsAvailable
		}

		now := s.clock.Now()
		current.AvailableCredit = current.AvailableCredit.Sub(amount)
		current.RefundedAmount = current.RefundedAmount.Add(amount)
		if amount.Equal(current.Amount) {
			current.Status = paymentdomain.StatusRefunded
		}
		current.Notes = appendNote(current.Notes, refundNote(now, amount, reason))
		current.UpdatedAt = now
		if err := s.repo.UpdateBalances(ctx, tx, current); err != nil {
			return err
		}
		if _, err := s.patientBalances.Recompute(ctx, tx, current.PatientID); err != nil {
			return err
		}
		payment = *current
		return s.audit(ctx, tx, auditdomain.ActionPaymentRefunded, payment, map[string]any{
			"refunded":         amount.String(),
			"reason":           reason,
			"status":           string(payment.Status),
			"available_credit": payment.AvailableCredit.String(),
		})
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.obsMetrics.RecordRefund(ctx, payment.Status == paymentdomain.StatusRefunded)
	return payment, nil
}

// Void removes every allocation and zeroes the payment. Credit is not
// restored; a voided payment has no economic effect at all.
func (s *Service) Void(ctx context.Context, paymentID snowflake.ID) (payment paymentdomain.Payment, err error) {
	ctx, span := tracing.StartSpan(ctx, "payment", "Void", attribute.String("payment_id", paymentID.String()))
	defer func() { tracing.EndSpan(span, err) }()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockLedger(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		switch current.Status {
		case paymentdomain.StatusConfirmed, paymentdomain.StatusPending:
		default:
			return paymentdomain.ErrPaymentNotVoidable
		}

		allocations, err := s.repo.ListAllocations(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		sessionIDs := make([]snowflake.ID, 0, len(allocations))
		for _, allocation := range allocations {
			sessionIDs = append(sessionIDs, allocation.SessionID)
		}
		if _, err := s.sessions.LockForAllocation(ctx, tx, sessionIDs); err != nil {
			return err
		}
		if err := s.repo.DeleteAllocations(ctx, tx, paymentID); err != nil {
			return err
		}

		released := current.AppliedAmount
		current.AppliedAmount = money.Zero()
		current.AvailableCredit = money.Zero()
		current.Status = paymentdomain.StatusVoided
		current.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateBalances(ctx, tx, current); err != nil {
			return err
		}
		if err := s.recomputeSessions(ctx, tx, sessionIDs); err != nil {
			return err
		}
		if _, err := s.patientBalances.Recompute(ctx, tx, current.PatientID); err != nil {
			return err
		}
		payment = *current
		return s.audit(ctx, tx, auditdomain.ActionPaymentVoided, payment, map[string]any{
			"released_allocations": len(allocations),
			"released_amount":      released.String(),
		})
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.obsMetrics.RecordVoid(ctx)
	return payment, nil
}

func (s *Service) Get(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Payment, error) {
	return s.Lookup(ctx, nil, paymentID)
}

func (s *Service) Lookup(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (paymentdomain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, s.conn(tx), paymentID, false)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	return *payment, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID snowflake.ID) ([]paymentdomain.Payment, error) {
	exists, err := s.patients.Exists(ctx, s.db, patientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, patientdomain.ErrPatientNotFound
	}
	items, err := s.repo.ListByPatient(ctx, s.db, patientID)
	if err != nil {
		return nil, err
	}
	payments := make([]paymentdomain.Payment, 0, len(items))
	for _, item := range items {
		if item != nil {
			payments = append(payments, *item)
		}
	}
	return payments, nil
}

func (s *Service) ListAllocations(ctx context.Context, paymentID snowflake.ID) ([]paymentdomain.Allocation, error) {
	if _, err := s.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListAllocations(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	allocations := make([]paymentdomain.Allocation, 0, len(items))
	for _, item := range items {
		if item != nil {
			allocations = append(allocations, *item)
		}
	}
	return allocations, nil
}

// Summary totals CONFIRMED and REFUNDED payments paid on days from..to inclusive.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (paymentdomain.PaymentsSummary, error) {
	start, end, err := dayrange.Inclusive(from, to)
	if err != nil {
		return paymentdomain.PaymentsSummary{}, paymentdomain.ErrInvalidDateRange
	}
	rows, err := s.repo.ListSettled(ctx, s.db, start, end)
	if err != nil {
		return paymentdomain.PaymentsSummary{}, err
	}

	summary := paymentdomain.PaymentsSummary{From: start, To: end.AddDate(0, 0, -1), Total: money.Zero()}
	byMethod := map[string]*paymentdomain.SummaryBucket{}
	byType := map[string]*paymentdomain.SummaryBucket{}
	for _, row := range rows {
		summary.Count++
		summary.Total = summary.Total.Add(row.Amount)
		addToBucket(byMethod, string(row.PaymentMethod), row.Amount)
		addToBucket(byType, string(row.PaymentType), row.Amount)
	}
	summary.ByMethod = sortedBuckets(byMethod)
	summary.ByType = sortedBuckets(byType)
	return summary, nil
}

func (s *Service) Receipt(ctx context.Context, paymentID snowflake.ID) ([]byte, error) {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	allocations, err := s.repo.ListAllocations(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	patient, err := s.patientReader.Get(ctx, payment.PatientID)
	if err != nil {
		return nil, err
	}

	data := pdf.ReceiptData{
		ClinicName:      s.clinicName,
		PatientName:     patient.Name,
		ReferenceCode:   payment.ReferenceCode,
		DatePaid:        payment.PaidAt.Format("2006-01-02"),
		Method:          string(payment.PaymentMethod),
		PaymentType:     string(payment.PaymentType),
		Status:          string(payment.Status),
		Amount:          payment.Amount.String(),
		AppliedAmount:   payment.AppliedAmount.String(),
		AvailableCredit: payment.AvailableCredit.String(),
		RefundedAmount:  payment.RefundedAmount.String(),
		Notes:           payment.Notes,
	}
	for _, allocation := range allocations {
		data.Lines = append(data.Lines, pdf.ReceiptLine{
			Description: "Session " + allocation.SessionID.String(),
			Date:        allocation.CreatedAt.Format("2006-01-02"),
			Amount:      allocation.Amount.String(),
		})
	}

	reader, err := s.pdf.GenerateReceipt(ctx, data)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

func (s *Service) FindMatchingCardPayments(ctx context.Context, tx *gorm.DB, q paymentdomain.CardMatchQuery) ([]paymentdomain.Payment, error) {
	items, err := s.repo.FindMatchingCardPayments(ctx, s.conn(tx), q)
	if err != nil {
		return nil, err
	}
	payments := make([]paymentdomain.Payment, 0, len(items))
	for _, item := range items {
		if item != nil {
			payments = append(payments, *item)
		}
	}
	return payments, nil
}

func (s *Service) CardPaymentTotals(ctx context.Context, tx *gorm.DB, from, to time.Time, methods []string) ([]money.Amount, error) {
	return s.repo.ListConfirmedCardAmounts(ctx, s.conn(tx), from, to, methods)
}

// lockLedger takes the patient lock and then the payment lock. Every ledger
// write locks patient, payment, then sessions in that order.
func (s *Service) lockLedger(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	// patient_id never changes, so an unlocked read is enough to find it.
	snapshot, err := s.findPayment(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.patientBalances.LockBalance(ctx, tx, snapshot.PatientID); err != nil {
		return nil, err
	}
	return s.findPayment(ctx, tx, id, true)
}

func (s *Service) findPayment(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*paymentdomain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, tx, id, forUpdate)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

// checkAllocations locks the target sessions and verifies ownership and
// pending amounts under the lock.
func (s *Service) checkAllocations(ctx context.Context, tx *gorm.DB, patientID snowflake.ID, inputs []paymentdomain.AllocationInput) error {
	if len(inputs) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(inputs))
	for _, input := range inputs {
		ids = append(ids, input.SessionID)
	}
	sessions, err := s.sessions.LockForAllocation(ctx, tx, ids)
	if err != nil {
		return err
	}
	for _, input := range inputs {
		session, ok := sessions[input.SessionID]
		if !ok {
			return sessiondomain.ErrSessionNotFound
		}
		if session.PatientID != patientID {
			return paymentdomain.ErrSessionMismatch
		}
		if input.Amount.GreaterThan(session.PendingAmount()) {
			return paymentdomain.ErrAllocationExceedsPending
		}
	}
	return nil
}

func (s *Service) writeAllocations(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, inputs []paymentdomain.AllocationInput, now time.Time) error {
	ids := make([]snowflake.ID, 0, len(inputs))
	for _, input := range inputs {
		allocation := paymentdomain.Allocation{
			ID:        s.genID.Generate(),
			PaymentID: paymentID,
			SessionID: input.SessionID,
			Amount:    input.Amount,
			CreatedAt: now,
		}
		if err := s.repo.InsertAllocation(ctx, tx, &allocation); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return paymentdomain.ErrDuplicateAllocation
			}
			return err
		}
		ids = append(ids, input.SessionID)
	}
	return s.recomputeSessions(ctx, tx, ids)
}

func (s *Service) recomputeSessions(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) error {
	sorted := append([]snowflake.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		if _, err := s.sessionTracker.Recompute(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, action string, payment paymentdomain.Payment, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	metadata["patient_id"] = payment.PatientID.String()
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		Action:     action,
		TargetType: "payment",
		TargetID:   payment.ID.String(),
		Metadata:   metadata,
	})
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// validateAllocations rejects non-positive amounts and repeated sessions and
// returns the requested total.
func validateAllocations(inputs []paymentdomain.AllocationInput) (money.Amount, error) {
	total := money.Zero()
	seen := make(map[snowflake.ID]struct{}, len(inputs))
	for _, input := range inputs {
		if input.SessionID == 0 || !input.Amount.IsPositive() {
			return money.Zero(), paymentdomain.ErrInvalidAllocation
		}
		if _, ok := seen[input.SessionID]; ok {
			return money.Zero(), paymentdomain.ErrDuplicateAllocation
		}
		seen[input.SessionID] = struct{}{}
		total = total.Add(input.Amount)
	}
	return total, nil
}

func addToBucket(buckets map[string]*paymentdomain.SummaryBucket, key string, amount money.Amount) {
	bucket, ok := buckets[key]
	if !ok {
		bucket = &paymentdomain.SummaryBucket{Key: key, Total: money.Zero()}
		buckets[key] = bucket
	}
	bucket.Count++
	bucket.Total = bucket.Total.Add(amount)
}

func sortedBuckets(buckets map[string]*paymentdomain.SummaryBucket) []paymentdomain.SummaryBucket {
	out := make([]paymentdomain.SummaryBucket, 0, len(buckets))
	for _, bucket := range buckets {
		out = append(out, *bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func newReferenceCode() string {
	return "PAY-" + ulid.Make().String()
}

func refundNote(at time.Time, amount money.Amount, reason string) string {
	note := fmt.Sprintf("[%s] refund %s", at.UTC().Format(time.RFC3339), amount.String())
	if reason != "" {
		note += ": " + reason
	}
	return note
}

func appendNote(notes, line string) string {
	if strings.TrimSpace(notes) == "" {
		return line
	}
	return notes + "\n" + line
}
