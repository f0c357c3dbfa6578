package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	"github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	saledomain "github.com/smallbiznis/clinicpay/internal/sale/domain"
	"github.com/smallbiznis/clinicpay/pkg/dayrange"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	matchKindPayment = "payment"
	matchKindSale    = "sale"
	matchKindManual  = "manual"
	matchKindIgnored = "ignored"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     *config.ReconciliationConfigHolder
	Repo       domain.Repository
	Payments   paymentdomain.CardLedger
	Sales      saledomain.Repository
	AuditSvc   auditdomain.Service
	Limiter    *ratelimit.ImportLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        *config.ReconciliationConfigHolder
	repo       domain.Repository
	payments   paymentdomain.CardLedger
	sales      saledomain.Repository
	auditSvc   auditdomain.Service
	limiter    *ratelimit.ImportLimiter
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		repo:       p.Repo,
		payments:   p.Payments,
		sales:      p.Sales,
		auditSvc:   p.AuditSvc,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) IngestBatch(ctx context.Context, req domain.IngestBatchRequest) (batch domain.ImportBatch, err error) {
	ctx, span := tracing.StartSpan(ctx, "reconciliation", "IngestBatch", attribute.Int("transactions", len(req.Transactions)))
	defer func() { tracing.EndSpan(span, err) }()

	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		return domain.ImportBatch{}, domain.ErrInvalidFileName
	}
	if len(req.Transactions) == 0 {
		return domain.ImportBatch{}, domain.ErrEmptyBatch
	}
	for i, input := range req.Transactions {
		if input.TransactionDate.IsZero() || !input.Amount.IsPositive() {
			return domain.ImportBatch{}, fmt.Errorf("%w: line %d", domain.ErrInvalidTransaction, i+1)
		}
	}

	now := s.clock.Now()
	batch = domain.ImportBatch{
		ID:                s.genID.Generate(),
		FileName:          fileName,
		TotalTransactions: len(req.Transactions),
		TotalAmount:       money.Zero(),
		PendingCount:      len(req.Transactions),
		Status:            domain.BatchStatusProcessing,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	rows := make([]*domain.ImportedTransaction, 0, len(req.Transactions))
	for i, input := range req.Transactions {
		date := input.TransactionDate.UTC().Truncate(time.Second)
		if i == 0 || date.Before(batch.DateFrom) {
			batch.DateFrom = date
		}
		if i == 0 || date.After(batch.DateTo) {
			batch.DateTo = date
		}
		batch.TotalAmount = batch.TotalAmount.Add(input.Amount)

		var raw datatypes.JSONMap
		if len(input.Raw) > 0 {
			raw = datatypes.JSONMap(input.Raw)
		}
		rows = append(rows, &domain.ImportedTransaction{
			ID:                s.genID.Generate(),
			BatchID:           batch.ID,
			TransactionDate:   date,
			Amount:            input.Amount,
			CardType:          strings.TrimSpace(input.CardType),
			AuthorizationCode: strings.TrimSpace(input.AuthorizationCode),
			MatchStatus:       domain.MatchStatusPending,
			AmountDifference:  money.Zero(),
			RawRow:            raw,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertBatch(ctx, tx, &batch); err != nil {
			return err
		}
		if err := s.repo.InsertTransactions(ctx, tx, rows); err != nil {
			return err
		}
		return s.audit(ctx, tx, auditdomain.ActionBatchIngested, "import_batch", batch.ID, map[string]any{
			"file_name":    batch.FileName,
			"transactions": batch.TotalTransactions,
			"total_amount": batch.TotalAmount.String(),
		})
	})
	if err != nil {
		return domain.ImportBatch{}, err
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "api"
	}
	s.obsMetrics.RecordImportedTransactions(ctx, source, len(rows))
	s.log.Info("import batch ingested",
		zap.String("batch_id", batch.ID.String()),
		zap.String("file_name", batch.FileName),
		zap.Int("transactions", batch.TotalTransactions),
	)

	if !s.cfg.Get().AutoMatchOnIngest {
		return batch, nil
	}
	matched, err := s.AutoMatch(ctx, batch.ID)
	if err != nil && matched.ID == 0 {
		// The batch is already committed; report it with the failure attached.
		s.log.Warn("auto match skipped after ingest",
			zap.String("batch_id", batch.ID.String()),
			zap.Error(err),
		)
		return batch, fmt.Errorf("%w: %w", domain.ErrAutoMatchSkipped, err)
	}
	return matched, err
}

// AutoMatch runs each PENDING transaction in its own database transaction so
// a failure leaves earlier matches committed. The batch rollup always runs.
func (s *Service) AutoMatch(ctx context.Context, batchID snowflake.ID) (batch domain.ImportBatch, err error) {
	ctx, span := tracing.StartSpan(ctx, "reconciliation", "AutoMatch", attribute.String("batch_id", batchID.String()))
	defer func() { tracing.EndSpan(span, err) }()

	existing, err := s.repo.FindBatchByID(ctx, s.db, batchID, false)
	if err != nil {
		return domain.ImportBatch{}, err
	}
	if existing == nil {
		return domain.ImportBatch{}, domain.ErrBatchNotFound
	}

	cfg := s.cfg.Get()
	token, locked, err := s.limiter.TryLockBatch(ctx, batchID.String(), cfg.BatchLockTTL)
	if err != nil {
		return domain.ImportBatch{}, err
	}
	if !locked {
		return domain.ImportBatch{}, domain.ErrBatchBusy
	}
	defer func() {
		if releaseErr := s.limiter.ReleaseBatch(context.WithoutCancel(ctx), batchID.String(), token); releaseErr != nil {
			s.log.Warn("failed to release batch lock", zap.String("batch_id", batchID.String()), zap.Error(releaseErr))
		}
	}()

	ids, err := s.repo.ListPendingTransactionIDs(ctx, s.db, batchID)
	if err != nil {
		return domain.ImportBatch{}, err
	}

	var failures []error
	matched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		kind, err := s.matchOne(ctx, id, cfg)
		if err != nil {
			s.log.Warn("auto match failed",
				zap.String("batch_id", batchID.String()),
				zap.String("transaction_id", id.String()),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("transaction %s: %w", id, err))
			continue
		}
		if kind != "" {
			matched++
			s.obsMetrics.RecordReconciliation(ctx, string(domain.MatchStatusMatched), kind)
		}
	}

	// The rollup reflects partial progress even when the caller gave up.
	rollupCtx := context.WithoutCancel(ctx)
	err = s.db.WithContext(rollupCtx).Transaction(func(tx *gorm.DB) error {
		rolled, err := s.rollup(rollupCtx, tx, batchID)
		if err != nil {
			return err
		}
		batch = *rolled
		return nil
	})
	if err != nil {
		return domain.ImportBatch{}, err
	}

	s.log.Info("auto match finished",
		zap.String("batch_id", batchID.String()),
		zap.Int("candidates", len(ids)),
		zap.Int("matched", matched),
		zap.Int("pending", batch.PendingCount),
	)
	if len(failures) > 0 {
		return batch, errors.Join(failures...)
	}
	return batch, nil
}

func (s *Service) RerunAutoMatch(ctx context.Context, batchID snowflake.ID) (domain.ImportBatch, error) {
	return s.AutoMatch(ctx, batchID)
}

// matchOne returns the kind of record matched, or "" when the transaction
// stays PENDING.
func (s *Service) matchOne(ctx context.Context, id snowflake.ID, cfg config.ReconciliationConfig) (string, error) {
	kind := ""
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.FindTransactionByID(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if t == nil || t.MatchStatus != domain.MatchStatusPending {
			return nil
		}

		from, to := dayrange.Window(t.TransactionDate, cfg.MatchWindowDays)
		payments, err := s.payments.FindMatchingCardPayments(ctx, tx, paymentdomain.CardMatchQuery{
			Amount:      t.Amount,
			From:        from,
			To:          to,
			Methods:     cfg.CardMethods,
			SkipClaimed: true,
		})
		if err != nil {
			return err
		}
		if len(payments) > 0 {
			candidates := make([]candidate, 0, len(payments))
			for _, p := range payments {
				candidates = append(candidates, candidate{ID: p.ID, At: p.PaidAt, CreatedAt: p.CreatedAt})
			}
			best := pickClosest(candidates, t.TransactionDate)
			t.MatchedPaymentID = &best
			kind = matchKindPayment
		} else {
			sales, err := s.sales.FindMatchingCompletedSales(ctx, tx, saledomain.MatchQuery{
				Amount:      t.Amount,
				From:        from,
				To:          to,
				Methods:     cfg.CardMethods,
				SkipClaimed: true,
			})
			if err != nil {
				return err
			}
			if len(sales) == 0 {
				return nil
			}
			candidates := make([]candidate, 0, len(sales))
			for _, sale := range sales {
				candidates = append(candidates, candidate{ID: sale.ID, At: sale.SoldAt, CreatedAt: sale.CreatedAt})
			}
			best := pickClosest(candidates, t.TransactionDate)
			t.MatchedSaleID = &best
			kind = matchKindSale
		}

		now := s.clock.Now()
		t.MatchStatus = domain.MatchStatusMatched
		t.MatchedAt = &now
		t.AmountDifference = money.Zero()
		t.UpdatedAt = now
		claimed, err := s.repo.ClaimPending(ctx, tx, t)
		if err != nil {
			return err
		}
		if !claimed {
			kind = ""
			return nil
		}
		return s.audit(ctx, tx, auditdomain.ActionTransactionAutoMatched, "imported_transaction", t.ID, matchMetadata(t, kind))
	})
	if err != nil {
		return "", err
	}
	return kind, nil
}

func (s *Service) ReconcileManual(ctx context.Context, transactionID snowflake.ID, target domain.ManualTarget) (result domain.ImportedTransaction, err error) {
	ctx, span := tracing.StartSpan(ctx, "reconciliation", "ReconcileManual", attribute.String("transaction_id", transactionID.String()))
	defer func() { tracing.EndSpan(span, err) }()

	targets := 0
	if target.PaymentID != nil {
		targets++
	}
	if target.SaleID != nil {
		targets++
	}
	if target.Ignore {
		targets++
	}
	if targets != 1 {
		return domain.ImportedTransaction{}, domain.ErrInvalidReconciliationTarget
	}

	kind := matchKindManual
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.FindTransactionByID(ctx, tx, transactionID, true)
		if err != nil {
			return err
		}
		if t == nil {
			return domain.ErrTransactionNotFound
		}

		now := s.clock.Now()
		switch {
		case target.Ignore:
			t.MatchStatus = domain.MatchStatusIgnored
			t.MatchedPaymentID = nil
			t.MatchedSaleID = nil
			t.AmountDifference = money.Zero()
			kind = matchKindIgnored
		case target.PaymentID != nil:
			payment, err := s.payments.Lookup(ctx, tx, *target.PaymentID)
			if err != nil {
				return err
			}
			id := payment.ID
			t.MatchedPaymentID = &id
			t.MatchedSaleID = nil
			settle(t, payment.Amount)
		default:
			sale, err := s.sales.FindByID(ctx, tx, *target.SaleID)
			if err != nil {
				return err
			}
			if sale == nil {
				return saledomain.ErrSaleNotFound
			}
			id := sale.ID
			t.MatchedSaleID = &id
			t.MatchedPaymentID = nil
			settle(t, sale.Total)
		}
		if notes := strings.TrimSpace(target.Notes); notes != "" {
			t.Notes = notes
		}
		t.MatchedAt = &now
		t.UpdatedAt = now

		if err := s.repo.UpdateMatch(ctx, tx, t); err != nil {
			return err
		}
		if _, err := s.rollup(ctx, tx, t.BatchID); err != nil {
			return err
		}
		result = *t
		return s.audit(ctx, tx, auditdomain.ActionTransactionReconciled, "imported_transaction", t.ID, matchMetadata(t, kind))
	})
	if err != nil {
		return domain.ImportedTransaction{}, err
	}

	s.obsMetrics.RecordReconciliation(ctx, string(result.MatchStatus), kind)
	return result, nil
}

// settle sets the difference against an internal amount and derives the status.
func settle(t *domain.ImportedTransaction, internal money.Amount) {
	t.AmountDifference = t.Amount.Sub(internal)
	if t.AmountDifference.IsZero() {
		t.MatchStatus = domain.MatchStatusMatched
		return
	}
	t.MatchStatus = domain.MatchStatusDifference
}

// rollup recounts the batch from its transactions; it never adjusts counts
// incrementally.
func (s *Service) rollup(ctx context.Context, tx *gorm.DB, batchID snowflake.ID) (*domain.ImportBatch, error) {
	batch, err := s.repo.FindBatchByID(ctx, tx, batchID, true)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, domain.ErrBatchNotFound
	}
	counts, err := s.repo.CountByStatus(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}

	batch.PendingCount = counts[domain.MatchStatusPending]
	batch.ReconciledCount = counts[domain.MatchStatusMatched] +
		counts[domain.MatchStatusDifference] +
		counts[domain.MatchStatusIgnored]
	batch.Status = domain.BatchStatusProcessing
	if batch.PendingCount == 0 {
		batch.Status = domain.BatchStatusCompleted
	}
	batch.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateBatchRollup(ctx, tx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Service) Summary(ctx context.Context, from, to time.Time) (domain.Summary, error) {
	start, end, err := dayrange.Inclusive(from, to)
	if err != nil {
		return domain.Summary{}, domain.ErrInvalidDateRange
	}
	methods := s.cfg.Get().CardMethods

	rows, err := s.repo.ListStatusAmounts(ctx, s.db, start, end)
	if err != nil {
		return domain.Summary{}, err
	}
	paymentAmounts, err := s.payments.CardPaymentTotals(ctx, nil, start, end, methods)
	if err != nil {
		return domain.Summary{}, err
	}
	saleAmounts, err := s.sales.ListCompletedCardSaleTotals(ctx, s.db, start, end, methods)
	if err != nil {
		return domain.Summary{}, err
	}

	summary := domain.Summary{From: start, To: end.AddDate(0, 0, -1)}
	for _, row := range rows {
		summary.Imported.All.Add(row.Amount)
		switch row.MatchStatus {
		case domain.MatchStatusMatched:
			summary.Imported.Matched.Add(row.Amount)
		case domain.MatchStatusPending:
			summary.Imported.Pending.Add(row.Amount)
		case domain.MatchStatusDifference:
			summary.Imported.Difference.Add(row.Amount)
		case domain.MatchStatusIgnored:
			summary.Imported.Ignored.Add(row.Amount)
		}
	}
	for _, amount := range paymentAmounts {
		summary.Internal.CardPayments.Add(amount)
	}
	for _, amount := range saleAmounts {
		summary.Internal.CardSales.Add(amount)
	}
	summary.Internal.Total = summary.Internal.CardPayments.Amount.Add(summary.Internal.CardSales.Amount)
	summary.Difference = summary.Imported.All.Amount.Sub(summary.Internal.Total).Abs()
	summary.PercentMatched = percent(summary.Imported.Matched.Count, summary.Imported.All.Count)
	return summary, nil
}

func percent(part, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2)
}

func (s *Service) GetBatch(ctx context.Context, batchID snowflake.ID) (domain.ImportBatch, error) {
	batch, err := s.repo.FindBatchByID(ctx, s.db, batchID, false)
	if err != nil {
		return domain.ImportBatch{}, err
	}
	if batch == nil {
		return domain.ImportBatch{}, domain.ErrBatchNotFound
	}
	return *batch, nil
}

func (s *Service) ListBatches(ctx context.Context, req domain.ListBatchesRequest) (domain.ListBatchesResponse, error) {
	var cursor *domain.BatchCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListBatchesResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListBatchesResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListBatchesResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.BatchCursor{ID: id, CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.ListBatches(ctx, s.db, domain.BatchFilter{
		Status: req.Status,
		Cursor: cursor,
		Limit:  limit,
	})
	if err != nil {
		return domain.ListBatchesResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPageInfo(items, limit, func(item *domain.ImportBatch) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return domain.ListBatchesResponse{}, err
	}

	batches := make([]domain.ImportBatch, 0, len(items))
	for _, item := range items {
		if item != nil {
			batches = append(batches, *item)
		}
	}
	return domain.ListBatchesResponse{PageInfo: *pageInfo, Batches: batches}, nil
}

func (s *Service) ListTransactions(ctx context.Context, batchID snowflake.ID, status domain.MatchStatus) ([]domain.ImportedTransaction, error) {
	if status != "" && !status.Valid() {
		return nil, domain.ErrInvalidMatchStatus
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListTransactions(ctx, s.db, batchID, status)
	if err != nil {
		return nil, err
	}
	transactions := make([]domain.ImportedTransaction, 0, len(items))
	for _, item := range items {
		if item != nil {
			transactions = append(transactions, *item)
		}
	}
	return transactions, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, action, targetType string, targetID snowflake.ID, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID.String(),
		Metadata:   metadata,
	})
}

func matchMetadata(t *domain.ImportedTransaction, kind string) map[string]any {
	metadata := map[string]any{
		"batch_id":           t.BatchID.String(),
		"match_status":       string(t.MatchStatus),
		"match_kind":         kind,
		"amount":             t.Amount.String(),
		"amount_difference":  t.AmountDifference.String(),
		"authorization_code": t.AuthorizationCode,
	}
	if t.MatchedPaymentID != nil {
		metadata["matched_payment_id"] = t.MatchedPaymentID.String()
	}
	if t.MatchedSaleID != nil {
		metadata["matched_sale_id"] = t.MatchedSaleID.String()
	}
	return metadata
}

type candidate struct {
	ID        snowflake.ID
	At        time.Time
	CreatedAt time.Time
}

// pickClosest orders by calendar distance to day, then earliest CreatedAt,
// then lowest id. candidates must be non-empty.
func pickClosest(candidates []candidate, day time.Time) snowflake.ID {
	sort.SliceStable(candidates, func(i, j int) bool {
		di := dayrange.DaysApart(candidates[i].At, day)
		dj := dayrange.DaysApart(candidates[j].At, day)
		if di != dj {
			return di < dj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID
}
