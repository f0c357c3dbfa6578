package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/clinicpay/internal/audit/repository"
	auditservice "github.com/smallbiznis/clinicpay/internal/audit/service"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/migration"
	"github.com/smallbiznis/clinicpay/internal/observability"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	patientdomain "github.com/smallbiznis/clinicpay/internal/patient/domain"
	patientrepo "github.com/smallbiznis/clinicpay/internal/patient/repository"
	patientservice "github.com/smallbiznis/clinicpay/internal/patient/service"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/clinicpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/clinicpay/internal/payment/service"
	"github.com/smallbiznis/clinicpay/internal/providers/pdf"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	reconciliationrepo "github.com/smallbiznis/clinicpay/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/clinicpay/internal/reconciliation/service"
	salerepo "github.com/smallbiznis/clinicpay/internal/sale/repository"
	sessiondomain "github.com/smallbiznis/clinicpay/internal/session/domain"
	sessionrepo "github.com/smallbiznis/clinicpay/internal/session/repository"
	sessionservice "github.com/smallbiznis/clinicpay/internal/session/service"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type testServer struct {
	engine   *gin.Engine
	sessions sessiondomain.Service
	patient  patientdomain.Patient
}

func newTestServer(t *testing.T, limiter *ratelimit.ImportLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.ApplySQLite(db))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	log := zap.NewNop()
	fake := clock.NewFakeClock(testDay.Add(20 * time.Hour))

	sessions := sessionservice.NewService(sessionservice.Params{DB: db, Log: log, GenID: node, Repo: sessionrepo.Provide(), Clock: fake})
	patients := patientservice.NewService(patientservice.Params{DB: db, Log: log, GenID: node, Repo: patientrepo.Provide(), Clock: fake})
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepo.Provide(), Clock: fake})
	payments := paymentservice.NewService(paymentservice.Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           fake,
		Repo:            paymentrepo.Provide(),
		Sessions:        sessions,
		SessionTracker:  sessions,
		Patients:        patients,
		PatientReader:   patients,
		PatientBalances: patients,
		AuditSvc:        audit,
		PDF:             pdf.New(),
	})
	reconciliation := reconciliationservice.NewService(reconciliationservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Config:   config.NewStaticReconciliationConfig(config.DefaultReconciliationConfig()),
		Repo:     reconciliationrepo.Provide(),
		Payments: payments,
		Sales:    salerepo.Provide(),
		AuditSvc: audit,
		Limiter:  limiter,
	})

	httpMetrics, err := obsmetrics.NewHTTPMetricsWithRegisterer(prometheus.NewRegistry())
	require.NoError(t, err)
	engine := NewEngine(observability.Config{Environment: "test"}, httpMetrics)

	NewServer(ServerParams{
		Gin:               engine,
		Cfg:               config.Config{Environment: "test"},
		Log:               log,
		AuditSvc:          audit,
		PaymentSvc:        payments,
		ReconciliationSvc: reconciliation,
		ImportLimiter:     limiter,
	})

	patient, err := patients.Create(context.Background(), patientdomain.CreatePatientRequest{Name: "Ana"})
	require.NoError(t, err)

	return &testServer{engine: engine, sessions: sessions, patient: patient}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, fileName string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/reconciliation/batches/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) session(t *testing.T, price int64) sessiondomain.Session {
	t.Helper()
	session, err := s.sessions.Create(context.Background(), sessiondomain.CreateSessionRequest{
		PatientID:   s.patient.ID,
		FinalPrice:  money.FromInt(price),
		ScheduledAt: testDay,
	})
	require.NoError(t, err)
	return session
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Error
}

func statementWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, value := range row {
			name, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, name, value))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPaymentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	session := s.session(t, 50000)

	w := s.do(t, http.MethodPost, "/api/payments", gin.H{
		"patient_id":     s.patient.ID.String(),
		"amount":         "30000",
		"payment_method": "cash",
		"paid_at":        testDay.Add(10 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[paymentdomain.Payment](t, w)
	assert.Equal(t, paymentdomain.TypeAdvance, created.PaymentType)
	assert.Equal(t, paymentdomain.StatusConfirmed, created.Status)
	assert.True(t, created.AvailableCredit.Equal(money.FromInt(30000)))

	paymentPath := "/api/payments/" + created.ID.String()

	w = s.do(t, http.MethodPost, paymentPath+"/allocations", gin.H{
		"allocations": []gin.H{{"session_id": session.ID.String(), "amount": "20000"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	allocated := decode[paymentdomain.Payment](t, w)
	assert.True(t, allocated.AppliedAmount.Equal(money.FromInt(20000)))
	assert.True(t, allocated.AvailableCredit.Equal(money.FromInt(10000)))

	w = s.do(t, http.MethodGet, paymentPath+"/allocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]paymentdomain.Allocation](t, w), 1)

	w = s.do(t, http.MethodPost, paymentPath+"/refund", gin.H{"amount": "15000", "reason": "too much"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeError(t, w).Type)

	w = s.do(t, http.MethodPost, paymentPath+"/refund", gin.H{"amount": "10000", "reason": "left clinic"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refunded := decode[paymentdomain.Payment](t, w)
	assert.True(t, refunded.AvailableCredit.IsZero())
	assert.Equal(t, paymentdomain.StatusConfirmed, refunded.Status)

	w = s.do(t, http.MethodGet, "/api/patients/"+s.patient.ID.String()+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]paymentdomain.Payment](t, w), 1)

	w = s.do(t, http.MethodPost, paymentPath+"/void", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, paymentdomain.StatusVoided, decode[paymentdomain.Payment](t, w).Status)

	w = s.do(t, http.MethodPost, paymentPath+"/void", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreatePaymentValidation(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		name string
		body gin.H
		code string
	}{
		{"missing patient", gin.H{"amount": "100", "payment_method": "CASH"}, "invalid_patient_id"},
		{"zero amount", gin.H{"patient_id": s.patient.ID.String(), "amount": "0", "payment_method": "CASH"}, "invalid_amount"},
		{"bad method", gin.H{"patient_id": s.patient.ID.String(), "amount": "100", "payment_method": "CHEQUE"}, "invalid_payment_method"},
		{"bad paid_at", gin.H{"patient_id": s.patient.ID.String(), "amount": "100", "payment_method": "CASH", "paid_at": "yesterday"}, "invalid_paid_at"},
		{"bad session id", gin.H{"patient_id": s.patient.ID.String(), "amount": "100", "payment_method": "CASH", "allocations": []gin.H{{"session_id": "abc", "amount": "100"}}}, "invalid_session_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/payments", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			payload := decodeError(t, w)
			assert.Equal(t, "validation_error", payload.Type)
			require.NotEmpty(t, payload.Errors)
			assert.Equal(t, tc.code, payload.Errors[0].Code)
		})
	}
}

func TestPaymentNotFoundAndBadID(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/payments/12345", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Type)

	w = s.do(t, http.MethodGet, "/api/payments/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/patients/999/payments", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownRouteReturnsJSONNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/api/nope", "/internal/test/cleanup"} {
		w := s.do(t, http.MethodPost, path, map[string]any{"prefix": "statement"})
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "not_found", decodeError(t, w).Type, path)
	}
}

func TestPaymentReceiptIsPDF(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/payments", gin.H{
		"patient_id":     s.patient.ID.String(),
		"amount":         "12500.50",
		"payment_method": "TRANSFER",
		"reference_code": "TRX-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[paymentdomain.Payment](t, w)

	w = s.do(t, http.MethodGet, "/api/payments/"+created.ID.String()+"/receipt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
}

func TestPaymentsSummaryRequiresRange(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/payments/summary?to=2026-03-10", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_from", decodeError(t, w).Errors[0].Code)

	w = s.do(t, http.MethodGet, "/api/payments/summary?from=2026-03-11&to=2026-03-10", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_date_range", decodeError(t, w).Errors[0].Code)

	w = s.do(t, http.MethodGet, "/api/payments/summary?from=2026-03-10&to=2026-03-10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[paymentdomain.PaymentsSummary](t, w)
	assert.Zero(t, summary.Count)
}

func TestIngestJSONBatchMatchesCardPayment(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/payments", gin.H{
		"patient_id":     s.patient.ID.String(),
		"amount":         "30000",
		"payment_method": "CARD_DEBIT",
		"paid_at":        testDay.Add(11 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := decode[paymentdomain.Payment](t, w)

	w = s.do(t, http.MethodPost, "/api/reconciliation/batches", gin.H{
		"file_name": "settlement-march.xlsx",
		"transactions": []gin.H{
			{"transaction_date": "10/03/2026", "amount": "30000", "card_type": "DEBIT", "authorization_code": "A1"},
			{"transaction_date": "2026-03-10", "amount": 777, "card_type": "CREDIT", "authorization_code": "B2"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	batch := decode[reconciliationdomain.ImportBatch](t, w)
	assert.Equal(t, 2, batch.TotalTransactions)
	assert.Equal(t, 1, batch.ReconciledCount)
	assert.Equal(t, 1, batch.PendingCount)
	assert.Equal(t, reconciliationdomain.BatchStatusProcessing, batch.Status)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/"+batch.ID.String()+"/transactions?status=matched", nil)
	require.Equal(t, http.StatusOK, w.Code)
	matched := decode[[]reconciliationdomain.ImportedTransaction](t, w)
	require.Len(t, matched, 1)
	require.NotNil(t, matched[0].MatchedPaymentID)
	assert.Equal(t, payment.ID, *matched[0].MatchedPaymentID)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/"+batch.ID.String()+"/transactions?status=PENDING", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[[]reconciliationdomain.ImportedTransaction](t, w)
	require.Len(t, pending, 1)

	w = s.do(t, http.MethodPost, "/api/reconciliation/transactions/"+pending[0].ID.String()+"/reconcile", gin.H{
		"ignore": true,
		"notes":  "chargeback fee",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, reconciliationdomain.MatchStatusIgnored, decode[reconciliationdomain.ImportedTransaction](t, w).MatchStatus)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/"+batch.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reconciliationdomain.BatchStatusCompleted, decode[reconciliationdomain.ImportBatch](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/reconciliation/batches/"+batch.ID.String()+"/auto-match", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[reconciliationdomain.ImportBatch](t, w).ReconciledCount)

	w = s.do(t, http.MethodGet, "/api/reconciliation/summary?from=2026-03-10&to=2026-03-10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[reconciliationdomain.Summary](t, w)
	assert.Equal(t, 2, summary.Imported.All.Count)
	assert.Equal(t, 1, summary.Imported.Matched.Count)
	assert.Equal(t, "50.00", summary.PercentMatched.StringFixed(2))

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]reconciliationdomain.ImportBatch](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/audit-logs?target_type=imported_transaction", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestIngestRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/reconciliation/batches", gin.H{"file_name": "x.xlsx"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "empty_batch", decodeError(t, w).Errors[0].Code)

	w = s.do(t, http.MethodPost, "/api/reconciliation/batches", gin.H{
		"file_name":    "x.xlsx",
		"transactions": []gin.H{{"transaction_date": "someday", "amount": "10"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_transaction_date", decodeError(t, w).Errors[0].Code)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/1/transactions?status=LOST", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches?status=LOST", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestKeepsBatchWhenLockStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewImportLimiter(config.Config{}, client)
	s := newTestServer(t, limiter)
	mr.Close()

	w := s.do(t, http.MethodPost, "/api/reconciliation/batches", gin.H{
		"file_name": "settlement-down.xlsx",
		"transactions": []gin.H{
			{"transaction_date": "2026-03-10", "amount": "10"},
			{"transaction_date": "2026-03-10", "amount": "20"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Data     reconciliationdomain.ImportBatch `json:"data"`
		Warnings struct {
			Type               string `json:"type"`
			FailedTransactions int    `json:"failed_transactions"`
		} `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotZero(t, body.Data.ID)
	assert.Equal(t, 2, body.Data.PendingCount)
	assert.Equal(t, "auto_match_incomplete", body.Warnings.Type)
	assert.Equal(t, 2, body.Warnings.FailedTransactions)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/"+body.Data.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestReconcileRequiresSingleTarget(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/reconciliation/batches", gin.H{
		"file_name":    "x.xlsx",
		"transactions": []gin.H{{"transaction_date": "2026-03-10", "amount": "10"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	batch := decode[reconciliationdomain.ImportBatch](t, w)

	w = s.do(t, http.MethodGet, "/api/reconciliation/batches/"+batch.ID.String()+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]reconciliationdomain.ImportedTransaction](t, w)
	require.Len(t, items, 1)

	w = s.do(t, http.MethodPost, "/api/reconciliation/transactions/"+items[0].ID.String()+"/reconcile", gin.H{
		"payment_id": "1",
		"sale_id":    "2",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_reconciliation_target", decodeError(t, w).Errors[0].Code)

	w = s.do(t, http.MethodPost, "/api/reconciliation/transactions/"+items[0].ID.String()+"/reconcile", gin.H{
		"payment_id": "99",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadStatementWorkbook(t *testing.T) {
	s := newTestServer(t, nil)
	content := statementWorkbook(t, [][]any{
		{"Fecha Venta", "Tipo Tarjeta", "Monto", "Codigo Autorizacion"},
		{"10/03/2026", "Debito", "30.000", "A1B2C3"},
		{"11/03/2026", "Credito", 28000, "ZZ9"},
	})

	w := s.upload(t, "liquidacion.xlsx", content)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	batch := decode[reconciliationdomain.ImportBatch](t, w)
	assert.Equal(t, "liquidacion.xlsx", batch.FileName)
	assert.Equal(t, 2, batch.TotalTransactions)
	assert.True(t, batch.TotalAmount.Equal(money.FromInt(58000)))

	w = s.upload(t, "liquidacion.csv", content)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_file_type", decodeError(t, w).Errors[0].Code)

	w = s.upload(t, "broken.xlsx", []byte("not a workbook"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_statement_file", decodeError(t, w).Errors[0].Code)

	bad := statementWorkbook(t, [][]any{
		{"Fecha", "Monto"},
		{"10/03/2026", "abc"},
	})
	w = s.upload(t, "bad.xlsx", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "amount", payload.Errors[0].Field)
}

func TestUploadIsRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewImportLimiter(config.Config{ImportUploadRate: 0.01, ImportUploadBurst: 1}, client)

	s := newTestServer(t, limiter)
	content := statementWorkbook(t, [][]any{
		{"Date", "Amount"},
		{"2026-03-10", "100"},
	})

	w := s.upload(t, "first.xlsx", content)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.upload(t, "second.xlsx", content)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, w).Type)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{paymentdomain.ErrAllocationExceedsPending, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", paymentdomain.ErrRefundExceedsAvailable), http.StatusConflict},
		{reconciliationdomain.ErrBatchBusy, http.StatusConflict},
		{paymentdomain.ErrInvalidMethod, http.StatusBadRequest},
		{money.ErrInvalidAmount, http.StatusBadRequest},
		{patientdomain.ErrPatientNotFound, http.StatusNotFound},
		{sessiondomain.ErrSessionNotFound, http.StatusNotFound},
		{gorm.ErrRecordNotFound, http.StatusNotFound},
		{ErrTooManyRequests, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}

	errType, code := classifyErrorForLog(paymentdomain.ErrSessionMismatch)
	assert.Equal(t, "conflict", errType)
	assert.Equal(t, "session_mismatch", code)
}

func TestAuditLogsForPayment(t *testing.T) {
	s := newTestServer(t, nil)
	session := s.session(t, 50000)

	w := s.do(t, http.MethodPost, "/api/payments", gin.H{
		"patient_id":     s.patient.ID.String(),
		"amount":         "30000",
		"payment_method": "CARD_DEBIT",
		"allocations":    []gin.H{{"session_id": session.ID.String(), "amount": "10000"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := decode[paymentdomain.Payment](t, w)

	w = s.do(t, http.MethodPost, "/api/payments/"+payment.ID.String()+"/allocations", gin.H{
		"allocations": []gin.H{{"session_id": session.ID.String(), "amount": "5000"}},
	})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/audit-logs?payment_id="+payment.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	logs := decode[[]auditdomain.AuditLog](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, auditdomain.ActionPaymentCreated, logs[0].Action)
	assert.Equal(t, "payment", logs[0].TargetType)

	w = s.do(t, http.MethodGet, "/api/audit-logs?payment_id="+payment.ID.String()+"&from=2026-03-10&to=2026-03-10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[[]auditdomain.AuditLog](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/audit-logs?payment_id="+payment.ID.String()+"&from=2026-03-11", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[[]auditdomain.AuditLog](t, w))

	w = s.do(t, http.MethodGet, "/api/audit-logs?from=2026-03-12&to=2026-03-10", nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "invalid_date_range", decodeError(t, w).Errors[0].Code)

	w = s.do(t, http.MethodGet, "/api/audit-logs?payment_id=1&target_id=2", nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "ambiguous_target", decodeError(t, w).Errors[0].Code)
}
