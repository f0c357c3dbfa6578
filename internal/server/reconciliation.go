package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	"github.com/smallbiznis/clinicpay/internal/reconciliation/statement"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"go.uber.org/zap"
)

// maxStatementSize bounds an uploaded settlement workbook.
const maxStatementSize = 10 << 20

type statementLineRequest struct {
	TransactionDate   string         `json:"transaction_date"`
	Amount            money.Amount   `json:"amount"`
	CardType          string         `json:"card_type"`
	AuthorizationCode string         `json:"authorization_code"`
	Raw               map[string]any `json:"raw"`
}

type ingestBatchRequest struct {
	FileName     string                 `json:"file_name"`
	Transactions []statementLineRequest `json:"transactions"`
}

type reconcileTransactionRequest struct {
	PaymentID string `json:"payment_id"`
	SaleID    string `json:"sale_id"`
	Ignore    bool   `json:"ignore"`
	Notes     string `json:"notes"`
}

func (s *Server) IngestBatch(c *gin.Context) {
	var req ingestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	lines := make([]reconciliationdomain.TransactionInput, 0, len(req.Transactions))
	for i, line := range req.Transactions {
		date, err := statement.ParseDate(line.TransactionDate)
		if err != nil {
			field := fmt.Sprintf("transactions[%d].transaction_date", i)
			AbortWithError(c, newValidationError(field, "invalid_transaction_date", "invalid transaction_date"))
			return
		}
		lines = append(lines, reconciliationdomain.TransactionInput{
			TransactionDate:   date,
			Amount:            line.Amount,
			CardType:          strings.TrimSpace(line.CardType),
			AuthorizationCode: strings.TrimSpace(line.AuthorizationCode),
			Raw:               line.Raw,
		})
	}

	s.ingest(c, reconciliationdomain.IngestBatchRequest{
		FileName:     strings.TrimSpace(req.FileName),
		Transactions: lines,
		Source:       "json",
	})
}

func (s *Server) UploadBatch(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, newValidationError("file", "invalid_file", "file is required"))
		return
	}
	if header.Size > maxStatementSize {
		AbortWithError(c, newValidationError("file", "file_too_large", "file exceeds 10MB"))
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".xlsx") {
		AbortWithError(c, newValidationError("file", "invalid_file_type", "file must be an .xlsx workbook"))
		return
	}

	file, err := header.Open()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer file.Close()

	lines, err := statement.Parse(file)
	if err != nil {
		if asRowError(err) == nil && !isValidationError(err) {
			s.log.Warn("statement upload unreadable", zap.String("file_name", header.Filename), zap.Error(err))
			err = newValidationError("file", "invalid_statement_file", "file is not a readable workbook")
		}
		AbortWithError(c, err)
		return
	}

	s.ingest(c, reconciliationdomain.IngestBatchRequest{
		FileName:     filepath.Base(header.Filename),
		Transactions: lines,
		Source:       "xlsx",
	})
}

func (s *Server) ingest(c *gin.Context, req reconciliationdomain.IngestBatchRequest) {
	batch, err := s.reconciliationSvc.IngestBatch(c.Request.Context(), req)
	if err != nil && batch.ID == 0 {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, batchResult(batch, err, s.log))
}

func (s *Server) ListBatches(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := reconciliationdomain.BatchStatus(strings.ToUpper(strings.TrimSpace(query.Status)))
	switch status {
	case "", reconciliationdomain.BatchStatusProcessing, reconciliationdomain.BatchStatusCompleted:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	resp, err := s.reconciliationSvc.ListBatches(c.Request.Context(), reconciliationdomain.ListBatchesRequest{
		Pagination: query.Pagination,
		Status:     status,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Batches,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetBatchByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	batch, err := s.reconciliationSvc.GetBatch(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batch})
}

func (s *Server) ListBatchTransactions(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	status := reconciliationdomain.MatchStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	transactions, err := s.reconciliationSvc.ListTransactions(c.Request.Context(), id, status)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

func (s *Server) AutoMatchBatch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	batch, err := s.reconciliationSvc.RerunAutoMatch(c.Request.Context(), id)
	if err != nil && batch.ID == 0 {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, batchResult(batch, err, s.log))
}

func (s *Server) ReconcileTransaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req reconcileTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	paymentID, err := parseOptionalSnowflakeID(req.PaymentID)
	if err != nil {
		AbortWithError(c, newValidationError("payment_id", "invalid_payment_id", "invalid payment_id"))
		return
	}
	saleID, err := parseOptionalSnowflakeID(req.SaleID)
	if err != nil {
		AbortWithError(c, newValidationError("sale_id", "invalid_sale_id", "invalid sale_id"))
		return
	}

	transaction, err := s.reconciliationSvc.ReconcileManual(c.Request.Context(), id, reconciliationdomain.ManualTarget{
		PaymentID: paymentID,
		SaleID:    saleID,
		Ignore:    req.Ignore,
		Notes:     strings.TrimSpace(req.Notes),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transaction})
}

func (s *Server) GetReconciliationSummary(c *gin.Context) {
	from, to, ok := dateRangeQuery(c)
	if !ok {
		return
	}

	summary, err := s.reconciliationSvc.Summary(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// batchResult reports a batch that was saved even though some of its lines
// could not be matched. Those lines stay PENDING for the next run.
func batchResult(batch reconciliationdomain.ImportBatch, err error, log *zap.Logger) gin.H {
	body := gin.H{"data": batch}
	if err == nil {
		return body
	}

	log.Warn("auto match finished with failures", zap.String("batch_id", batch.ID.String()), zap.Error(err))
	failures := 1
	var joined interface{ Unwrap() []error }
	switch {
	case errors.Is(err, reconciliationdomain.ErrAutoMatchSkipped):
		failures = batch.PendingCount
	case errors.As(err, &joined):
		failures = len(joined.Unwrap())
	}
	body["warnings"] = gin.H{
		"type":                "auto_match_incomplete",
		"failed_transactions": failures,
	}
	return body
}
