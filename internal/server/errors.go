package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	patientdomain "github.com/smallbiznis/clinicpay/internal/patient/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	"github.com/smallbiznis/clinicpay/internal/reconciliation/statement"
	saledomain "github.com/smallbiznis/clinicpay/internal/sale/domain"
	sessiondomain "github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
	"github.com/smallbiznis/clinicpay/pkg/money"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrTooManyRequests    = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog feeds the request logger the same type/code pair the
// client receives.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	} else if err != nil && payload.Type != "internal_error" {
		code = rootCode(err)
	}
	return payload.Type, code
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if rowErr := asRowError(err); rowErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   rowErr.Column,
					Code:    rootCode(rowErr.Err),
					Message: rowErr.Error(),
				},
			},
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func asRowError(err error) *statement.RowError {
	var rowErr *statement.RowError
	if errors.As(err, &rowErr) && rowErr != nil {
		return rowErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidDateRange),
		errors.Is(err, patientdomain.ErrInvalidName),
		errors.Is(err, sessiondomain.ErrInvalidPrice),
		errors.Is(err, sessiondomain.ErrInvalidPatient),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidMethod),
		errors.Is(err, paymentdomain.ErrInvalidAllocation),
		errors.Is(err, paymentdomain.ErrInvalidDateRange),
		errors.Is(err, reconciliationdomain.ErrInvalidFileName),
		errors.Is(err, reconciliationdomain.ErrEmptyBatch),
		errors.Is(err, reconciliationdomain.ErrInvalidTransaction),
		errors.Is(err, reconciliationdomain.ErrInvalidMatchStatus),
		errors.Is(err, reconciliationdomain.ErrInvalidDateRange),
		errors.Is(err, reconciliationdomain.ErrInvalidPageToken),
		errors.Is(err, reconciliationdomain.ErrInvalidReconciliationTarget),
		errors.Is(err, statement.ErrNoSheet),
		errors.Is(err, statement.ErrHeaderNotFound):
		return true
	default:
		return false
	}
}

// isConflictError reports requests that were well formed but would break a
// ledger rule if applied.
func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, paymentdomain.ErrPaymentNotConfirmed),
		errors.Is(err, paymentdomain.ErrPaymentNotVoidable),
		errors.Is(err, paymentdomain.ErrSessionMismatch),
		errors.Is(err, paymentdomain.ErrDuplicateAllocation),
		errors.Is(err, paymentdomain.ErrAllocationExceedsPending),
		errors.Is(err, paymentdomain.ErrAllocationExceedsPaymentAmount),
		errors.Is(err, paymentdomain.ErrAllocationExceedsCredit),
		errors.Is(err, paymentdomain.ErrNoAvailableCredit),
		errors.Is(err, paymentdomain.ErrRefundExceedsAvailable),
		errors.Is(err, reconciliationdomain.ErrBatchBusy):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, patientdomain.ErrPatientNotFound),
		errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, saledomain.ErrSaleNotFound),
		errors.Is(err, reconciliationdomain.ErrBatchNotFound),
		errors.Is(err, reconciliationdomain.ErrTransactionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	code := rootCode(err)
	if code == "" || code == ErrConflict.Error() {
		return "conflict"
	}
	return strings.ReplaceAll(code, "_", " ")
}

// rootCode returns the innermost error text, which for domain sentinels is
// the snake_case code.
func rootCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, reconciliationdomain.ErrInvalidPageToken):
		return "invalid_page_token"
	case errors.Is(err, paymentdomain.ErrInvalidDateRange),
		errors.Is(err, reconciliationdomain.ErrInvalidDateRange),
		errors.Is(err, auditdomain.ErrInvalidDateRange):
		return "invalid_date_range"
	default:
		return rootCode(err)
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "empty_batch":
		return "batch has no transactions"
	case "statement_header_not_found", "statement_has_no_sheet":
		return "statement layout not recognized"
	default:
		return "invalid value"
	}
}
