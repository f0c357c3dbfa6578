package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/pkg/money"
)

type allocationRequest struct {
	SessionID string       `json:"session_id"`
	Amount    money.Amount `json:"amount"`
}

type createPaymentRequest struct {
	PatientID     string              `json:"patient_id"`
	Amount        money.Amount        `json:"amount"`
	PaymentMethod string              `json:"payment_method"`
	PaidAt        string              `json:"paid_at"`
	ReferenceCode string              `json:"reference_code"`
	Notes         string              `json:"notes"`
	Allocations   []allocationRequest `json:"allocations"`
}

type allocatePaymentRequest struct {
	Allocations []allocationRequest `json:"allocations"`
}

type refundPaymentRequest struct {
	Amount money.Amount `json:"amount"`
	Reason string       `json:"reason"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	patientID, err := parseOptionalSnowflakeID(req.PatientID)
	if err != nil || patientID == nil {
		AbortWithError(c, newValidationError("patient_id", "invalid_patient_id", "invalid patient_id"))
		return
	}

	paidAt, err := parseOptionalTime(req.PaidAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("paid_at", "invalid_paid_at", "invalid paid_at"))
		return
	}

	allocations, err := toAllocationInputs(req.Allocations)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.Create(c.Request.Context(), paymentdomain.CreatePaymentRequest{
		PatientID:     *patientID,
		Amount:        req.Amount,
		Method:        paymentdomain.Method(strings.ToUpper(strings.TrimSpace(req.PaymentMethod))),
		PaidAt:        paidAt,
		ReferenceCode: strings.TrimSpace(req.ReferenceCode),
		Notes:         strings.TrimSpace(req.Notes),
		Allocations:   allocations,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": payment})
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) ListPaymentAllocations(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	allocations, err := s.paymentSvc.ListAllocations(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": allocations})
}

func (s *Server) GetPaymentReceipt(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	body, err := s.paymentSvc.Receipt(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="receipt-%s.pdf"`, id))
	c.Data(http.StatusOK, "application/pdf", body)
}

func (s *Server) AllocatePayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req allocatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	allocations, err := toAllocationInputs(req.Allocations)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.Allocate(c.Request.Context(), id, allocations)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) RefundPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req refundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.Refund(c.Request.Context(), id, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) VoidPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.Void(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) GetPaymentsSummary(c *gin.Context) {
	from, to, ok := dateRangeQuery(c)
	if !ok {
		return
	}

	summary, err := s.paymentSvc.Summary(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListPatientPayments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	payments, err := s.paymentSvc.ListByPatient(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payments})
}

func toAllocationInputs(in []allocationRequest) ([]paymentdomain.AllocationInput, error) {
	out := make([]paymentdomain.AllocationInput, 0, len(in))
	for i, item := range in {
		sessionID, err := snowflake.ParseString(strings.TrimSpace(item.SessionID))
		if err != nil || sessionID == 0 {
			field := fmt.Sprintf("allocations[%d].session_id", i)
			return nil, newValidationError(field, "invalid_session_id", "invalid session_id")
		}
		out = append(out, paymentdomain.AllocationInput{
			SessionID: sessionID,
			Amount:    item.Amount,
		})
	}
	return out, nil
}
