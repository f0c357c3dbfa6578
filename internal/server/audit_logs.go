package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	Action     string `form:"action"`
	ActorType  string `form:"actor_type"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	From       string `form:"from"`
	To         string `form:"to"`

	// Shortcuts for the usual questions about one record.
	PaymentID     string `form:"payment_id"`
	BatchID       string `form:"batch_id"`
	TransactionID string `form:"transaction_id"`
}

// target resolves the shortcut ids into a target filter. At most one of
// target_id and the shortcuts may be given.
func (q listAuditLogsQuery) target() (string, string, bool) {
	targetType := strings.TrimSpace(q.TargetType)
	targetID := strings.TrimSpace(q.TargetID)

	shortcuts := []struct {
		targetType string
		id         string
	}{
		{"payment", strings.TrimSpace(q.PaymentID)},
		{"import_batch", strings.TrimSpace(q.BatchID)},
		{"imported_transaction", strings.TrimSpace(q.TransactionID)},
	}
	for _, shortcut := range shortcuts {
		if shortcut.id == "" {
			continue
		}
		if targetID != "" {
			return "", "", false
		}
		targetType, targetID = shortcut.targetType, shortcut.id
	}
	return targetType, targetID, true
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	targetType, targetID, ok := query.target()
	if !ok {
		AbortWithError(c, newValidationError("target_id", "ambiguous_target", "give one of target_id, payment_id, batch_id or transaction_id"))
		return
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "from must be a date (YYYY-MM-DD) or RFC3339 time"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "to must be a date (YYYY-MM-DD) or RFC3339 time"))
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Action:     strings.TrimSpace(query.Action),
		ActorType:  strings.ToLower(strings.TrimSpace(query.ActorType)),
		TargetType: targetType,
		TargetID:   targetID,
		From:       from,
		To:         to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
