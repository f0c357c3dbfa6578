package tracing

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsBlockedAndEmpty(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/payments/:id"),
		attribute.String("patient.name", "Jane"),
		attribute.String("request_id", " "),
		attribute.Int("http.status_code", 200),
	)
	assert.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
	assert.Equal(t, attribute.Key("http.status_code"), attrs[1].Key)
}

func TestSafeErrorTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	long := errors.New(strings.Repeat("x", 1000))
	assert.Len(t, SafeError(long).Error(), maxErrorMessage)
}

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "clinicpay.payment_id", resourceKey("/api/payments/:id/refund"))
	assert.Equal(t, "clinicpay.patient_id", resourceKey("/api/patients/:id/payments"))
	assert.Equal(t, "clinicpay.batch_id", resourceKey("/api/reconciliation/batches/:id/auto-match"))
	assert.Equal(t, "clinicpay.transaction_id", resourceKey("/api/reconciliation/transactions/:id/reconcile"))
	assert.Empty(t, resourceKey("/api/payments/summary"))
}

func TestErrorCode(t *testing.T) {
	sentinel := errors.New("allocation_exceeds_pending")
	assert.Equal(t, "allocation_exceeds_pending", errorCode(fmt.Errorf("allocate: %w", sentinel)))
	assert.Equal(t, "other", errorCode(errors.New("pq: deadlock detected")))
	assert.Empty(t, errorCode(nil))
}
