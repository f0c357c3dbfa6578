package pdf

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReceiptProducesPDF(t *testing.T) {
	r, err := New().GenerateReceipt(context.Background(), ReceiptData{
		ClinicName:      "Clinic",
		PatientName:     "Ana",
		ReferenceCode:   "PAY-01J0000000000000000000000",
		DatePaid:        "2026-03-10",
		Method:          "CARD_DEBIT",
		PaymentType:     "SINGLE_SESSION",
		Status:          "CONFIRMED",
		Amount:          "30000.00",
		AppliedAmount:   "30000.00",
		AvailableCredit: "0.00",
		RefundedAmount:  "0.00",
		Lines: []ReceiptLine{
			{Description: "Session 1", Date: "2026-03-10", Amount: "30000.00"},
		},
	})
	require.NoError(t, err)

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF")))
}

func TestGenerateReceiptRequiresReference(t *testing.T) {
	_, err := New().GenerateReceipt(context.Background(), ReceiptData{Amount: "1.00"})
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}
