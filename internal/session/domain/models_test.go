package domain

import (
	"testing"

	"github.com/smallbiznis/clinicpay/pkg/money"
	"github.com/stretchr/testify/assert"
)

func TestComputeStatus(t *testing.T) {
	price := money.FromInt(30000)
	cases := []struct {
		paid money.Amount
		want PaymentStatus
	}{
		{money.Zero(), PaymentStatusUnpaid},
		{money.MustParse("0.01"), PaymentStatusPartial},
		{money.FromInt(29999), PaymentStatusPartial},
		{money.FromInt(30000), PaymentStatusPaid},
		{money.FromInt(30001), PaymentStatusPaid},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ComputeStatus(tc.paid, price), tc.paid.String())
	}
}

func TestComputeStatusFreeSessionIsPaid(t *testing.T) {
	assert.Equal(t, PaymentStatusPaid, ComputeStatus(money.Zero(), money.Zero()))
}

func TestSessionPendingAmountNeverNegative(t *testing.T) {
	s := Session{FinalPrice: money.FromInt(100), PaidAmount: money.FromInt(150)}
	assert.True(t, s.PendingAmount().IsZero())

	s.PaidAmount = money.FromInt(40)
	assert.True(t, s.PendingAmount().Equal(money.FromInt(60)))
}
