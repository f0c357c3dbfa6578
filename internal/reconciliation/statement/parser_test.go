package statement

import (
	"bytes"
	"testing"
	"time"

	"github.com/smallbiznis/clinicpay/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, rows [][]any) *bytes.Buffer {
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
	return buf
}

func TestParseSettlementSheet(t *testing.T) {
	buf := workbook(t, [][]any{
		{"Clinic settlement report"},
		{},
		{"Fecha Venta", "Tipo Tarjeta", "Monto", "Codigo Autorizacion", "Cuotas"},
		{"10/03/2026", "Debito", "30.000", "A1B2C3", "0"},
		{"2026-03-11", "Credito", 28000, "ZZ9", "3"},
		{},
		{"12/03/2026", "Credito", "1.234,56", "Q1", "1"},
	})

	got, err := Parse(buf)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), got[0].TransactionDate)
	assert.True(t, got[0].Amount.Equal(money.FromInt(30000)), got[0].Amount.String())
	assert.Equal(t, "Debito", got[0].CardType)
	assert.Equal(t, "A1B2C3", got[0].AuthorizationCode)
	assert.Equal(t, "0", got[0].Raw["Cuotas"])

	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), got[1].TransactionDate)
	assert.True(t, got[1].Amount.Equal(money.FromInt(28000)))

	assert.True(t, got[2].Amount.Equal(money.MustParse("1234.56")))
}

func TestParseReportsRowOfBadCell(t *testing.T) {
	buf := workbook(t, [][]any{
		{"Date", "Amount"},
		{"10/03/2026", "100"},
		{"not a date", "100"},
	})

	_, err := Parse(buf)
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 3, rowErr.Row)
	assert.Equal(t, colDate, rowErr.Column)
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestParseRequiresHeader(t *testing.T) {
	buf := workbook(t, [][]any{{"foo", "bar"}, {"1", "2"}})
	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrHeaderNotFound)
}

func TestParseDateFormats(t *testing.T) {
	want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"10/03/2026", "2026-03-10", "10-03-2026", "46091"} {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDate("")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestParseAmountSeparators(t *testing.T) {
	cases := map[string]string{
		"30000":     "30000",
		"30.000":    "30000",
		"30,000":    "30000",
		"1.234.567": "1234567",
		"280.50":    "280.50",
		"280,5":     "280.50",
		"30,000.50": "30000.50",
		"1.234,56":  "1234.56",
		"$ 15.990":  "15990",
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(money.MustParse(want)), "%s -> %s", in, got)
	}

	_, err := ParseAmount("abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
