package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmeticIsExact(t *testing.T) {
	a := MustParse("0.10")
	b := MustParse("0.20")

	assert.True(t, a.Add(b).Equal(MustParse("0.30")))
	assert.True(t, MustParse("50000").Sub(MustParse("20000")).Equal(FromInt(30000)))
	assert.Equal(t, "300.00", Sum(FromInt(100), FromInt(200)).String())
	assert.True(t, FromMinor(12345).Equal(MustParse("123.45")))
}

func TestComparisons(t *testing.T) {
	ten := FromInt(10)
	eleven := FromInt(11)

	assert.True(t, ten.LessThan(eleven))
	assert.True(t, ten.LessThanOrEqual(FromInt(10)))
	assert.True(t, eleven.GreaterThan(ten))
	assert.Equal(t, -1, ten.Cmp(eleven))
	assert.True(t, Zero().IsZero())
	assert.True(t, ten.IsPositive())
	assert.True(t, ten.Neg().IsNegative())
	assert.True(t, ten.Neg().Abs().Equal(ten))
	assert.True(t, Min(ten, eleven).Equal(ten))
}

func TestClampZero(t *testing.T) {
	clamped, faulted := FromInt(-5).ClampZero()
	assert.True(t, faulted)
	assert.True(t, clamped.IsZero())

	kept, faulted := FromInt(5).ClampZero()
	assert.False(t, faulted)
	assert.True(t, kept.Equal(FromInt(5)))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("12,5x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseRoundsToScale(t *testing.T) {
	assert.Equal(t, "10.13", MustParse("10.125").String())
}

func TestJSONAcceptsStringAndNumber(t *testing.T) {
	var payload struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"280.50","b":30000}`), &payload))
	assert.True(t, payload.A.Equal(MustParse("280.5")))
	assert.True(t, payload.B.Equal(FromInt(30000)))

	out, err := json.Marshal(payload.A)
	require.NoError(t, err)
	assert.Equal(t, `"280.50"`, string(out))
}

func TestScanFromDatabaseTypes(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan(int64(30000)))
	assert.True(t, a.Equal(FromInt(30000)))

	require.NoError(t, a.Scan([]byte("12.30")))
	assert.True(t, a.Equal(MustParse("12.3")))

	require.NoError(t, a.Scan("7"))
	assert.True(t, a.Equal(FromInt(7)))

	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())

	v, err := FromInt(5).Value()
	require.NoError(t, err)
	assert.Equal(t, "5.00", v)
}
