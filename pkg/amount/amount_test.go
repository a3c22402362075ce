package amount

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "1e5", "1.", ".5", "+1", "1,000", "abc", "0x10", " 1"} {
		_, err := Parse(in)
		if err == nil {
			t.Fatalf("expected %q to be rejected", in)
		}
		assert.True(t, errors.Is(err, errs.ErrBadInput), in)
	}
}

func TestArithmeticIsExact(t *testing.T) {
	a := MustParse("0.1")
	b := MustParse("0.2")
	assert.Equal(t, "0.3", a.Add(b).String())

	price := MustParse("0.001")
	assert.Equal(t, "1", price.MulInt(1000).String())
	assert.Equal(t, "-10.001", Zero().Sub(MustParse("10")).Sub(price).String())
	assert.Equal(t, "0.0003", price.Mul(MustParse("0.3")).String())
}

func TestSumAndCompare(t *testing.T) {
	total := Sum(MustParse("1.5"), MustParse("-0.5"), MustParse("2"))
	assert.Equal(t, "3", total.String())
	assert.True(t, MustParse("-1").IsNegative())
	assert.True(t, MustParse("0.00").IsZero())
	assert.True(t, MustParse("1").LessThan(MustParse("1.01")))
	assert.Equal(t, 0, MustParse("10").Cmp(MustParse("10.000")))
}

func TestScanAndValue(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan([]byte("12.50")))
	assert.Equal(t, "12.5", a.String())

	require.NoError(t, a.Scan("-3"))
	v, err := a.Value()
	require.NoError(t, err)
	assert.Equal(t, "-3", v)

	assert.Error(t, a.Scan("1e3"))
}

func TestJSONUsesStrings(t *testing.T) {
	b, err := json.Marshal(struct {
		Amount Amount `json:"amount"`
	}{MustParse("0.001")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"0.001"}`, string(b))

	var out struct {
		Amount Amount `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"42.0"}`), &out))
	assert.Equal(t, "42", out.Amount.String())

	assert.Error(t, json.Unmarshal([]byte(`{"amount":42.0}`), &out))
}
