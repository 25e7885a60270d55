package rational_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RikaKagurasaka/symi/rational"
)

func TestArithmeticNormalizes(t *testing.T) {
	a := rational.New(1, 3)
	b := rational.New(1, 6)

	sum := a.Add(b)
	assert.Equal(t, int64(1), sum.Num())
	assert.Equal(t, int64(2), sum.Den())

	assert.Equal(t, "1/2", sum.String())
}

func TestMulAndQuo(t *testing.T) {
	a := rational.New(2, 3)
	b := rational.New(3, 4)

	assert.Equal(t, rational.New(1, 2), a.Mul(b))
	assert.Equal(t, rational.New(8, 9), a.Quo(b))
}

func TestWholeNumberStringHasNoSlash(t *testing.T) {
	assert.Equal(t, "4", rational.FromInt(4).String())
}

func TestCmpAndLess(t *testing.T) {
	a := rational.New(1, 3)
	b := rational.New(1, 2)

	assert.True(t, a.Less(b))
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 0, a.Cmp(rational.New(2, 6)))
}

func TestZeroAndSign(t *testing.T) {
	assert.True(t, rational.Zero.IsZero())
	assert.Equal(t, 0, rational.Zero.Sign())
	assert.Equal(t, 1, rational.New(1, 4).Sign())
	assert.Equal(t, -1, rational.New(-1, 4).Sign())
}

func TestNegAndAbs(t *testing.T) {
	a := rational.New(-3, 4)
	assert.Equal(t, rational.New(3, 4), a.Abs())
	assert.Equal(t, rational.New(3, 4), a.Neg())
}

func TestFloat64Conversion(t *testing.T) {
	a := rational.New(1, 4)
	assert.InDelta(t, 0.25, a.Float64(), 1e-12)
}

func TestPairReturnsNormalizedForm(t *testing.T) {
	num, den := rational.New(4, 8).Pair()
	require.Equal(t, int64(1), num)
	require.Equal(t, int64(2), den)
}

func TestNewPanicsOnZeroDenominator(t *testing.T) {
	assert.Panics(t, func() {
		rational.New(1, 0)
	})
}

func TestMarshalJSONEmitsNumDenPair(t *testing.T) {
	data, err := json.Marshal(rational.New(3, 4))
	require.NoError(t, err)
	assert.JSONEq(t, "[3,4]", string(data))
}

func TestUnmarshalJSONRoundTrips(t *testing.T) {
	var r rational.Rational
	require.NoError(t, json.Unmarshal([]byte("[3,4]"), &r))
	assert.Equal(t, rational.New(3, 4), r)
}

func TestMarshalJSONInsideStruct(t *testing.T) {
	type wrapper struct {
		Tick rational.Rational `json:"tick"`
	}
	data, err := json.Marshal(wrapper{Tick: rational.New(1, 2)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tick":[1,2]}`, string(data))
}
