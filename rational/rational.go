// Package rational provides exact p/q arithmetic for beats and tick
// positions. Values are kept as math/big.Rat under the hood and never
// collapsed to floating point until the time resolver's final
// beats-to-seconds conversion.
package rational

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Rational is an exact, normalized fraction p/q with q > 0.
type Rational struct {
	r *big.Rat
}

// Zero is the additive identity.
var Zero = New(0, 1)

// New builds a normalized Rational. Panics if den is zero, matching
// math/big.Rat's own contract for degenerate denominators.
func New(num, den int64) Rational {
	if den == 0 {
		panic("rational: zero denominator")
	}
	return Rational{r: big.NewRat(num, den)}
}

// FromInt builds a whole-number Rational.
func FromInt(n int64) Rational {
	return New(n, 1)
}

func fromBig(r *big.Rat) Rational {
	return Rational{r: r}
}

// Num returns the normalized numerator.
func (r Rational) Num() int64 {
	if r.r == nil {
		return 0
	}
	return r.r.Num().Int64()
}

// Den returns the normalized denominator (always > 0).
func (r Rational) Den() int64 {
	if r.r == nil {
		return 1
	}
	return r.r.Denom().Int64()
}

func (r Rational) bigOrZero() *big.Rat {
	if r.r == nil {
		return new(big.Rat)
	}
	return r.r
}

// Add returns r + o.
func (r Rational) Add(o Rational) Rational {
	return fromBig(new(big.Rat).Add(r.bigOrZero(), o.bigOrZero()))
}

// Sub returns r - o.
func (r Rational) Sub(o Rational) Rational {
	return fromBig(new(big.Rat).Sub(r.bigOrZero(), o.bigOrZero()))
}

// Mul returns r * o.
func (r Rational) Mul(o Rational) Rational {
	return fromBig(new(big.Rat).Mul(r.bigOrZero(), o.bigOrZero()))
}

// Quo returns r / o. Panics on division by zero, mirroring big.Rat.
func (r Rational) Quo(o Rational) Rational {
	return fromBig(new(big.Rat).Quo(r.bigOrZero(), o.bigOrZero()))
}

// Neg returns -r.
func (r Rational) Neg() Rational {
	return fromBig(new(big.Rat).Neg(r.bigOrZero()))
}

// Abs returns |r|.
func (r Rational) Abs() Rational {
	return fromBig(new(big.Rat).Abs(r.bigOrZero()))
}

// Sign returns -1, 0 or 1.
func (r Rational) Sign() int {
	return r.bigOrZero().Sign()
}

// IsZero reports whether r == 0.
func (r Rational) IsZero() bool {
	return r.Sign() == 0
}

// Cmp compares r to o: -1, 0, 1.
func (r Rational) Cmp(o Rational) int {
	return r.bigOrZero().Cmp(o.bigOrZero())
}

// Less reports whether r < o.
func (r Rational) Less(o Rational) bool {
	return r.Cmp(o) < 0
}

// Float64 converts to a float64. The resolver calls it for the
// beats -> seconds conversion and to find a position's bar index;
// positions themselves stay exact.
func (r Rational) Float64() float64 {
	f, _ := r.bigOrZero().Float64()
	return f
}

// String renders as "p/q" in lowest terms (or "p" when q == 1).
func (r Rational) String() string {
	if r.Den() == 1 {
		return fmt.Sprintf("%d", r.Num())
	}
	return fmt.Sprintf("%d/%d", r.Num(), r.Den())
}

// Pair returns the normalized (numerator, denominator) pair, as used
// by ast/Event's tick fields.
func (r Rational) Pair() (int64, int64) {
	return r.Num(), r.Den()
}

// MarshalJSON renders r as a [num, den] pair, matching the
// (num, den) tick shape of the external event schema.
func (r Rational) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{r.Num(), r.Den()})
}

// UnmarshalJSON reads a [num, den] pair produced by MarshalJSON.
func (r *Rational) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[1] == 0 {
		pair[1] = 1
	}
	*r = New(pair[0], pair[1])
	return nil
}
