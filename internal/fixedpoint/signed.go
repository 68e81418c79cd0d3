package fixedpoint

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
)

// Signed is a sign-and-magnitude i128 value. The zero value is zero.
// Conversions between Signed and unsigned amounts fail loudly instead of
// wrapping.
type Signed struct {
	abs *uint256.Int
	neg bool
}

// NewSigned builds a signed value from a magnitude and a sign. Zero is
// normalized to non-negative. The magnitude is cloned.
func NewSigned(abs *uint256.Int, negative bool) Signed {
	if abs == nil || abs.IsZero() {
		return Signed{abs: new(uint256.Int)}
	}
	return Signed{abs: abs.Clone(), neg: negative}
}

// SignedZero returns zero.
func SignedZero() Signed {
	return Signed{abs: new(uint256.Int)}
}

// Pos lifts an unsigned magnitude into a non-negative signed value.
func Pos(abs *uint256.Int) Signed {
	return NewSigned(abs, false)
}

// Neg lifts an unsigned magnitude into a non-positive signed value.
func Neg(abs *uint256.Int) Signed {
	return NewSigned(abs, true)
}

// SignedFromInt64 lifts a small constant, mostly for tests and defaults.
func SignedFromInt64(v int64) Signed {
	if v < 0 {
		return NewSigned(uint256.NewInt(uint64(-v)), true)
	}
	return NewSigned(uint256.NewInt(uint64(v)), false)
}

// Abs returns a copy of the magnitude.
func (s Signed) Abs() *uint256.Int {
	if s.abs == nil {
		return new(uint256.Int)
	}
	return s.abs.Clone()
}

// IsZero reports s == 0.
func (s Signed) IsZero() bool {
	return s.abs == nil || s.abs.IsZero()
}

// IsNegative reports s < 0.
func (s Signed) IsNegative() bool {
	return s.neg && !s.IsZero()
}

// IsPositive reports s > 0.
func (s Signed) IsPositive() bool {
	return !s.neg && !s.IsZero()
}

// Negated returns -s.
func (s Signed) Negated() Signed {
	return NewSigned(s.Abs(), !s.IsNegative())
}

// Sign returns -1, 0 or 1.
func (s Signed) Sign() int {
	if s.IsZero() {
		return 0
	}
	if s.neg {
		return -1
	}
	return 1
}

// Add returns s+o with overflow checks on the magnitude.
func (s Signed) Add(o Signed) (Signed, error) {
	a, b := s.normalize(), o.normalize()
	if a.neg == b.neg {
		sum, err := Add(a.abs, b.abs)
		if err != nil {
			return Signed{}, err
		}
		return NewSigned(sum, a.neg), nil
	}
	// Opposite signs: subtract the smaller magnitude from the larger.
	if a.abs.Cmp(b.abs) >= 0 {
		diff := new(uint256.Int).Sub(a.abs, b.abs)
		return NewSigned(diff, a.neg), nil
	}
	diff := new(uint256.Int).Sub(b.abs, a.abs)
	return NewSigned(diff, b.neg), nil
}

// Sub returns s-o.
func (s Signed) Sub(o Signed) (Signed, error) {
	return s.Add(o.Negated())
}

// Cmp returns -1, 0 or 1 comparing s against o.
func (s Signed) Cmp(o Signed) int {
	a, b := s.normalize(), o.normalize()
	if a.IsZero() && b.IsZero() {
		return 0
	}
	if a.neg != b.neg {
		if a.neg && !a.IsZero() {
			return -1
		}
		if b.neg && !b.IsZero() {
			return 1
		}
	}
	c := a.abs.Cmp(b.abs)
	if a.neg && !a.IsZero() {
		return -c
	}
	return c
}

// ToUnsigned converts to an unsigned amount, failing on negative values.
func (s Signed) ToUnsigned() (*uint256.Int, error) {
	if s.IsNegative() {
		return nil, errs.ErrConversion
	}
	return s.Abs(), nil
}

func (s Signed) String() string {
	if s.IsNegative() {
		return "-" + s.abs.Dec()
	}
	if s.abs == nil {
		return "0"
	}
	return s.abs.Dec()
}

func (s Signed) normalize() Signed {
	if s.abs == nil {
		return Signed{abs: new(uint256.Int)}
	}
	return s
}

// ApplyDelta adds a signed delta to an unsigned base, guarding both
// underflow and u128 overflow.
func ApplyDelta(base *uint256.Int, delta Signed) (*uint256.Int, error) {
	d := delta.normalize()
	if d.IsNegative() {
		if base.Lt(d.abs) {
			return nil, errs.ErrComputation
		}
		return new(uint256.Int).Sub(base, d.abs), nil
	}
	return Add(base, d.abs)
}
