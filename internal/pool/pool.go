// Package pool implements the long/short amount pair every market-wide
// quantity is stored as, plus the price-impact primitive computed over it.
package pool

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/fixedpoint"
)

// Pool is an unsigned (long_amount, short_amount) pair. Deltas are signed
// and guarded against under/overflow.
type Pool struct {
	long  *uint256.Int
	short *uint256.Int
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{long: new(uint256.Int), short: new(uint256.Int)}
}

// NewWithAmounts builds a pool from explicit amounts, cloning both.
func NewWithAmounts(long, short *uint256.Int) *Pool {
	return &Pool{long: long.Clone(), short: short.Clone()}
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	return &Pool{long: p.long.Clone(), short: p.short.Clone()}
}

// LongAmount returns a copy of the long amount.
func (p *Pool) LongAmount() *uint256.Int {
	return p.long.Clone()
}

// ShortAmount returns a copy of the short amount.
func (p *Pool) ShortAmount() *uint256.Int {
	return p.short.Clone()
}

// Amount returns the side selected by isLong.
func (p *Pool) Amount(isLong bool) *uint256.Int {
	if isLong {
		return p.LongAmount()
	}
	return p.ShortAmount()
}

// ApplyDeltaToLongAmount signed-adds to the long side.
func (p *Pool) ApplyDeltaToLongAmount(delta fixedpoint.Signed) error {
	next, err := fixedpoint.ApplyDelta(p.long, delta)
	if err != nil {
		return err
	}
	p.long = next
	return nil
}

// ApplyDeltaToShortAmount signed-adds to the short side.
func (p *Pool) ApplyDeltaToShortAmount(delta fixedpoint.Signed) error {
	next, err := fixedpoint.ApplyDelta(p.short, delta)
	if err != nil {
		return err
	}
	p.short = next
	return nil
}

// ApplyDelta signed-adds to the side selected by isLong.
func (p *Pool) ApplyDelta(isLong bool, delta fixedpoint.Signed) error {
	if isLong {
		return p.ApplyDeltaToLongAmount(delta)
	}
	return p.ApplyDeltaToShortAmount(delta)
}

// LongUsdValue returns long_amount * price.
func (p *Pool) LongUsdValue(price *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.Mul(p.long, price)
}

// ShortUsdValue returns short_amount * price.
func (p *Pool) ShortUsdValue(price *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.Mul(p.short, price)
}

// Delta captures the USD view of a proposed pool mutation: the current side
// values, the proposed signed deltas, and the resulting side values.
type Delta struct {
	CurrentLongUsd  *uint256.Int
	CurrentShortUsd *uint256.Int
	DeltaLongUsd    fixedpoint.Signed
	DeltaShortUsd   fixedpoint.Signed
	NextLongUsd     *uint256.Int
	NextShortUsd    *uint256.Int
}

// DeltaWithValues values the pool at the given prices and applies the
// proposed USD deltas. A delta that would drive a side negative fails.
func (p *Pool) DeltaWithValues(
	deltaLongUsd, deltaShortUsd fixedpoint.Signed,
	priceLong, priceShort *uint256.Int,
) (Delta, error) {
	currentLong, err := p.LongUsdValue(priceLong)
	if err != nil {
		return Delta{}, err
	}
	currentShort, err := p.ShortUsdValue(priceShort)
	if err != nil {
		return Delta{}, err
	}
	nextLong, err := fixedpoint.ApplyDelta(currentLong, deltaLongUsd)
	if err != nil {
		return Delta{}, err
	}
	nextShort, err := fixedpoint.ApplyDelta(currentShort, deltaShortUsd)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		CurrentLongUsd:  currentLong,
		CurrentShortUsd: currentShort,
		DeltaLongUsd:    deltaLongUsd,
		DeltaShortUsd:   deltaShortUsd,
		NextLongUsd:     nextLong,
		NextShortUsd:    nextShort,
	}, nil
}
