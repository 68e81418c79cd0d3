// Package oracle exposes the validated price view the engine consumes.
// Feed ingestion and provider parsing happen upstream; the engine only ever
// sees (min, max, timestamp) unit prices keyed by token mint.
package oracle

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
)

// Price is a (min, max) pick of unit prices. A unit price is scaled so that
// token_amount * unit_price yields a value in the 10^20 USD base.
type Price struct {
	Min *uint256.Int
	Max *uint256.Int
}

// NewPrice builds a price, cloning both bounds.
func NewPrice(min, max *uint256.Int) (Price, error) {
	if min == nil || max == nil || min.IsZero() || max.IsZero() {
		return Price{}, errs.ErrInvalidArgument
	}
	if min.Gt(max) {
		return Price{}, errs.ErrInvalidArgument
	}
	return Price{Min: min.Clone(), Max: max.Clone()}, nil
}

// Pick returns the max bound when maximize is set, the min bound otherwise.
func (p Price) Pick(maximize bool) *uint256.Int {
	if maximize {
		return p.Max.Clone()
	}
	return p.Min.Clone()
}

// PickForPositiveImpact returns the price used when converting a positive
// USD impact to a token amount (min), or the negative rule (max).
func (p Price) PickForPositiveImpact(positive bool) *uint256.Int {
	if positive {
		return p.Min.Clone()
	}
	return p.Max.Clone()
}

// Mid returns (min+max)/2. Used only for reporting, never for settlement.
func (p Price) Mid() *uint256.Int {
	sum := new(uint256.Int).Add(p.Min, p.Max)
	return sum.Rsh(sum, 1)
}

// Prices bundles the three per-market price picks.
type Prices struct {
	Index Price
	Long  Price
	Short Price
}
