package oracle

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
)

// Feed is one validated token price at a point in time.
type Feed struct {
	Min       *uint256.Int // unit price, 10^20 base
	Max       *uint256.Int
	Timestamp int64 // seconds
	Slot      uint64
	Decimals  uint8
	RefPrice  *uint256.Int // optional reference price, nil when absent
}

// Oracle is an immutable map token -> validated feed for one execution.
type Oracle struct {
	feeds map[string]Feed
}

// New builds an oracle view over validated feeds.
func New(feeds map[string]Feed) *Oracle {
	copied := make(map[string]Feed, len(feeds))
	for token, f := range feeds {
		copied[token] = f
	}
	return &Oracle{feeds: copied}
}

// PrimaryPrice returns the (min, max) price of a token.
func (o *Oracle) PrimaryPrice(token string) (Price, error) {
	f, ok := o.feeds[token]
	if !ok {
		return Price{}, fmt.Errorf("price feed for %s: %w", token, errs.ErrNotFound)
	}
	return NewPrice(f.Min, f.Max)
}

// MarketPrices assembles the three picks a market needs.
func (o *Oracle) MarketPrices(indexToken, longToken, shortToken string) (Prices, error) {
	index, err := o.PrimaryPrice(indexToken)
	if err != nil {
		return Prices{}, err
	}
	long, err := o.PrimaryPrice(longToken)
	if err != nil {
		return Prices{}, err
	}
	short, err := o.PrimaryPrice(shortToken)
	if err != nil {
		return Prices{}, err
	}
	return Prices{Index: index, Long: long, Short: short}, nil
}

// MinTimestamp returns the oldest feed timestamp.
func (o *Oracle) MinTimestamp() (int64, error) {
	if len(o.feeds) == 0 {
		return 0, errs.ErrNotFound
	}
	var min int64
	first := true
	for _, f := range o.feeds {
		if first || f.Timestamp < min {
			min = f.Timestamp
			first = false
		}
	}
	return min, nil
}

// MaxTimestamp returns the newest feed timestamp.
func (o *Oracle) MaxTimestamp() (int64, error) {
	if len(o.feeds) == 0 {
		return 0, errs.ErrNotFound
	}
	var max int64
	first := true
	for _, f := range o.feeds {
		if first || f.Timestamp > max {
			max = f.Timestamp
			first = false
		}
	}
	return max, nil
}

// MinSlot returns the lowest feed slot.
func (o *Oracle) MinSlot() (uint64, error) {
	if len(o.feeds) == 0 {
		return 0, errs.ErrNotFound
	}
	var min uint64
	first := true
	for _, f := range o.feeds {
		if first || f.Slot < min {
			min = f.Slot
			first = false
		}
	}
	return min, nil
}

// TimeWindow declares the staleness contract an executor demands of the
// oracle for one action kind.
type TimeWindow struct {
	UpdatedAfter     int64 // oldest feed must be at or after this timestamp
	UpdatedBefore    int64 // newest feed must be at or before this timestamp; 0 disables
	UpdatedAfterSlot uint64
}

// ValidateTime enforces the staleness window. A newest feed beyond
// UpdatedBefore yields ErrOracleTimestampsAreLargerThanRequired (market
// kinds cancel on this); a feed older than UpdatedAfter or below
// UpdatedAfterSlot yields ErrOracleTimestampsAreSmallerThanRequired (fatal).
func (o *Oracle) ValidateTime(w TimeWindow) error {
	oldest, err := o.MinTimestamp()
	if err != nil {
		return err
	}
	newest, err := o.MaxTimestamp()
	if err != nil {
		return err
	}
	if oldest < w.UpdatedAfter {
		return fmt.Errorf("oldest feed %d before %d: %w",
			oldest, w.UpdatedAfter, errs.ErrOracleTimestampsAreSmallerThanRequired)
	}
	if w.UpdatedAfterSlot > 0 {
		slot, err := o.MinSlot()
		if err != nil {
			return err
		}
		if slot < w.UpdatedAfterSlot {
			return fmt.Errorf("feed slot %d before %d: %w",
				slot, w.UpdatedAfterSlot, errs.ErrOracleTimestampsAreSmallerThanRequired)
		}
	}
	if w.UpdatedBefore > 0 && newest > w.UpdatedBefore {
		return fmt.Errorf("newest feed %d after %d: %w",
			newest, w.UpdatedBefore, errs.ErrOracleTimestampsAreLargerThanRequired)
	}
	return nil
}
