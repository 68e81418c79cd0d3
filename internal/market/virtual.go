package market

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/pool"
)

// VirtualInventory is a long/short pair shared by several markets that
// reference the same underlying tokens. For swaps the sides hold token
// amounts; for positions they hold USD open interest. Deltas mirror the
// owning market's deltas, and optional per-side limits bound the pair.
type VirtualInventory struct {
	pool     *pool.Pool
	maxLong  *uint256.Int
	maxShort *uint256.Int

	// base is the pair as it was when this clone was taken; nil on the
	// shared canonical inventory. A commit folds current minus base
	// into the canonical pair, so two markets committing against the
	// same inventory each land their own contribution.
	base *pool.Pool
}

// NewVirtualInventory returns an empty unlimited inventory.
func NewVirtualInventory() *VirtualInventory {
	return &VirtualInventory{
		pool:     pool.New(),
		maxLong:  new(uint256.Int),
		maxShort: new(uint256.Int),
	}
}

// SetLimits installs per-side caps. A zero cap means unlimited.
func (v *VirtualInventory) SetLimits(maxLong, maxShort *uint256.Int) {
	v.maxLong = maxLong.Clone()
	v.maxShort = maxShort.Clone()
}

// Pool exposes the underlying pair for impact computations.
func (v *VirtualInventory) Pool() *pool.Pool {
	return v.pool
}

// ApplyDelta mirrors a market delta into the shared pair, failing when a
// configured limit would be breached.
func (v *VirtualInventory) ApplyDelta(isLong bool, delta fixedpoint.Signed) error {
	if err := v.pool.ApplyDelta(isLong, delta); err != nil {
		return err
	}
	limit := v.maxShort
	if isLong {
		limit = v.maxLong
	}
	if !limit.IsZero() && v.pool.Amount(isLong).Gt(limit) {
		return fmt.Errorf("virtual inventory limit breached: %w", errs.ErrInvalidArgument)
	}
	return nil
}

// Clone returns a deep copy, used when snapshotting. The copy remembers
// the pair at clone time so its commit can be applied as a delta.
func (v *VirtualInventory) Clone() *VirtualInventory {
	return &VirtualInventory{
		pool:     v.pool.Clone(),
		maxLong:  v.maxLong.Clone(),
		maxShort: v.maxShort.Clone(),
		base:     v.pool.Clone(),
	}
}

// CopyFrom folds o's net change since its snapshot into v. Inventories
// are shared between markets, so a commit applies each clone's
// contribution instead of overwriting the pair with absolute state.
func (v *VirtualInventory) CopyFrom(o *VirtualInventory) {
	v.maxLong = o.maxLong.Clone()
	v.maxShort = o.maxShort.Clone()
	if o.base == nil {
		v.pool = o.pool.Clone()
		return
	}
	long := foldSide(v.pool.LongAmount(), o.base.LongAmount(), o.pool.LongAmount())
	short := foldSide(v.pool.ShortAmount(), o.base.ShortAmount(), o.pool.ShortAmount())
	v.pool = pool.NewWithAmounts(long, short)
}

// foldSide applies cur minus base to canon, saturating at zero.
func foldSide(canon, base, cur *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if cur.Gt(base) {
		return out.Add(canon, out.Sub(cur, base))
	}
	diff := new(uint256.Int).Sub(base, cur)
	if diff.Gt(canon) {
		return out
	}
	return out.Sub(canon, diff)
}
