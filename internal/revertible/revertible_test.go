package revertible_test

import (
	"fmt"
	"testing"

	"github.com/holiman/uint256"

	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/pool"
	"PerpCore/internal/revertible"
)

func newMarket(token string) *market.Market {
	m := market.New(token, "IDX", "LONG", "SHORT", market.NewConfig())
	m.SetPool(market.PoolPrimary, pool.NewWithAmounts(fixedpoint.U64(1000), fixedpoint.U64(1000)))
	return m
}

// ============================================================================
// Test: Single-market snapshots
// ============================================================================

func TestRevertible_DropLeavesCanonicalUntouched(t *testing.T) {
	m := newMarket("MKT")
	snap := revertible.Snapshot(m)

	if err := snap.Working().Pool(market.PoolPrimary).ApplyDeltaToLongAmount(
		fixedpoint.Pos(fixedpoint.U64(500))); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	// No commit. The canonical market must not move.
	if got := m.Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("canonical pool = %s, want 1000", got.Dec())
	}
}

func TestRevertible_CommitWritesBack(t *testing.T) {
	m := newMarket("MKT")
	snap := revertible.Snapshot(m)

	if err := snap.Working().Pool(market.PoolPrimary).ApplyDeltaToLongAmount(
		fixedpoint.Pos(fixedpoint.U64(500))); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	snap.Working().SetMarketTokenSupply(fixedpoint.U64(42))
	if err := snap.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := m.Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(1500)) != 0 {
		t.Fatalf("canonical pool = %s, want 1500", got.Dec())
	}
	if got := m.MarketTokenSupply(); got.Cmp(fixedpoint.U64(42)) != 0 {
		t.Fatalf("supply = %s, want 42", got.Dec())
	}
}

func TestRevertible_CommitIsOnce(t *testing.T) {
	snap := revertible.Snapshot(newMarket("MKT"))
	if err := snap.Commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := snap.Commit(); err == nil {
		t.Fatal("second commit should fail")
	}
}

func TestRevertible_CommitWritesSharedInventoryThrough(t *testing.T) {
	m := newMarket("MKT")
	shared := market.NewVirtualInventory()
	m.VirtualInventoryForSwaps = shared

	other := newMarket("OTHER")
	other.VirtualInventoryForSwaps = shared

	snap := revertible.Snapshot(m)
	if err := snap.Working().VirtualInventoryForSwaps.ApplyDelta(
		true, fixedpoint.Pos(fixedpoint.U64(7))); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	// Shared inventory must not move before commit.
	if got := shared.Pool().LongAmount(); !got.IsZero() {
		t.Fatalf("shared inventory moved before commit: %s", got.Dec())
	}
	if err := snap.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := other.VirtualInventoryForSwaps.Pool().LongAmount(); got.Cmp(fixedpoint.U64(7)) != 0 {
		t.Fatalf("shared inventory = %s, want 7 via both markets", got.Dec())
	}
}

func TestRevertible_SharedInventoryAccumulatesAcrossMarkets(t *testing.T) {
	shared := market.NewVirtualInventory()
	markets := map[string]*market.Market{
		"A": newMarket("A"),
		"B": newMarket("B"),
	}
	markets["A"].VirtualInventoryForSwaps = shared
	markets["B"].VirtualInventoryForSwaps = shared

	set := revertible.NewMarketSet(func(token string) (*market.Market, error) {
		return markets[token], nil
	})

	for token, amount := range map[string]uint64{"A": 7, "B": 5} {
		w, err := set.Get(token)
		if err != nil {
			t.Fatalf("get %s: %v", token, err)
		}
		if err := w.VirtualInventoryForSwaps.ApplyDelta(
			true, fixedpoint.Pos(fixedpoint.U64(amount))); err != nil {
			t.Fatalf("apply delta via %s: %v", token, err)
		}
	}
	if err := set.CommitAll(); err != nil {
		t.Fatalf("commit all: %v", err)
	}
	// Both contributions must land; the second commit must not
	// overwrite the first.
	if got := shared.Pool().LongAmount(); got.Cmp(fixedpoint.U64(12)) != 0 {
		t.Fatalf("shared inventory = %s, want 12 via both markets", got.Dec())
	}
}

func TestRevertible_SharedInventoryNegativeDeltaFolds(t *testing.T) {
	shared := market.NewVirtualInventory()
	if err := shared.ApplyDelta(true, fixedpoint.Pos(fixedpoint.U64(20))); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	m := newMarket("MKT")
	m.VirtualInventoryForSwaps = shared

	snap := revertible.Snapshot(m)
	if err := snap.Working().VirtualInventoryForSwaps.ApplyDelta(
		true, fixedpoint.Neg(fixedpoint.U64(6))); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if err := snap.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := shared.Pool().LongAmount(); got.Cmp(fixedpoint.U64(14)) != 0 {
		t.Fatalf("shared inventory = %s, want 14", got.Dec())
	}
}

// ============================================================================
// Test: Lazy market sets
// ============================================================================

func TestRevertible_MarketSetSnapshotsLazily(t *testing.T) {
	markets := map[string]*market.Market{
		"A": newMarket("A"),
		"B": newMarket("B"),
	}
	set := revertible.NewMarketSet(func(token string) (*market.Market, error) {
		m, ok := markets[token]
		if !ok {
			return nil, fmt.Errorf("unknown market %s", token)
		}
		return m, nil
	})

	a1, err := set.Get("A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a2, err := set.Get("A")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if a1 != a2 {
		t.Fatal("repeated gets should return the same working copy")
	}
	if _, err := set.Get("missing"); err == nil {
		t.Fatal("unknown market should fail")
	}
	if got := set.Touched(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("touched = %v, want [A]", got)
	}
}

func TestRevertible_MarketSetCommitAll(t *testing.T) {
	markets := map[string]*market.Market{
		"A": newMarket("A"),
		"B": newMarket("B"),
	}
	set := revertible.NewMarketSet(func(token string) (*market.Market, error) {
		return markets[token], nil
	})

	for i, token := range []string{"A", "B"} {
		w, err := set.Get(token)
		if err != nil {
			t.Fatalf("get %s: %v", token, err)
		}
		delta := fixedpoint.Pos(new(uint256.Int).SetUint64(uint64(100 * (i + 1))))
		if err := w.Pool(market.PoolPrimary).ApplyDeltaToLongAmount(delta); err != nil {
			t.Fatalf("apply delta: %v", err)
		}
	}
	if err := set.CommitAll(); err != nil {
		t.Fatalf("commit all: %v", err)
	}
	if got := markets["A"].Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(1100)) != 0 {
		t.Fatalf("market A pool = %s, want 1100", got.Dec())
	}
	if got := markets["B"].Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(1200)) != 0 {
		t.Fatalf("market B pool = %s, want 1200", got.Dec())
	}
}
