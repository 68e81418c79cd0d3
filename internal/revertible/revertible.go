// Package revertible provides copy-on-write snapshots over market state.
// Executors mutate a working copy and commit it only after every check
// passed; dropping a snapshot leaves the canonical state untouched.
package revertible

import (
	"fmt"

	"PerpCore/internal/errs"
	"PerpCore/internal/market"
)

// Market pairs a canonical market with a deep working copy.
type Market struct {
	canonical *market.Market
	working   *market.Market
	committed bool
}

// Snapshot starts a revertible view over m.
func Snapshot(m *market.Market) *Market {
	return &Market{
		canonical: m,
		working:   m.Clone(),
	}
}

// Working returns the mutable copy. All model operations run against it.
func (r *Market) Working() *market.Market {
	return r.working
}

// Canonical returns the underlying market. Read-only until commit.
func (r *Market) Canonical() *market.Market {
	return r.canonical
}

// Commit writes the working state back into the canonical market. A
// snapshot commits at most once.
func (r *Market) Commit() error {
	if r.committed {
		return fmt.Errorf("snapshot already committed: %w", errs.ErrInvalidArgument)
	}
	r.canonical.CopyFrom(r.working)
	r.committed = true
	return nil
}

// MarketSet snapshots markets lazily by market token, so a multi-market
// action (a swap path, a GLV operation) commits all touched markets
// atomically or none of them.
type MarketSet struct {
	lookup    func(marketToken string) (*market.Market, error)
	snapshots map[string]*Market
	order     []string
}

// NewMarketSet builds a lazy snapshot set over a market lookup.
func NewMarketSet(lookup func(marketToken string) (*market.Market, error)) *MarketSet {
	return &MarketSet{
		lookup:    lookup,
		snapshots: make(map[string]*Market),
	}
}

// Get returns the working copy for a market token, snapshotting it on
// first use.
func (s *MarketSet) Get(marketToken string) (*market.Market, error) {
	if snap, ok := s.snapshots[marketToken]; ok {
		return snap.Working(), nil
	}
	m, err := s.lookup(marketToken)
	if err != nil {
		return nil, err
	}
	snap := Snapshot(m)
	s.snapshots[marketToken] = snap
	s.order = append(s.order, marketToken)
	return snap.Working(), nil
}

// Touched lists the snapshotted market tokens in first-use order.
func (s *MarketSet) Touched() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// CommitAll writes every snapshot back in first-use order.
func (s *MarketSet) CommitAll() error {
	for _, token := range s.order {
		if err := s.snapshots[token].Commit(); err != nil {
			return err
		}
	}
	return nil
}
