package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/position"
)

type vaultKey struct {
	marketToken string
	token       string
}

// Memory keeps everything in maps. Safe for concurrent readers and
// writers; the executor layer still serializes actions per market.
type Memory struct {
	mu sync.RWMutex

	markets   map[string]*market.Market
	positions map[PositionKey]*position.Position
	glvs      map[string]*glv.Glv
	vault     map[vaultKey]*uint256.Int
	actions   map[uuid.UUID]*ActionRecord
}

func NewMemory() *Memory {
	return &Memory{
		markets:   make(map[string]*market.Market),
		positions: make(map[PositionKey]*position.Position),
		glvs:      make(map[string]*glv.Glv),
		vault:     make(map[vaultKey]*uint256.Int),
		actions:   make(map[uuid.UUID]*ActionRecord),
	}
}

func (s *Memory) Market(marketToken string) (*market.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[marketToken]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", marketToken, errs.ErrNotFound)
	}
	return m, nil
}

func (s *Memory) PutMarket(m *market.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.MarketToken] = m
}

// Markets returns all markets ordered by market token.
func (s *Memory) Markets() []*market.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketsLocked()
}

// marketsLocked assumes the caller holds at least a read lock.
func (s *Memory) marketsLocked() []*market.Market {
	out := make([]*market.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketToken < out[j].MarketToken })
	return out
}

func (s *Memory) positionsLocked() []*position.Position {
	out := make([]*position.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MarketToken != b.MarketToken {
			return a.MarketToken < b.MarketToken
		}
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.CollateralToken != b.CollateralToken {
			return a.CollateralToken < b.CollateralToken
		}
		return a.IsLong && !b.IsLong
	})
	return out
}

func (s *Memory) vaultLocked() []VaultBalanceSnap {
	out := make([]VaultBalanceSnap, 0, len(s.vault))
	for k, b := range s.vault {
		out = append(out, VaultBalanceSnap{MarketToken: k.marketToken, Token: k.token, Amount: b.Dec()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketToken != out[j].MarketToken {
			return out[i].MarketToken < out[j].MarketToken
		}
		return out[i].Token < out[j].Token
	})
	return out
}

func (s *Memory) Glv(glvToken string) (*glv.Glv, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.glvs[glvToken]
	if !ok {
		return nil, fmt.Errorf("glv %s: %w", glvToken, errs.ErrNotFound)
	}
	return g, nil
}

func (s *Memory) PutGlv(g *glv.Glv) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glvs[g.GlvToken] = g
}

// Glvs returns all vaults ordered by GLV token.
func (s *Memory) Glvs() []*glv.Glv {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.glvsLocked()
}

func (s *Memory) glvsLocked() []*glv.Glv {
	out := make([]*glv.Glv, 0, len(s.glvs))
	for _, g := range s.glvs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlvToken < out[j].GlvToken })
	return out
}

func (s *Memory) Position(key PositionKey) (*position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", key.Owner, key.MarketToken, errs.ErrNotFound)
	}
	return p, nil
}

func (s *Memory) PutPosition(p *position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[KeyOf(p)] = p
}

func (s *Memory) RemovePosition(key PositionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, key)
}

// PositionsByMarket returns the market's positions ordered by owner,
// then collateral token, longs before shorts.
func (s *Memory) PositionsByMarket(marketToken string) []*position.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*position.Position, 0)
	for k, p := range s.positions {
		if k.MarketToken == marketToken {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.CollateralToken != b.CollateralToken {
			return a.CollateralToken < b.CollateralToken
		}
		return a.IsLong && !b.IsLong
	})
	return out
}

func (s *Memory) VaultBalance(marketToken, token string) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.vault[vaultKey{marketToken, token}]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func (s *Memory) AddVaultBalance(marketToken, token string, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := vaultKey{marketToken, token}
	b, ok := s.vault[k]
	if !ok {
		b = new(uint256.Int)
		s.vault[k] = b
	}
	b.Add(b, amount)
}

func (s *Memory) SubVaultBalance(marketToken, token string, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := vaultKey{marketToken, token}
	b, ok := s.vault[k]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("vault %s/%s: %w", marketToken, token, errs.ErrNotEnoughTokenAmount)
	}
	b.Sub(b, amount)
	return nil
}

func (s *Memory) SaveAction(rec *ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[rec.ID] = rec
}

func (s *Memory) Action(id uuid.UUID) (*ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, errs.ErrNotFound)
	}
	return rec, nil
}
