// Package glv models grouped liquidity vaults: a GLV token is a
// fractional claim over the market tokens of several markets sharing
// one (long, short) collateral pair.
package glv

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
)

// MaxMarkets bounds the per-vault market map.
const MaxMarkets = 128

// MarketConfig is the per-market slot of a vault: the market-token
// balance it holds plus caps on that balance.
type MarketConfig struct {
	// MaxAmount caps Balance in market tokens, MaxValue caps its USD
	// value. Zero disables the cap.
	MaxAmount *uint256.Int
	MaxValue  *uint256.Int

	Balance *uint256.Int

	IsDepositAllowed bool
}

func (c *MarketConfig) clone() *MarketConfig {
	return &MarketConfig{
		MaxAmount:        c.MaxAmount.Clone(),
		MaxValue:         c.MaxValue.Clone(),
		Balance:          c.Balance.Clone(),
		IsDepositAllowed: c.IsDepositAllowed,
	}
}

// Glv is a grouped liquidity vault. Every member market must carry the
// vault's (LongToken, ShortToken) pair.
type Glv struct {
	GlvToken   string
	LongToken  string
	ShortToken string

	Supply *uint256.Int

	ShiftLastExecutedAt       int64
	ShiftMinIntervalSecs      int64
	ShiftMinValue             *uint256.Int
	ShiftMaxPriceImpactFactor *uint256.Int
	MinTokensForFirstDeposit  *uint256.Int

	markets map[string]*MarketConfig
}

func New(glvToken, longToken, shortToken string) *Glv {
	return &Glv{
		GlvToken:                  glvToken,
		LongToken:                 longToken,
		ShortToken:                shortToken,
		Supply:                    new(uint256.Int),
		ShiftMinValue:             new(uint256.Int),
		ShiftMaxPriceImpactFactor: new(uint256.Int),
		MinTokensForFirstDeposit:  new(uint256.Int),
		markets:                   make(map[string]*MarketConfig),
	}
}

func (g *Glv) Clone() *Glv {
	out := &Glv{
		GlvToken:                  g.GlvToken,
		LongToken:                 g.LongToken,
		ShortToken:                g.ShortToken,
		Supply:                    g.Supply.Clone(),
		ShiftLastExecutedAt:       g.ShiftLastExecutedAt,
		ShiftMinIntervalSecs:      g.ShiftMinIntervalSecs,
		ShiftMinValue:             g.ShiftMinValue.Clone(),
		ShiftMaxPriceImpactFactor: g.ShiftMaxPriceImpactFactor.Clone(),
		MinTokensForFirstDeposit:  g.MinTokensForFirstDeposit.Clone(),
		markets:                   make(map[string]*MarketConfig, len(g.markets)),
	}
	for token, cfg := range g.markets {
		out.markets[token] = cfg.clone()
	}
	return out
}

// AddMarket registers a member market. The market must carry the
// vault's collateral pair and the map is bounded by MaxMarkets.
func (g *Glv) AddMarket(m *market.Market, maxAmount, maxValue *uint256.Int) error {
	if m.LongToken != g.LongToken || m.ShortToken != g.ShortToken {
		return fmt.Errorf("market %s pair mismatch: %w", m.MarketToken, errs.ErrInvalidArgument)
	}
	if _, ok := g.markets[m.MarketToken]; ok {
		return fmt.Errorf("market %s already registered: %w", m.MarketToken, errs.ErrInvalidArgument)
	}
	if len(g.markets) >= MaxMarkets {
		return fmt.Errorf("vault holds %d markets: %w", MaxMarkets, errs.ErrInvalidArgument)
	}
	if maxAmount == nil {
		maxAmount = new(uint256.Int)
	}
	if maxValue == nil {
		maxValue = new(uint256.Int)
	}
	g.markets[m.MarketToken] = &MarketConfig{
		MaxAmount:        maxAmount.Clone(),
		MaxValue:         maxValue.Clone(),
		Balance:          new(uint256.Int),
		IsDepositAllowed: true,
	}
	return nil
}

// RestoreMarket installs a member slot verbatim. Used by state restore,
// which has no market object to validate against.
func (g *Glv) RestoreMarket(marketToken string, cfg *MarketConfig) {
	g.markets[marketToken] = cfg.clone()
}

// Config returns the member slot for marketToken.
func (g *Glv) Config(marketToken string) (*MarketConfig, error) {
	cfg, ok := g.markets[marketToken]
	if !ok {
		return nil, fmt.Errorf("glv %s has no market %s: %w", g.GlvToken, marketToken, errs.ErrNotFound)
	}
	return cfg, nil
}

// Balance returns the held market-token balance, zero for non-members.
func (g *Glv) Balance(marketToken string) *uint256.Int {
	if cfg, ok := g.markets[marketToken]; ok {
		return cfg.Balance.Clone()
	}
	return new(uint256.Int)
}

// MarketTokens lists member markets in stable order.
func (g *Glv) MarketTokens() []string {
	out := make([]string, 0, len(g.markets))
	for token := range g.markets {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// MarketLookup resolves a market token to its market. Backed by the
// store or by a revertible set during execution.
type MarketLookup func(marketToken string) (*market.Market, error)

// Value sums each member's balance valued against that market's pool
// value and supply. Empty slots contribute nothing.
func (g *Glv) Value(lookup MarketLookup, o *oracle.Oracle, kind market.PnlFactorKind, maximize bool) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, token := range g.MarketTokens() {
		cfg := g.markets[token]
		if cfg.Balance.IsZero() {
			continue
		}
		m, err := lookup(token)
		if err != nil {
			return nil, err
		}
		prices, err := m.Prices(o)
		if err != nil {
			return nil, err
		}
		poolValue, err := m.PoolValue(prices, kind, maximize)
		if err != nil {
			return nil, err
		}
		value, err := market.MarketTokenAmountToUsd(cfg.Balance, poolValue, m.MarketTokenSupply())
		if err != nil {
			return nil, err
		}
		total, err = fixedpoint.Add(total, value)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// ApplyBalanceDelta moves a member's balance.
func (g *Glv) ApplyBalanceDelta(marketToken string, delta fixedpoint.Signed) error {
	cfg, err := g.Config(marketToken)
	if err != nil {
		return err
	}
	next, err := fixedpoint.ApplyDelta(cfg.Balance, delta)
	if err != nil {
		return fmt.Errorf("glv balance %s: %w", marketToken, errs.ErrNotEnoughTokenAmount)
	}
	cfg.Balance = next
	return nil
}

// ValidateMarketBalance checks a member's balance against its caps,
// valuing it with the market's pool value and supply.
func (g *Glv) ValidateMarketBalance(marketToken string, poolValue fixedpoint.Signed, supply *uint256.Int) error {
	cfg, err := g.Config(marketToken)
	if err != nil {
		return err
	}
	if !cfg.MaxAmount.IsZero() && cfg.Balance.Gt(cfg.MaxAmount) {
		return fmt.Errorf("balance %s > %s for %s: %w",
			cfg.Balance.Dec(), cfg.MaxAmount.Dec(), marketToken, errs.ErrExceedMaxGlvMarketTokenBalanceAmount)
	}
	if cfg.MaxValue.IsZero() || cfg.Balance.IsZero() {
		return nil
	}
	value, err := market.MarketTokenAmountToUsd(cfg.Balance, poolValue, supply)
	if err != nil {
		return err
	}
	if value.Gt(cfg.MaxValue) {
		return fmt.Errorf("balance value %s > %s for %s: %w",
			value.Dec(), cfg.MaxValue.Dec(), marketToken, errs.ErrExceedMaxGlvMarketTokenBalanceValue)
	}
	return nil
}

// ValidateShiftInterval refuses a shift before the cooldown elapses.
func (g *Glv) ValidateShiftInterval(now int64) error {
	if g.ShiftMinIntervalSecs == 0 {
		return nil
	}
	if now < g.ShiftLastExecutedAt+g.ShiftMinIntervalSecs {
		return fmt.Errorf("next shift at %d: %w",
			g.ShiftLastExecutedAt+g.ShiftMinIntervalSecs, errs.ErrGlvShiftIntervalNotYetPassed)
	}
	return nil
}

// ValidateShiftValue requires the moved value to reach the floor.
func (g *Glv) ValidateShiftValue(fromValue *uint256.Int) error {
	if !g.ShiftMinValue.IsZero() && fromValue.Lt(g.ShiftMinValue) {
		return fmt.Errorf("shift value %s < %s: %w",
			fromValue.Dec(), g.ShiftMinValue.Dec(), errs.ErrGlvShiftMinValueNotReached)
	}
	return nil
}

// ValidateShiftImpact bounds the relative value lost in the move,
// |from - to| / from, by the configured factor.
func (g *Glv) ValidateShiftImpact(fromValue, toValue *uint256.Int) error {
	if g.ShiftMaxPriceImpactFactor.IsZero() {
		return nil
	}
	if fromValue.IsZero() {
		return fmt.Errorf("shift from zero value: %w", errs.ErrInvalidArgument)
	}
	diff := new(uint256.Int)
	if fromValue.Gt(toValue) {
		diff.Sub(fromValue, toValue)
	} else {
		diff.Sub(toValue, fromValue)
	}
	factor, err := fixedpoint.DivToFactorCeil(diff, fromValue)
	if err != nil {
		return err
	}
	if factor.Gt(g.ShiftMaxPriceImpactFactor) {
		return fmt.Errorf("shift impact %s > %s: %w",
			factor.Dec(), g.ShiftMaxPriceImpactFactor.Dec(), errs.ErrGlvShiftMaxPriceImpactExceeded)
	}
	return nil
}

// RecordShift stamps a successful shift.
func (g *Glv) RecordShift(now int64) {
	g.ShiftLastExecutedAt = now
}
