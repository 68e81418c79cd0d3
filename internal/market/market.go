// Package market implements the market-state model: named pools, config
// factors, clocks, and the derived finance computations higher layers use.
package market

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/oracle"
	"PerpCore/internal/pool"
)

// PoolKind names one market-wide pool.
type PoolKind int

const (
	PoolPrimary PoolKind = iota
	PoolSwapImpact
	PoolPositionImpact // long side holds index-token amounts; short side unused
	PoolClaimableFee
	PoolClaimableFundingForLong
	PoolClaimableFundingForShort
	PoolCollateralSumForLong  // collateral held in long token, sides by position side
	PoolCollateralSumForShort // collateral held in short token, sides by position side
	PoolTotalBorrowing        // sides by position side, value units
	PoolBorrowingFactor       // cumulative borrowing factor, sides by position side
	PoolFundingFeePerSize     // cumulative payable per-size, sides by position side
	PoolClaimableFundingPerSizeForLong  // receivable per-size in long token, sides by position side
	PoolClaimableFundingPerSizeForShort // receivable per-size in short token, sides by position side
	PoolOpenInterestForLong       // USD open interest of longs, sides by collateral token
	PoolOpenInterestForShort      // USD open interest of shorts, sides by collateral token
	PoolOpenInterestInTokensForLong
	PoolOpenInterestInTokensForShort

	numPoolKinds
)

func (k PoolKind) String() string {
	switch k {
	case PoolPrimary:
		return "primary"
	case PoolSwapImpact:
		return "swap_impact"
	case PoolPositionImpact:
		return "position_impact"
	case PoolClaimableFee:
		return "claimable_fee"
	case PoolClaimableFundingForLong:
		return "claimable_funding_for_long"
	case PoolClaimableFundingForShort:
		return "claimable_funding_for_short"
	case PoolCollateralSumForLong:
		return "collateral_sum_for_long"
	case PoolCollateralSumForShort:
		return "collateral_sum_for_short"
	case PoolTotalBorrowing:
		return "total_borrowing"
	case PoolBorrowingFactor:
		return "borrowing_factor"
	case PoolFundingFeePerSize:
		return "funding_fee_per_size"
	case PoolClaimableFundingPerSizeForLong:
		return "claimable_funding_per_size_for_long"
	case PoolClaimableFundingPerSizeForShort:
		return "claimable_funding_per_size_for_short"
	case PoolOpenInterestForLong:
		return "open_interest_for_long"
	case PoolOpenInterestForShort:
		return "open_interest_for_short"
	case PoolOpenInterestInTokensForLong:
		return "open_interest_in_tokens_for_long"
	case PoolOpenInterestInTokensForShort:
		return "open_interest_in_tokens_for_short"
	default:
		return "unknown"
	}
}

// PoolKinds lists every pool kind in declaration order.
func PoolKinds() []PoolKind {
	kinds := make([]PoolKind, 0, numPoolKinds)
	for k := PoolKind(0); k < numPoolKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ActionKind indexes the per-market monotonic id counters.
type ActionKind int

const (
	ActionDeposit ActionKind = iota
	ActionWithdrawal
	ActionOrder
	ActionShift
	ActionGlvDeposit
	ActionGlvWithdrawal
	ActionGlvShift

	numActionKinds
)

// Indexer assigns monotonic per-market ids per action kind.
type Indexer struct {
	next [numActionKinds]uint64
}

// Next returns the next id for the kind and advances the counter.
func (ix *Indexer) Next(kind ActionKind) uint64 {
	id := ix.next[kind]
	ix.next[kind]++
	return id
}

// Counters returns a copy of the per-kind counters, indexed by ActionKind.
func (ix *Indexer) Counters() []uint64 {
	out := make([]uint64, numActionKinds)
	copy(out, ix.next[:])
	return out
}

// SetCounters restores counters previously obtained from Counters.
func (ix *Indexer) SetCounters(counters []uint64) {
	for k := 0; k < len(ix.next) && k < len(counters); k++ {
		ix.next[k] = counters[k]
	}
}

// Market is the canonical state of one market. Pure-swap markets have
// IndexToken == LongToken.
type Market struct {
	MarketToken string
	IndexToken  string
	LongToken   string
	ShortToken  string

	pools  [numPoolKinds]*pool.Pool
	config *Config

	// Market token mint supply as last observed by the host.
	marketTokenSupply *uint256.Int

	// Clocks, seconds.
	BorrowingUpdatedAt          int64
	FundingUpdatedAt            int64
	PositionImpactDistributedAt int64

	// Current funding factor per second; positive means longs pay shorts.
	fundingFactorPerSecond fixedpoint.Signed

	Indexer Indexer

	// Optional shared virtual inventories.
	VirtualInventoryForSwaps     *VirtualInventory
	VirtualInventoryForPositions *VirtualInventory
}

// New creates an empty market.
func New(marketToken, indexToken, longToken, shortToken string, config *Config) *Market {
	m := &Market{
		MarketToken:       marketToken,
		IndexToken:        indexToken,
		LongToken:         longToken,
		ShortToken:        shortToken,
		config:            config,
		marketTokenSupply: new(uint256.Int),
	}
	for k := range m.pools {
		m.pools[k] = pool.New()
	}
	return m
}

// Clone returns a deep copy. Attached virtual inventories are cloned too,
// so mutations on the copy stay invisible until written back.
func (m *Market) Clone() *Market {
	c := &Market{
		MarketToken:                 m.MarketToken,
		IndexToken:                  m.IndexToken,
		LongToken:                   m.LongToken,
		ShortToken:                  m.ShortToken,
		config:                      m.config.Clone(),
		marketTokenSupply:           m.marketTokenSupply.Clone(),
		BorrowingUpdatedAt:          m.BorrowingUpdatedAt,
		FundingUpdatedAt:            m.FundingUpdatedAt,
		PositionImpactDistributedAt: m.PositionImpactDistributedAt,
		fundingFactorPerSecond:      m.fundingFactorPerSecond,
		Indexer:                     m.Indexer,
	}
	for k := range m.pools {
		c.pools[k] = m.pools[k].Clone()
	}
	if m.VirtualInventoryForSwaps != nil {
		c.VirtualInventoryForSwaps = m.VirtualInventoryForSwaps.Clone()
	}
	if m.VirtualInventoryForPositions != nil {
		c.VirtualInventoryForPositions = m.VirtualInventoryForPositions.Clone()
	}
	return c
}

// CopyFrom overwrites m's mutable state with o's. Virtual inventories are
// written through m's existing pointers, which other markets may share.
func (m *Market) CopyFrom(o *Market) {
	for k := range m.pools {
		m.pools[k] = o.pools[k].Clone()
	}
	m.config = o.config.Clone()
	m.marketTokenSupply = o.marketTokenSupply.Clone()
	m.BorrowingUpdatedAt = o.BorrowingUpdatedAt
	m.FundingUpdatedAt = o.FundingUpdatedAt
	m.PositionImpactDistributedAt = o.PositionImpactDistributedAt
	m.fundingFactorPerSecond = o.fundingFactorPerSecond
	m.Indexer = o.Indexer
	if m.VirtualInventoryForSwaps != nil && o.VirtualInventoryForSwaps != nil {
		m.VirtualInventoryForSwaps.CopyFrom(o.VirtualInventoryForSwaps)
	}
	if m.VirtualInventoryForPositions != nil && o.VirtualInventoryForPositions != nil {
		m.VirtualInventoryForPositions.CopyFrom(o.VirtualInventoryForPositions)
	}
}

// IsPureSwapMarket reports whether the market only supports swaps.
func (m *Market) IsPureSwapMarket() bool {
	return m.IndexToken == m.LongToken
}

// Config returns the live config view.
func (m *Market) Config() *Config {
	return m.config
}

// Pool returns the live pool for a kind. Mutations must go through a
// revertible snapshot; direct access is for reads and commit only.
func (m *Market) Pool(kind PoolKind) *pool.Pool {
	return m.pools[kind]
}

// SetPool replaces a pool wholesale. Used by snapshot commit.
func (m *Market) SetPool(kind PoolKind, p *pool.Pool) {
	m.pools[kind] = p
}

// MarketTokenSupply returns the observed mint supply.
func (m *Market) MarketTokenSupply() *uint256.Int {
	return m.marketTokenSupply.Clone()
}

// SetMarketTokenSupply records a new observed mint supply.
func (m *Market) SetMarketTokenSupply(supply *uint256.Int) {
	m.marketTokenSupply = supply.Clone()
}

// FundingFactorPerSecond returns the current signed funding factor.
func (m *Market) FundingFactorPerSecond() fixedpoint.Signed {
	return m.fundingFactorPerSecond
}

// SetFundingFactorPerSecond stores the signed funding factor.
func (m *Market) SetFundingFactorPerSecond(f fixedpoint.Signed) {
	m.fundingFactorPerSecond = f
}

// IsCollateralToken reports whether token is one of the two pool tokens.
func (m *Market) IsCollateralToken(token string) bool {
	return token == m.LongToken || token == m.ShortToken
}

// IsLongToken resolves which side a collateral token belongs to.
func (m *Market) IsLongToken(token string) (bool, error) {
	switch token {
	case m.LongToken:
		return true, nil
	case m.ShortToken:
		return false, nil
	default:
		return false, fmt.Errorf("token %s is not a collateral token of %s: %w",
			token, m.MarketToken, errs.ErrInvalidArgument)
	}
}

// Prices fetches the market's price triple from the oracle.
func (m *Market) Prices(o *oracle.Oracle) (oracle.Prices, error) {
	return o.MarketPrices(m.IndexToken, m.LongToken, m.ShortToken)
}

// OpenInterestValue sums a side's USD open interest across collateral tokens.
func (m *Market) OpenInterestValue(isLong bool) (*uint256.Int, error) {
	p := m.pools[PoolOpenInterestForLong]
	if !isLong {
		p = m.pools[PoolOpenInterestForShort]
	}
	return fixedpoint.Add(p.LongAmount(), p.ShortAmount())
}

// OpenInterestInTokens sums a side's open interest in index tokens.
func (m *Market) OpenInterestInTokens(isLong bool) (*uint256.Int, error) {
	p := m.pools[PoolOpenInterestInTokensForLong]
	if !isLong {
		p = m.pools[PoolOpenInterestInTokensForShort]
	}
	return fixedpoint.Add(p.LongAmount(), p.ShortAmount())
}

// CollateralSum sums the collateral amounts held in the given token side
// across both position sides.
func (m *Market) CollateralSum(isLongToken bool) (*uint256.Int, error) {
	p := m.pools[PoolCollateralSumForLong]
	if !isLongToken {
		p = m.pools[PoolCollateralSumForShort]
	}
	return fixedpoint.Add(p.LongAmount(), p.ShortAmount())
}
