package store

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/pool"
	"PerpCore/internal/position"
)

// Amounts are serialized as decimal strings so snapshots survive any
// future widening of the fixed-point type.

// SignedSnap serializes a sign-magnitude value.
type SignedSnap struct {
	Abs      string `json:"abs"`
	Negative bool   `json:"negative,omitempty"`
}

func snapSigned(s fixedpoint.Signed) SignedSnap {
	return SignedSnap{Abs: s.Abs().Dec(), Negative: s.IsNegative()}
}

func (s SignedSnap) restore() (fixedpoint.Signed, error) {
	abs, err := uint256.FromDecimal(s.Abs)
	if err != nil {
		return fixedpoint.SignedZero(), fmt.Errorf("signed amount %q: %w", s.Abs, errs.ErrConversion)
	}
	return fixedpoint.NewSigned(abs, s.Negative), nil
}

// PoolSnap is one pool's long/short amounts, indexed by PoolKind in the
// enclosing slice.
type PoolSnap struct {
	Long  string `json:"long"`
	Short string `json:"short"`
}

// MarketSnap is a serializable market. Config values and pools are
// positional, indexed by ConfigKey and PoolKind.
type MarketSnap struct {
	MarketToken string `json:"market_token"`
	IndexToken  string `json:"index_token"`
	LongToken   string `json:"long_token"`
	ShortToken  string `json:"short_token"`

	Pools       []PoolSnap `json:"pools"`
	Config      []string   `json:"config"`
	ConfigFlags uint64     `json:"config_flags,omitempty"`

	MarketTokenSupply string `json:"market_token_supply"`

	BorrowingUpdatedAt          int64 `json:"borrowing_updated_at"`
	FundingUpdatedAt            int64 `json:"funding_updated_at"`
	PositionImpactDistributedAt int64 `json:"position_impact_distributed_at"`

	FundingFactorPerSecond SignedSnap `json:"funding_factor_per_second"`
	ActionCounters         []uint64   `json:"action_counters"`
}

// PositionSnap is a serializable position.
type PositionSnap struct {
	Owner           string `json:"owner"`
	MarketToken     string `json:"market_token"`
	CollateralToken string `json:"collateral_token"`
	IsLong          bool   `json:"is_long"`

	SizeInUsd        string `json:"size_in_usd"`
	SizeInTokens     string `json:"size_in_tokens"`
	CollateralAmount string `json:"collateral_amount"`

	BorrowingFactor              string `json:"borrowing_factor"`
	FundingFeePerSize            string `json:"funding_fee_per_size"`
	ClaimableFundingPerSizeLong  string `json:"claimable_funding_per_size_long"`
	ClaimableFundingPerSizeShort string `json:"claimable_funding_per_size_short"`

	TradeID     uint64 `json:"trade_id"`
	IncreasedAt int64  `json:"increased_at"`
	DecreasedAt int64  `json:"decreased_at"`
}

// GlvMarketSnap is one member slot of a vault.
type GlvMarketSnap struct {
	MarketToken      string `json:"market_token"`
	MaxAmount        string `json:"max_amount"`
	MaxValue         string `json:"max_value"`
	Balance          string `json:"balance"`
	IsDepositAllowed bool   `json:"is_deposit_allowed"`
}

// GlvSnap is a serializable grouped liquidity vault.
type GlvSnap struct {
	GlvToken   string `json:"glv_token"`
	LongToken  string `json:"long_token"`
	ShortToken string `json:"short_token"`

	Supply string `json:"supply"`

	ShiftLastExecutedAt       int64  `json:"shift_last_executed_at"`
	ShiftMinIntervalSecs      int64  `json:"shift_min_interval_secs"`
	ShiftMinValue             string `json:"shift_min_value"`
	ShiftMaxPriceImpactFactor string `json:"shift_max_price_impact_factor"`
	MinTokensForFirstDeposit  string `json:"min_tokens_for_first_deposit"`

	Markets []GlvMarketSnap `json:"markets"`
}

// VaultBalanceSnap is one vault balance entry.
type VaultBalanceSnap struct {
	MarketToken string `json:"market_token"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
}

// SnapshotData is the full canonical state at a point in time.
// Virtual inventories are rebuilt by the host on load, not snapshotted:
// they are shared objects whose wiring lives in deployment config.
type SnapshotData struct {
	Markets       []MarketSnap       `json:"markets"`
	Positions     []PositionSnap     `json:"positions"`
	Glvs          []GlvSnap          `json:"glvs,omitempty"`
	VaultBalances []VaultBalanceSnap `json:"vault_balances"`
	CreatedAt     time.Time          `json:"created_at"`

	// Engine progress, filled by the host before persisting so a
	// restart resumes the hash chain and nonce windows.
	EngineSequence int64             `json:"engine_sequence,omitempty"`
	StateHash      string            `json:"state_hash,omitempty"`
	Nonces         map[string]uint64 `json:"nonces,omitempty"`
}

// SnapMarket serializes a market.
func SnapMarket(m *market.Market) *MarketSnap {
	snap := &MarketSnap{
		MarketToken:                 m.MarketToken,
		IndexToken:                  m.IndexToken,
		LongToken:                   m.LongToken,
		ShortToken:                  m.ShortToken,
		MarketTokenSupply:           m.MarketTokenSupply().Dec(),
		BorrowingUpdatedAt:          m.BorrowingUpdatedAt,
		FundingUpdatedAt:            m.FundingUpdatedAt,
		PositionImpactDistributedAt: m.PositionImpactDistributedAt,
		FundingFactorPerSecond:      snapSigned(m.FundingFactorPerSecond()),
		ActionCounters:              m.Indexer.Counters(),
	}
	for _, kind := range market.PoolKinds() {
		p := m.Pool(kind)
		snap.Pools = append(snap.Pools, PoolSnap{
			Long:  p.LongAmount().Dec(),
			Short: p.ShortAmount().Dec(),
		})
	}
	cfg := m.Config()
	for _, key := range market.ConfigKeys() {
		snap.Config = append(snap.Config, cfg.Get(key).Dec())
	}
	snap.ConfigFlags = uint64(cfg.Flags())
	return snap
}

// RestoreMarket rebuilds a market from its snapshot.
func RestoreMarket(snap *MarketSnap) (*market.Market, error) {
	cfg := market.NewConfig()
	for i, key := range market.ConfigKeys() {
		if i >= len(snap.Config) {
			break
		}
		v, err := uint256.FromDecimal(snap.Config[i])
		if err != nil {
			return nil, fmt.Errorf("config key %d: %w", key, errs.ErrConversion)
		}
		if !v.IsZero() {
			cfg.Set(key, v)
		}
	}
	cfg.SetFlags(market.Flag(snap.ConfigFlags))

	m := market.New(snap.MarketToken, snap.IndexToken, snap.LongToken, snap.ShortToken, cfg)
	for i, kind := range market.PoolKinds() {
		if i >= len(snap.Pools) {
			break
		}
		long, err := uint256.FromDecimal(snap.Pools[i].Long)
		if err != nil {
			return nil, fmt.Errorf("pool %s long: %w", kind, errs.ErrConversion)
		}
		short, err := uint256.FromDecimal(snap.Pools[i].Short)
		if err != nil {
			return nil, fmt.Errorf("pool %s short: %w", kind, errs.ErrConversion)
		}
		m.SetPool(kind, pool.NewWithAmounts(long, short))
	}

	supply, err := uint256.FromDecimal(snap.MarketTokenSupply)
	if err != nil {
		return nil, fmt.Errorf("market token supply: %w", errs.ErrConversion)
	}
	m.SetMarketTokenSupply(supply)

	m.BorrowingUpdatedAt = snap.BorrowingUpdatedAt
	m.FundingUpdatedAt = snap.FundingUpdatedAt
	m.PositionImpactDistributedAt = snap.PositionImpactDistributedAt

	funding, err := snap.FundingFactorPerSecond.restore()
	if err != nil {
		return nil, err
	}
	m.SetFundingFactorPerSecond(funding)
	m.Indexer.SetCounters(snap.ActionCounters)
	return m, nil
}

// SnapGlv serializes a vault.
func SnapGlv(g *glv.Glv) *GlvSnap {
	snap := &GlvSnap{
		GlvToken:                  g.GlvToken,
		LongToken:                 g.LongToken,
		ShortToken:                g.ShortToken,
		Supply:                    g.Supply.Dec(),
		ShiftLastExecutedAt:       g.ShiftLastExecutedAt,
		ShiftMinIntervalSecs:      g.ShiftMinIntervalSecs,
		ShiftMinValue:             g.ShiftMinValue.Dec(),
		ShiftMaxPriceImpactFactor: g.ShiftMaxPriceImpactFactor.Dec(),
		MinTokensForFirstDeposit:  g.MinTokensForFirstDeposit.Dec(),
	}
	for _, token := range g.MarketTokens() {
		cfg, _ := g.Config(token)
		snap.Markets = append(snap.Markets, GlvMarketSnap{
			MarketToken:      token,
			MaxAmount:        cfg.MaxAmount.Dec(),
			MaxValue:         cfg.MaxValue.Dec(),
			Balance:          cfg.Balance.Dec(),
			IsDepositAllowed: cfg.IsDepositAllowed,
		})
	}
	return snap
}

// RestoreGlv rebuilds a vault from its snapshot.
func RestoreGlv(snap *GlvSnap) (*glv.Glv, error) {
	g := glv.New(snap.GlvToken, snap.LongToken, snap.ShortToken)
	g.ShiftLastExecutedAt = snap.ShiftLastExecutedAt
	g.ShiftMinIntervalSecs = snap.ShiftMinIntervalSecs

	fields := []struct {
		dst  **uint256.Int
		src  string
		name string
	}{
		{&g.Supply, snap.Supply, "supply"},
		{&g.ShiftMinValue, snap.ShiftMinValue, "shift_min_value"},
		{&g.ShiftMaxPriceImpactFactor, snap.ShiftMaxPriceImpactFactor, "shift_max_price_impact_factor"},
		{&g.MinTokensForFirstDeposit, snap.MinTokensForFirstDeposit, "min_tokens_for_first_deposit"},
	}
	for _, f := range fields {
		v, err := uint256.FromDecimal(f.src)
		if err != nil {
			return nil, fmt.Errorf("glv %s: %w", f.name, errs.ErrConversion)
		}
		*f.dst = v
	}

	for _, ms := range snap.Markets {
		maxAmount, err := uint256.FromDecimal(ms.MaxAmount)
		if err != nil {
			return nil, fmt.Errorf("glv market %s max amount: %w", ms.MarketToken, errs.ErrConversion)
		}
		maxValue, err := uint256.FromDecimal(ms.MaxValue)
		if err != nil {
			return nil, fmt.Errorf("glv market %s max value: %w", ms.MarketToken, errs.ErrConversion)
		}
		balance, err := uint256.FromDecimal(ms.Balance)
		if err != nil {
			return nil, fmt.Errorf("glv market %s balance: %w", ms.MarketToken, errs.ErrConversion)
		}
		g.RestoreMarket(ms.MarketToken, &glv.MarketConfig{
			MaxAmount:        maxAmount,
			MaxValue:         maxValue,
			Balance:          balance,
			IsDepositAllowed: ms.IsDepositAllowed,
		})
	}
	return g, nil
}

// SnapPosition serializes a position.
func SnapPosition(p *position.Position) PositionSnap {
	return PositionSnap{
		Owner:                        p.Owner,
		MarketToken:                  p.MarketToken,
		CollateralToken:              p.CollateralToken,
		IsLong:                       p.IsLong,
		SizeInUsd:                    p.SizeInUsd.Dec(),
		SizeInTokens:                 p.SizeInTokens.Dec(),
		CollateralAmount:             p.CollateralAmount.Dec(),
		BorrowingFactor:              p.BorrowingFactor.Dec(),
		FundingFeePerSize:            p.FundingFeePerSize.Dec(),
		ClaimableFundingPerSizeLong:  p.ClaimableFundingPerSizeLong.Dec(),
		ClaimableFundingPerSizeShort: p.ClaimableFundingPerSizeShort.Dec(),
		TradeID:                      p.TradeID,
		IncreasedAt:                  p.IncreasedAt,
		DecreasedAt:                  p.DecreasedAt,
	}
}

// RestorePosition rebuilds a position from its snapshot.
func RestorePosition(snap PositionSnap) (*position.Position, error) {
	p := position.New(snap.Owner, snap.MarketToken, snap.CollateralToken, snap.IsLong)
	fields := []struct {
		dst  **uint256.Int
		src  string
		name string
	}{
		{&p.SizeInUsd, snap.SizeInUsd, "size_in_usd"},
		{&p.SizeInTokens, snap.SizeInTokens, "size_in_tokens"},
		{&p.CollateralAmount, snap.CollateralAmount, "collateral_amount"},
		{&p.BorrowingFactor, snap.BorrowingFactor, "borrowing_factor"},
		{&p.FundingFeePerSize, snap.FundingFeePerSize, "funding_fee_per_size"},
		{&p.ClaimableFundingPerSizeLong, snap.ClaimableFundingPerSizeLong, "claimable_funding_per_size_long"},
		{&p.ClaimableFundingPerSizeShort, snap.ClaimableFundingPerSizeShort, "claimable_funding_per_size_short"},
	}
	for _, f := range fields {
		v, err := uint256.FromDecimal(f.src)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", f.name, errs.ErrConversion)
		}
		*f.dst = v
	}
	p.TradeID = snap.TradeID
	p.IncreasedAt = snap.IncreasedAt
	p.DecreasedAt = snap.DecreasedAt
	return p, nil
}

// Snapshot captures the full state of a memory store.
func Snapshot(s *Memory) *SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &SnapshotData{CreatedAt: time.Now().UTC()}
	for _, m := range s.marketsLocked() {
		snap.Markets = append(snap.Markets, *SnapMarket(m))
	}
	for _, p := range s.positionsLocked() {
		snap.Positions = append(snap.Positions, SnapPosition(p))
	}
	for _, g := range s.glvsLocked() {
		snap.Glvs = append(snap.Glvs, *SnapGlv(g))
	}
	for _, vb := range s.vaultLocked() {
		snap.VaultBalances = append(snap.VaultBalances, vb)
	}
	return snap
}

// Restore loads a snapshot into a fresh memory store.
func Restore(snap *SnapshotData) (*Memory, error) {
	s := NewMemory()
	for i := range snap.Markets {
		m, err := RestoreMarket(&snap.Markets[i])
		if err != nil {
			return nil, err
		}
		s.PutMarket(m)
	}
	for _, ps := range snap.Positions {
		p, err := RestorePosition(ps)
		if err != nil {
			return nil, err
		}
		s.PutPosition(p)
	}
	for i := range snap.Glvs {
		g, err := RestoreGlv(&snap.Glvs[i])
		if err != nil {
			return nil, err
		}
		s.PutGlv(g)
	}
	for _, vb := range snap.VaultBalances {
		amount, err := uint256.FromDecimal(vb.Amount)
		if err != nil {
			return nil, fmt.Errorf("vault balance %s/%s: %w", vb.MarketToken, vb.Token, errs.ErrConversion)
		}
		s.AddVaultBalance(vb.MarketToken, vb.Token, amount)
	}
	return s, nil
}
