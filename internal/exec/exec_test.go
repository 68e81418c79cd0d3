package exec_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpCore/internal/errs"
	"PerpCore/internal/exec"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/pool"
	"PerpCore/internal/store"
)

// --- Test helpers ---

func usd(v uint64) *uint256.Int {
	out, _ := fixedpoint.Mul(fixedpoint.UsdUnit(), fixedpoint.U64(v))
	return out
}

func fraction(num, den uint64) *uint256.Int {
	out, _ := fixedpoint.MulDiv(fixedpoint.UsdUnit(), fixedpoint.U64(num), fixedpoint.U64(den))
	return out
}

func factorPct(pct uint64) *uint256.Int {
	return fraction(pct, 100)
}

func marketTokens(whole uint64) *uint256.Int {
	scale, _ := fixedpoint.Pow10(fixedpoint.MarketTokenDecimals)
	out, _ := fixedpoint.Mul(fixedpoint.U64(whole), scale)
	return out
}

// oracleAt prices every token at the given unit price with one shared
// feed timestamp.
func oracleAt(ts int64, prices map[string]*uint256.Int) *oracle.Oracle {
	feeds := make(map[string]oracle.Feed, len(prices))
	for token, p := range prices {
		feeds[token] = oracle.Feed{Min: p, Max: p, Timestamp: ts}
	}
	return oracle.New(feeds)
}

func unitOracle(tokens ...string) *oracle.Oracle {
	prices := make(map[string]*uint256.Int, len(tokens))
	for _, token := range tokens {
		prices[token] = usd(1)
	}
	return oracleAt(1, prices)
}

func newExecutor(s store.Store, opts ...exec.Option) *exec.Executor {
	return exec.New(s, zerolog.Nop(), opts...)
}

func header(marketToken, owner string) exec.ActionHeader {
	return exec.ActionHeader{
		ID:          uuid.New(),
		MarketToken: marketToken,
		Owner:       owner,
		Receiver:    owner,
		State:       exec.ActionPending,
	}
}

func newEmptyMarket(token string, cfg *market.Config) *market.Market {
	return market.New(token, "IDX", "LONG", "SHORT", cfg)
}

func newFundedStore(cfg *market.Config) (*store.Memory, *market.Market) {
	m := newEmptyMarket("MKT", cfg)
	m.SetPool(market.PoolPrimary, pool.NewWithAmounts(fixedpoint.U64(10000), fixedpoint.U64(10000)))
	s := store.NewMemory()
	s.PutMarket(m)
	// Pool liquidity is backed by vault tokens.
	s.AddVaultBalance("MKT", "LONG", fixedpoint.U64(10000))
	s.AddVaultBalance("MKT", "SHORT", fixedpoint.U64(10000))
	return s, m
}

// ============================================================================
// Test: Deposits and withdrawals
// ============================================================================

func TestExecutor_DepositMintsMarketTokens(t *testing.T) {
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("MKT", market.NewConfig()))
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	dep := &exec.Deposit{
		Header:           header("MKT", "alice"),
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}
	res, err := e.ExecuteDeposit(o, dep, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Record.State != int32(exec.ActionCompleted) {
		t.Fatalf("state = %d", res.Record.State)
	}
	if !res.TransferOut.Executed || res.TransferOut.FinalOutputToken != "MKT" {
		t.Fatalf("transfer out = %+v", res.TransferOut)
	}
	// 2000 USD of value into an empty market mints 2000 whole tokens.
	if res.TransferOut.FinalOutputAmount.Cmp(marketTokens(2000)) != 0 {
		t.Fatalf("minted = %s, want %s",
			res.TransferOut.FinalOutputAmount.Dec(), marketTokens(2000).Dec())
	}

	m, _ := s.Market("MKT")
	if m.MarketTokenSupply().Cmp(marketTokens(2000)) != 0 {
		t.Fatalf("supply = %s", m.MarketTokenSupply().Dec())
	}
	if m.Pool(market.PoolPrimary).LongAmount().Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("pool long = %s", m.Pool(market.PoolPrimary).LongAmount().Dec())
	}
	if s.VaultBalance("MKT", "LONG").Cmp(fixedpoint.U64(1000)) != 0 ||
		s.VaultBalance("MKT", "SHORT").Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("vault = %s/%s",
			s.VaultBalance("MKT", "LONG").Dec(), s.VaultBalance("MKT", "SHORT").Dec())
	}
}

func TestExecutor_DepositBelowMinCancels(t *testing.T) {
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("MKT", market.NewConfig()))
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	dep := &exec.Deposit{
		Header:               header("MKT", "alice"),
		LongTokenAmount:      fixedpoint.U64(1000),
		ShortTokenAmount:     new(uint256.Int),
		MinMarketTokenAmount: marketTokens(5000),
	}
	res, err := e.ExecuteDeposit(o, dep, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Record.State != int32(exec.ActionCancelled) {
		t.Fatalf("state = %d, want cancelled", res.Record.State)
	}
	if res.TransferOut.Executed {
		t.Fatalf("transfer out executed on cancel")
	}

	m, _ := s.Market("MKT")
	if !m.Pool(market.PoolPrimary).LongAmount().IsZero() || !m.MarketTokenSupply().IsZero() {
		t.Fatalf("canonical market mutated on cancel")
	}
	if !s.VaultBalance("MKT", "LONG").IsZero() {
		t.Fatalf("vault credited on cancel")
	}
}

func TestExecutor_WithdrawalReturnsDeposits(t *testing.T) {
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("MKT", market.NewConfig()))
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	dep := &exec.Deposit{
		Header:           header("MKT", "alice"),
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}
	dres, err := e.ExecuteDeposit(o, dep, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	wres, err := e.ExecuteWithdrawal(o, &exec.Withdrawal{
		Header:            header("MKT", "alice"),
		MarketTokenAmount: dres.TransferOut.FinalOutputAmount,
	}, 20)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	// Zero fee factors: the full deposit comes back.
	if wres.TransferOut.LongTokenAmount.Cmp(fixedpoint.U64(1000)) != 0 ||
		wres.TransferOut.ShortTokenAmount.Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("outputs = %s/%s",
			wres.TransferOut.LongTokenAmount.Dec(), wres.TransferOut.ShortTokenAmount.Dec())
	}

	m, _ := s.Market("MKT")
	if !m.MarketTokenSupply().IsZero() {
		t.Fatalf("supply = %s", m.MarketTokenSupply().Dec())
	}
	if !s.VaultBalance("MKT", "LONG").IsZero() || !s.VaultBalance("MKT", "SHORT").IsZero() {
		t.Fatalf("vault not drained")
	}
}

func TestExecutor_ShiftMovesLiquidity(t *testing.T) {
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("A", market.NewConfig()))
	s.PutMarket(newEmptyMarket("B", market.NewConfig()))
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	dres, err := e.ExecuteDeposit(o, &exec.Deposit{
		Header:           header("A", "alice"),
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	half := new(uint256.Int).Rsh(dres.TransferOut.FinalOutputAmount, 1)
	sres, err := e.ExecuteShift(o, &exec.Shift{
		Header:            header("A", "alice"),
		ToMarketToken:     "B",
		MarketTokenAmount: half,
	}, 20)
	if err != nil {
		t.Fatalf("shift: %v", err)
	}
	if sres.TransferOut.FinalOutputToken != "B" ||
		sres.TransferOut.FinalOutputAmount.Cmp(marketTokens(1000)) != 0 {
		t.Fatalf("shift minted = %s %s",
			sres.TransferOut.FinalOutputAmount.Dec(), sres.TransferOut.FinalOutputToken)
	}

	a, _ := s.Market("A")
	b, _ := s.Market("B")
	if a.Pool(market.PoolPrimary).LongAmount().Cmp(fixedpoint.U64(500)) != 0 ||
		b.Pool(market.PoolPrimary).LongAmount().Cmp(fixedpoint.U64(500)) != 0 {
		t.Fatalf("pools = %s/%s",
			a.Pool(market.PoolPrimary).LongAmount().Dec(),
			b.Pool(market.PoolPrimary).LongAmount().Dec())
	}
	if s.VaultBalance("A", "LONG").Cmp(fixedpoint.U64(500)) != 0 ||
		s.VaultBalance("B", "LONG").Cmp(fixedpoint.U64(500)) != 0 {
		t.Fatalf("vaults = %s/%s",
			s.VaultBalance("A", "LONG").Dec(), s.VaultBalance("B", "LONG").Dec())
	}
}

func TestExecutor_ShiftRejectsMismatchedPairs(t *testing.T) {
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("A", market.NewConfig()))
	s.PutMarket(market.New("B", "IDX2", "WETH", "SHORT", market.NewConfig()))
	e := newExecutor(s)
	o := unitOracle("IDX", "IDX2", "LONG", "SHORT", "WETH")

	_, err := e.ExecuteShift(o, &exec.Shift{
		Header:            header("A", "alice"),
		ToMarketToken:     "B",
		MarketTokenAmount: marketTokens(1),
	}, 10)
	if err == nil {
		t.Fatal("expected shift failure")
	}
}

// ============================================================================
// Test: Orders
// ============================================================================

func TestExecutor_MarketIncreaseOpensPosition(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	ord := &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
	}
	res, err := e.ExecuteOrder(o, ord, 10)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if res.Record.State != int32(exec.ActionCompleted) {
		t.Fatalf("state = %d", res.Record.State)
	}

	pos, err := s.Position(store.PositionKey{
		Owner: "alice", MarketToken: "MKT", CollateralToken: "LONG", IsLong: true,
	})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.SizeInUsd.Cmp(usd(1000)) != 0 || pos.SizeInTokens.Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("position = %s usd / %s tokens", pos.SizeInUsd.Dec(), pos.SizeInTokens.Dec())
	}
	if s.VaultBalance("MKT", "LONG").Cmp(fixedpoint.U64(10100)) != 0 {
		t.Fatalf("vault = %s", s.VaultBalance("MKT", "LONG").Dec())
	}

	m, _ := s.Market("MKT")
	oi, err := m.OpenInterestValue(true)
	if err != nil {
		t.Fatalf("open interest: %v", err)
	}
	if oi.Cmp(usd(1000)) != 0 {
		t.Fatalf("open interest = %s", oi.Dec())
	}
}

func TestExecutor_MarketDecreaseClosesPosition(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	if _, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
	}, 10); err != nil {
		t.Fatalf("increase: %v", err)
	}

	res, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketDecrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: new(uint256.Int),
		SizeDeltaUsd:                 usd(1000),
	}, 20)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	// No price move, no fees: collateral comes straight back.
	if res.TransferOut.FinalOutputToken != "LONG" ||
		res.TransferOut.FinalOutputAmount.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("output = %s %s",
			res.TransferOut.FinalOutputAmount.Dec(), res.TransferOut.FinalOutputToken)
	}

	if _, err := s.Position(store.PositionKey{
		Owner: "alice", MarketToken: "MKT", CollateralToken: "LONG", IsLong: true,
	}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("position still present: %v", err)
	}
	if s.VaultBalance("MKT", "LONG").Cmp(fixedpoint.U64(10000)) != 0 {
		t.Fatalf("vault = %s", s.VaultBalance("MKT", "LONG").Dec())
	}
}

func TestExecutor_UnbackedVaultFailsBalanceValidation(t *testing.T) {
	// Pool liquidity with no vault tokens behind it.
	m := newEmptyMarket("MKT", market.NewConfig())
	m.SetPool(market.PoolPrimary, pool.NewWithAmounts(fixedpoint.U64(10000), fixedpoint.U64(10000)))
	s := store.NewMemory()
	s.PutMarket(m)
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	_, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
	}, 10)
	if !errors.Is(err, errs.ErrInvalidMarketBalance) {
		t.Fatalf("balance error = %v", err)
	}
}

func TestExecutor_DecreasePaysAccruedClaimableFunding(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	if _, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
	}, 10); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// Accrue 1% claimable funding per size for longs since the open,
	// with the matching tokens earmarked in the bucket and the vault.
	m, _ := s.Market("MKT")
	m.SetPool(market.PoolClaimableFundingPerSizeForShort,
		pool.NewWithAmounts(fraction(1, 100), new(uint256.Int)))
	m.SetPool(market.PoolClaimableFundingForShort,
		pool.NewWithAmounts(fixedpoint.U64(10), new(uint256.Int)))
	s.AddVaultBalance("MKT", "SHORT", fixedpoint.U64(10))

	res, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketDecrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: new(uint256.Int),
		SizeDeltaUsd:                 usd(1000),
	}, 20)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if res.TransferOut.FinalOutputAmount.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("output = %s, want 100", res.TransferOut.FinalOutputAmount.Dec())
	}
	// The drained bucket must reach the user, not vanish.
	if got := res.TransferOut.ClaimableShortTokenAmount; got.Cmp(fixedpoint.U64(10)) != 0 {
		t.Fatalf("claimable short = %s, want 10", got.Dec())
	}
	if !res.TransferOut.ClaimableLongTokenAmount.IsZero() {
		t.Fatalf("claimable long = %s, want 0", res.TransferOut.ClaimableLongTokenAmount.Dec())
	}
	if s.VaultBalance("MKT", "SHORT").Cmp(fixedpoint.U64(10000)) != 0 {
		t.Fatalf("vault short = %s", s.VaultBalance("MKT", "SHORT").Dec())
	}
	bucket := m.Pool(market.PoolClaimableFundingForShort)
	if !bucket.LongAmount().IsZero() || !bucket.ShortAmount().IsZero() {
		t.Fatalf("bucket not drained: %s / %s",
			bucket.LongAmount().Dec(), bucket.ShortAmount().Dec())
	}
}

func TestExecutor_LimitIncreaseTriggerGate(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	// Long limit buy above the index: executable.
	ord := &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderLimitIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
		TriggerPrice:                 usd(2),
	}
	if _, err := e.ExecuteOrder(o, ord, 10); err != nil {
		t.Fatalf("order: %v", err)
	}

	// Trigger below the index: not executable, record stays pending.
	ord2 := &exec.Order{
		Header:                       header("MKT", "bob"),
		Kind:                         exec.OrderLimitIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
		TriggerPrice:                 fraction(1, 2),
	}
	_, err := e.ExecuteOrder(o, ord2, 10)
	if !errors.Is(err, errs.ErrInvalidTriggerPrice) {
		t.Fatalf("trigger error = %v", err)
	}
	rec, err := s.Action(ord2.Header.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.State != int32(exec.ActionPending) {
		t.Fatalf("record state = %d, want pending", rec.State)
	}
}

func TestExecutor_LimitSwapMinOutput(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeySwapFeeFactorForNegativeImpact, factorPct(1)).
		Set(market.KeySwapFeeFactorForPositiveImpact, factorPct(1))
	m := market.New("M1", "A", "A", "B", cfg)
	m.SetPool(market.PoolPrimary, pool.NewWithAmounts(fixedpoint.U64(10000), fixedpoint.U64(10000)))
	s := store.NewMemory()
	s.PutMarket(m)
	s.AddVaultBalance("M1", "A", fixedpoint.U64(10000))
	s.AddVaultBalance("M1", "B", fixedpoint.U64(10000))
	e := newExecutor(s)
	o := unitOracle("A", "B")

	// 1% fee: 1000 in yields 990 out. Min of 995 cannot be met.
	ord := &exec.Order{
		Header:                       header("M1", "alice"),
		Kind:                         exec.OrderLimitSwap,
		InitialCollateralToken:       "A",
		InitialCollateralDeltaAmount: fixedpoint.U64(1000),
		MinOutputAmount:              fixedpoint.U64(995),
		Swap:                         exec.SwapParams{LongPath: []string{"M1"}},
	}
	_, err := e.ExecuteOrder(o, ord, 10)
	if !errors.Is(err, errs.ErrInsufficientOutputAmount) {
		t.Fatalf("min output error = %v", err)
	}
	if rec, _ := s.Action(ord.Header.ID); rec.State != int32(exec.ActionPending) {
		t.Fatalf("record state = %d, want pending", rec.State)
	}
	if m.Pool(market.PoolPrimary).LongAmount().Cmp(fixedpoint.U64(10000)) != 0 {
		t.Fatalf("canonical pool mutated on failed swap")
	}

	// Min of 990 is met exactly.
	ord.Header = header("M1", "alice")
	ord.MinOutputAmount = fixedpoint.U64(990)
	res, err := e.ExecuteOrder(o, ord, 10)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.TransferOut.FinalOutputToken != "B" ||
		res.TransferOut.FinalOutputAmount.Cmp(fixedpoint.U64(990)) != 0 {
		t.Fatalf("output = %s %s",
			res.TransferOut.FinalOutputAmount.Dec(), res.TransferOut.FinalOutputToken)
	}
	if s.VaultBalance("M1", "B").Cmp(fixedpoint.U64(9010)) != 0 {
		t.Fatalf("vault B = %s", s.VaultBalance("M1", "B").Dec())
	}
}

// ============================================================================
// Test: Oracle expiry
// ============================================================================

func TestExecutor_MarketOrderExpiryCancels(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	// Newest feed 61s after the order update, expiration 60s.
	o := oracleAt(61, map[string]*uint256.Int{
		"IDX": usd(1), "LONG": usd(1), "SHORT": usd(1),
	})

	h := header("MKT", "alice")
	h.UpdatedAt = 0
	h.RequestExpiration = 60
	res, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       h,
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
	}, 61)
	if err != nil {
		t.Fatalf("expired market order: %v", err)
	}
	if res.Record.State != int32(exec.ActionCancelled) || res.TransferOut.Executed {
		t.Fatalf("result = state %d executed %v", res.Record.State, res.TransferOut.Executed)
	}
	if s.VaultBalance("MKT", "LONG").Cmp(fixedpoint.U64(10000)) != 0 {
		t.Fatalf("escrow moved on cancel")
	}
}

func TestExecutor_LimitOrderExpiryIsFatal(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := oracleAt(61, map[string]*uint256.Int{
		"IDX": usd(1), "LONG": usd(1), "SHORT": usd(1),
	})

	h := header("MKT", "alice")
	h.RequestExpiration = 60
	_, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       h,
		Kind:                         exec.OrderLimitIncrease,
		IsLong:                       true,
		CollateralToken:              "LONG",
		InitialCollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:                 usd(1000),
		TriggerPrice:                 usd(2),
	}, 61)
	if !errors.Is(err, errs.ErrOracleTimestampsAreLargerThanRequired) {
		t.Fatalf("expiry error = %v", err)
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func openLongThroughExecutor(t *testing.T, e *exec.Executor, o *oracle.Oracle, collateral, sizeUsd uint64) {
	t.Helper()
	if _, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "SHORT",
		InitialCollateralDeltaAmount: fixedpoint.U64(collateral),
		SizeDeltaUsd:                 usd(sizeUsd),
	}, 10); err != nil {
		t.Fatalf("increase: %v", err)
	}
}

func TestExecutor_LiquidationClosesUnderwaterPosition(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	openLongThroughExecutor(t, e, unitOracle("IDX", "LONG", "SHORT"), 100, 1000)

	// Index drops 20%: pnl -200 USD against 100 USD of collateral.
	dropped := oracleAt(20, map[string]*uint256.Int{
		"IDX": fraction(8, 10), "LONG": fraction(8, 10), "SHORT": usd(1),
	})
	res, err := e.ExecuteOrder(dropped, &exec.Order{
		Header:          header("MKT", "alice"),
		Kind:            exec.OrderLiquidation,
		IsLong:          true,
		CollateralToken: "SHORT",
		SizeDeltaUsd:    new(uint256.Int),
	}, 20)
	if err != nil {
		t.Fatalf("liquidation: %v", err)
	}
	if !res.TransferOut.FinalOutputAmount.IsZero() || !res.TransferOut.SecondaryOutputAmount.IsZero() {
		t.Fatalf("insolvent close paid out: %+v", res.TransferOut)
	}
	if _, err := s.Position(store.PositionKey{
		Owner: "alice", MarketToken: "MKT", CollateralToken: "SHORT", IsLong: true,
	}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unexpected position: %v", err)
	}

	// Surrendered collateral stays in the pool.
	m, _ := s.Market("MKT")
	if m.Pool(market.PoolPrimary).ShortAmount().Cmp(fixedpoint.U64(10100)) != 0 {
		t.Fatalf("pool short = %s", m.Pool(market.PoolPrimary).ShortAmount().Dec())
	}
}

func TestExecutor_LiquidationRejectsHealthyPosition(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")
	openLongThroughExecutor(t, e, o, 100, 1000)

	_, err := e.ExecuteOrder(o, &exec.Order{
		Header:          header("MKT", "alice"),
		Kind:            exec.OrderLiquidation,
		IsLong:          true,
		CollateralToken: "SHORT",
		SizeDeltaUsd:    new(uint256.Int),
	}, 20)
	if !errors.Is(err, errs.ErrInvalidPosition) {
		t.Fatalf("liquidation error = %v", err)
	}
}

// The liquidation key targets the header owner's position: a header
// naming an account without a position is rejected.
func TestExecutor_LiquidationUnknownOwner(t *testing.T) {
	s, _ := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	openLongThroughExecutor(t, e, unitOracle("IDX", "LONG", "SHORT"), 100, 1000)

	dropped := oracleAt(20, map[string]*uint256.Int{
		"IDX": fraction(8, 10), "LONG": fraction(8, 10), "SHORT": usd(1),
	})
	_, err := e.ExecuteOrder(dropped, &exec.Order{
		Header:          header("MKT", "keeper"),
		Kind:            exec.OrderLiquidation,
		IsLong:          true,
		CollateralToken: "SHORT",
		SizeDeltaUsd:    new(uint256.Int),
	}, 20)
	if !errors.Is(err, errs.ErrInvalidPosition) {
		t.Fatalf("liquidation error = %v", err)
	}
}

// ============================================================================
// Test: Auto-deleveraging
// ============================================================================

func adlFixture(t *testing.T, cfg *market.Config) (*store.Memory, *exec.Executor) {
	t.Helper()
	m := newEmptyMarket("MKT", cfg)
	m.SetPool(market.PoolPrimary, pool.NewWithAmounts(fixedpoint.U64(1000), fixedpoint.U64(1000)))
	s := store.NewMemory()
	s.PutMarket(m)
	s.AddVaultBalance("MKT", "LONG", fixedpoint.U64(1000))
	s.AddVaultBalance("MKT", "SHORT", fixedpoint.U64(1000))
	e := newExecutor(s)

	if _, err := e.ExecuteOrder(unitOracle("IDX", "LONG", "SHORT"), &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       true,
		CollateralToken:              "SHORT",
		InitialCollateralDeltaAmount: fixedpoint.U64(200),
		SizeDeltaUsd:                 usd(1000),
	}, 10); err != nil {
		t.Fatalf("increase: %v", err)
	}
	return s, e
}

// Index doubles while pool tokens hold: long side pnl factor 0.5.
func adlOracle() *oracle.Oracle {
	return oracleAt(20, map[string]*uint256.Int{
		"IDX": usd(2), "LONG": usd(1), "SHORT": usd(1),
	})
}

func adlOrder(sizeUsd uint64) *exec.Order {
	return &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderAutoDeleveraging,
		IsLong:                       true,
		CollateralToken:              "SHORT",
		InitialCollateralDeltaAmount: new(uint256.Int),
		SizeDeltaUsd:                 usd(sizeUsd),
	}
}

func TestExecutor_AdlRequiresExcessPnlFactor(t *testing.T) {
	// Bound above the current factor: not required.
	cfg := market.NewConfig().
		Set(market.PnlFactorConfigKey(market.PnlFactorForAdl, true), factorPct(90))
	_, e := adlFixture(t, cfg)

	_, err := e.ExecuteOrder(adlOracle(), adlOrder(500), 20)
	if !errors.Is(err, errs.ErrAdlNotRequired) {
		t.Fatalf("adl error = %v", err)
	}
}

func TestExecutor_AdlDecreasesPnlFactor(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.PnlFactorConfigKey(market.PnlFactorForAdl, true), factorPct(10))
	s, e := adlFixture(t, cfg)

	res, err := e.ExecuteOrder(adlOracle(), adlOrder(500), 20)
	if err != nil {
		t.Fatalf("adl: %v", err)
	}
	if res.Record.State != int32(exec.ActionCompleted) {
		t.Fatalf("state = %d", res.Record.State)
	}

	pos, err := s.Position(store.PositionKey{
		Owner: "alice", MarketToken: "MKT", CollateralToken: "SHORT", IsLong: true,
	})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.SizeInUsd.Cmp(usd(500)) != 0 {
		t.Fatalf("remaining size = %s", pos.SizeInUsd.Dec())
	}
	// 500 USD of realized profit paid in the pnl token at 1 USD each.
	if res.TransferOut.SecondaryOutputToken != "LONG" ||
		res.TransferOut.SecondaryOutputAmount.Cmp(fixedpoint.U64(500)) != 0 {
		t.Fatalf("profit out = %s %s",
			res.TransferOut.SecondaryOutputAmount.Dec(), res.TransferOut.SecondaryOutputToken)
	}
}

func TestExecutor_AdlRejectsOvershootBelowFloor(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.PnlFactorConfigKey(market.PnlFactorForAdl, true), factorPct(10)).
		Set(market.PnlFactorConfigKey(market.PnlFactorAfterAdl, true), factorPct(40))
	s, e := adlFixture(t, cfg)

	_, err := e.ExecuteOrder(adlOracle(), adlOrder(500), 20)
	if !errors.Is(err, errs.ErrInvalidAdl) {
		t.Fatalf("adl error = %v", err)
	}

	// Snapshot dropped whole: position untouched.
	pos, err := s.Position(store.PositionKey{
		Owner: "alice", MarketToken: "MKT", CollateralToken: "SHORT", IsLong: true,
	})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.SizeInUsd.Cmp(usd(1000)) != 0 {
		t.Fatalf("size mutated to %s on failed adl", pos.SizeInUsd.Dec())
	}
}

// ============================================================================
// Test: Hooks and metrics
// ============================================================================

type captureHook struct {
	records []*store.ActionRecord
	fail    bool
}

func (h *captureHook) AfterExecution(rec *store.ActionRecord, out *exec.TransferOut) error {
	h.records = append(h.records, rec)
	if h.fail {
		return errors.New("hook down")
	}
	return nil
}

type captureRecorder struct {
	kinds  []string
	states []string
}

func (r *captureRecorder) ObserveExecution(kind, state string, seconds float64) {
	r.kinds = append(r.kinds, kind)
	r.states = append(r.states, state)
}

func TestExecutor_HookFailureDoesNotRevert(t *testing.T) {
	hook := &captureHook{fail: true}
	rec := &captureRecorder{}
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("MKT", market.NewConfig()))
	e := newExecutor(s, exec.WithHooks(hook), exec.WithRecorder(rec))
	o := unitOracle("IDX", "LONG", "SHORT")

	res, err := e.ExecuteDeposit(o, &exec.Deposit{
		Header:           header("MKT", "alice"),
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Record.State != int32(exec.ActionCompleted) {
		t.Fatalf("state = %d", res.Record.State)
	}
	if len(hook.records) != 1 || hook.records[0].Kind != market.ActionDeposit {
		t.Fatalf("hook records = %+v", hook.records)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != "deposit" || rec.states[0] != "completed" {
		t.Fatalf("recorder = %+v / %+v", rec.kinds, rec.states)
	}
}

func TestExecutor_RejectsNonPendingAction(t *testing.T) {
	s := store.NewMemory()
	s.PutMarket(newEmptyMarket("MKT", market.NewConfig()))
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	h := header("MKT", "alice")
	h.State = exec.ActionCompleted
	_, err := e.ExecuteDeposit(o, &exec.Deposit{
		Header:           h,
		LongTokenAmount:  fixedpoint.U64(1),
		ShortTokenAmount: new(uint256.Int),
	}, 10)
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("state error = %v", err)
	}
}

// Applying increase then decrease with no price move or elapsed time
// returns the position to its pre-state.
func TestExecutor_IncreaseDecreaseRoundTrip(t *testing.T) {
	s, m := newFundedStore(market.NewConfig())
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	if _, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketIncrease,
		IsLong:                       false,
		CollateralToken:              "SHORT",
		InitialCollateralDeltaAmount: fixedpoint.U64(250),
		SizeDeltaUsd:                 usd(2000),
	}, 10); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if _, err := e.ExecuteOrder(o, &exec.Order{
		Header:                       header("MKT", "alice"),
		Kind:                         exec.OrderMarketDecrease,
		IsLong:                       false,
		CollateralToken:              "SHORT",
		InitialCollateralDeltaAmount: new(uint256.Int),
		SizeDeltaUsd:                 usd(2000),
	}, 10); err != nil {
		t.Fatalf("decrease: %v", err)
	}

	if m.Pool(market.PoolPrimary).ShortAmount().Cmp(fixedpoint.U64(10000)) != 0 {
		t.Fatalf("pool short = %s", m.Pool(market.PoolPrimary).ShortAmount().Dec())
	}
	oi, err := m.OpenInterestValue(false)
	if err != nil {
		t.Fatalf("open interest: %v", err)
	}
	if !oi.IsZero() {
		t.Fatalf("open interest = %s", oi.Dec())
	}
	if s.VaultBalance("MKT", "SHORT").Cmp(fixedpoint.U64(10000)) != 0 {
		t.Fatalf("vault = %s", s.VaultBalance("MKT", "SHORT").Dec())
	}
}
