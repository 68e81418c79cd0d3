package position_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/pool"
	"PerpCore/internal/position"
)

// --- Test helpers ---

func usd(v uint64) *uint256.Int {
	out, _ := fixedpoint.Mul(fixedpoint.UsdUnit(), fixedpoint.U64(v))
	return out
}

func factorPct(pct uint64) *uint256.Int {
	out, _ := fixedpoint.MulDiv(fixedpoint.UsdUnit(), fixedpoint.U64(pct), fixedpoint.U64(100))
	return out
}

func fraction(num, den uint64) *uint256.Int {
	out, _ := fixedpoint.MulDiv(fixedpoint.UsdUnit(), fixedpoint.U64(num), fixedpoint.U64(den))
	return out
}

func exponent(n uint64) *uint256.Int {
	out, _ := fixedpoint.Mul(fixedpoint.UsdUnit(), fixedpoint.U64(n))
	return out
}

func unitPrice(v *uint256.Int) oracle.Price {
	p, err := oracle.NewPrice(v, v)
	if err != nil {
		panic(err)
	}
	return p
}

func samePrices(index, long, short *uint256.Int) oracle.Prices {
	return oracle.Prices{
		Index: unitPrice(index),
		Long:  unitPrice(long),
		Short: unitPrice(short),
	}
}

// newFundedMarket returns a market with a deep primary pool so reserve
// checks never interfere with the case under test.
func newFundedMarket(cfg *market.Config) *market.Market {
	m := market.New("MKT", "IDX", "LONG", "SHORT", cfg)
	m.SetPool(market.PoolPrimary, pool.NewWithAmounts(fixedpoint.U64(10000), fixedpoint.U64(10000)))
	return m
}

func openLong(t *testing.T, m *market.Market, collateralToken string, collateral, sizeUsd *uint256.Int, prices oracle.Prices) *position.Position {
	t.Helper()
	p := position.New("alice", "MKT", collateralToken, true)
	_, err := p.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: collateral,
		SizeDeltaUsd:          sizeUsd,
	}, 0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	return p
}

// ============================================================================
// Test: Increase
// ============================================================================

func TestPosition_IncreaseOpensLong(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := position.New("alice", "MKT", "LONG", true)

	report, err := p.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:          usd(1000),
	}, 0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if p.SizeInUsd.Cmp(usd(1000)) != 0 {
		t.Fatalf("size in usd = %s, want %s", p.SizeInUsd.Dec(), usd(1000).Dec())
	}
	if p.SizeInTokens.Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("size in tokens = %s, want 1000", p.SizeInTokens.Dec())
	}
	if p.CollateralAmount.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("collateral = %s, want 100", p.CollateralAmount.Dec())
	}
	if report.ExecutionPrice.Cmp(usd(1)) != 0 {
		t.Fatalf("execution price = %s, want %s", report.ExecutionPrice.Dec(), usd(1).Dec())
	}
	if got := m.Pool(market.PoolOpenInterestForLong).LongAmount(); got.Cmp(usd(1000)) != 0 {
		t.Fatalf("long open interest = %s, want %s", got.Dec(), usd(1000).Dec())
	}
	if got := m.Pool(market.PoolOpenInterestInTokensForLong).LongAmount(); got.Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("long open interest in tokens = %s, want 1000", got.Dec())
	}
	if got := m.Pool(market.PoolCollateralSumForLong).LongAmount(); got.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("collateral sum = %s, want 100", got.Dec())
	}
}

func TestPosition_IncreaseChargesOrderFee(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyOrderFeeFactorForNegativeImpact, fraction(1, 1000))
	m := newFundedMarket(cfg)
	prices := samePrices(usd(1), usd(1), usd(1))

	p := openLong(t, m, "LONG", fixedpoint.U64(100), usd(1000), prices)

	// 0.1% of 1000 USD at a 1 USD collateral price is one token.
	if p.CollateralAmount.Cmp(fixedpoint.U64(99)) != 0 {
		t.Fatalf("collateral after fee = %s, want 99", p.CollateralAmount.Dec())
	}
	if got := m.Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(10001)) != 0 {
		t.Fatalf("primary pool = %s, want 10001", got.Dec())
	}
}

func TestPosition_IncreaseRoutesReceiverFeeShare(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyOrderFeeFactorForNegativeImpact, fraction(1, 100)).
		Set(market.KeyOrderFeeReceiverFactor, factorPct(50))
	m := newFundedMarket(cfg)
	prices := samePrices(usd(1), usd(1), usd(1))

	p := openLong(t, m, "LONG", fixedpoint.U64(100), usd(1000), prices)

	// 1% of 1000 USD is 10 tokens, half to the fee receiver.
	if p.CollateralAmount.Cmp(fixedpoint.U64(90)) != 0 {
		t.Fatalf("collateral after fee = %s, want 90", p.CollateralAmount.Dec())
	}
	if got := m.Pool(market.PoolClaimableFee).LongAmount(); got.Cmp(fixedpoint.U64(5)) != 0 {
		t.Fatalf("claimable fee = %s, want 5", got.Dec())
	}
	if got := m.Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(10005)) != 0 {
		t.Fatalf("primary pool = %s, want 10005", got.Dec())
	}
}

func TestPosition_IncreaseRejectsWorseThanAcceptablePrice(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := position.New("alice", "MKT", "LONG", true)

	_, err := p.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:          usd(1000),
		AcceptablePrice:       fraction(99, 100),
	}, 0)
	if !errors.Is(err, errs.ErrNotFulfillableAtAcceptablePrice) {
		t.Fatalf("err = %v, want ErrNotFulfillableAtAcceptablePrice", err)
	}
}

func TestPosition_IncreaseNegativeImpactFeedsImpactPool(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyPositionImpactExponent, exponent(2)).
		Set(market.KeyPositionImpactNegativeFactor, fraction(1, 100))
	m := newFundedMarket(cfg)
	prices := samePrices(usd(1), usd(1), usd(1))
	p := position.New("alice", "MKT", "LONG", true)

	report, err := p.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:          usd(100),
	}, 0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	// Widening 0 -> 100 USD: half of 1% of 100^2 is 50 USD against the user.
	if report.ImpactUsd.Cmp(fixedpoint.Neg(usd(50))) != 0 {
		t.Fatalf("impact = %s, want -%s", report.ImpactUsd.String(), usd(50).Dec())
	}
	if p.SizeInTokens.Cmp(fixedpoint.U64(50)) != 0 {
		t.Fatalf("size in tokens = %s, want 50", p.SizeInTokens.Dec())
	}
	if report.ExecutionPrice.Cmp(usd(2)) != 0 {
		t.Fatalf("execution price = %s, want %s", report.ExecutionPrice.Dec(), usd(2).Dec())
	}
	if got := m.Pool(market.PoolPositionImpact).LongAmount(); got.Cmp(fixedpoint.U64(50)) != 0 {
		t.Fatalf("impact pool = %s, want 50", got.Dec())
	}
}

func TestPosition_IncreaseInsufficientCollateralForFees(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyOrderFeeFactorForNegativeImpact, factorPct(1))
	m := newFundedMarket(cfg)
	prices := samePrices(usd(1), usd(1), usd(1))
	p := position.New("alice", "MKT", "LONG", true)

	_, err := p.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: fixedpoint.U64(5),
		SizeDeltaUsd:          usd(1000),
	}, 0)
	if !errors.Is(err, errs.ErrInsufficientFundsToPayForCosts) {
		t.Fatalf("err = %v, want ErrInsufficientFundsToPayForCosts", err)
	}
}

// ============================================================================
// Test: Decrease
// ============================================================================

func TestPosition_DecreaseRealizesProfit(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	open := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(1000), open)

	// Index and long token both double; the 1000 tokens are worth 2000 USD.
	settle := samePrices(usd(2), usd(2), usd(1))
	report, err := p.Decrease(m, settle, position.DecreaseParams{
		SizeDeltaUsd:               usd(1000),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if report.RealizedPnlValue.Cmp(fixedpoint.Pos(usd(1000))) != 0 {
		t.Fatalf("realized pnl = %s, want %s", report.RealizedPnlValue.String(), usd(1000).Dec())
	}
	// 1000 USD of profit paid in long tokens at 2 USD each.
	if report.SecondaryOutputAmount.Cmp(fixedpoint.U64(500)) != 0 {
		t.Fatalf("secondary output = %s, want 500", report.SecondaryOutputAmount.Dec())
	}
	if !report.ShouldRemove {
		t.Fatal("full close should remove the position")
	}
	if report.OutputAmount.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("output = %s, want 100", report.OutputAmount.Dec())
	}
	if got := m.Pool(market.PoolPrimary).LongAmount(); got.Cmp(fixedpoint.U64(9500)) != 0 {
		t.Fatalf("primary pool = %s, want 9500", got.Dec())
	}
	if !p.IsEmpty() {
		t.Fatal("position should be empty after full close")
	}
	if got := m.Pool(market.PoolOpenInterestForLong).ShortAmount(); !got.IsZero() {
		t.Fatalf("open interest after close = %s, want 0", got.Dec())
	}
}

func TestPosition_DecreaseRealizesLossIntoPool(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	open := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(200), usd(1000), open)

	settle := samePrices(fraction(9, 10), usd(1), usd(1))
	report, err := p.Decrease(m, settle, position.DecreaseParams{
		SizeDeltaUsd:               usd(1000),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if report.RealizedPnlValue.Cmp(fixedpoint.Neg(usd(100))) != 0 {
		t.Fatalf("realized pnl = %s, want -%s", report.RealizedPnlValue.String(), usd(100).Dec())
	}
	if report.OutputAmount.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("output = %s, want 100", report.OutputAmount.Dec())
	}
	// The loss stays in the pool in collateral tokens.
	if got := m.Pool(market.PoolPrimary).ShortAmount(); got.Cmp(fixedpoint.U64(10100)) != 0 {
		t.Fatalf("primary pool = %s, want 10100", got.Dec())
	}
}

func TestPosition_DecreasePartialKeepsProportions(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(1000), prices)

	report, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               usd(500),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if report.ShouldRemove {
		t.Fatal("partial close should keep the position")
	}
	if p.SizeInUsd.Cmp(usd(500)) != 0 {
		t.Fatalf("size in usd = %s, want %s", p.SizeInUsd.Dec(), usd(500).Dec())
	}
	if p.SizeInTokens.Cmp(fixedpoint.U64(500)) != 0 {
		t.Fatalf("size in tokens = %s, want 500", p.SizeInTokens.Dec())
	}
	if p.CollateralAmount.Cmp(fixedpoint.U64(100)) != 0 {
		t.Fatalf("collateral = %s, want 100", p.CollateralAmount.Dec())
	}
	if got := m.Pool(market.PoolOpenInterestForShort).ShortAmount(); !got.IsZero() {
		t.Fatalf("short open interest = %s, want 0", got.Dec())
	}
	if got := m.Pool(market.PoolOpenInterestForLong).ShortAmount(); got.Cmp(usd(500)) != 0 {
		t.Fatalf("long open interest = %s, want %s", got.Dec(), usd(500).Dec())
	}
}

func TestPosition_DecreaseWithdrawsCollateralOnly(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(1000), prices)

	report, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               new(uint256.Int),
		CollateralWithdrawalAmount: fixedpoint.U64(50),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if report.OutputAmount.Cmp(fixedpoint.U64(50)) != 0 {
		t.Fatalf("output = %s, want 50", report.OutputAmount.Dec())
	}
	if p.CollateralAmount.Cmp(fixedpoint.U64(50)) != 0 {
		t.Fatalf("collateral = %s, want 50", p.CollateralAmount.Dec())
	}
	if p.SizeInUsd.Cmp(usd(1000)) != 0 {
		t.Fatalf("size in usd = %s, want unchanged", p.SizeInUsd.Dec())
	}
	if got := m.Pool(market.PoolCollateralSumForShort).LongAmount(); got.Cmp(fixedpoint.U64(50)) != 0 {
		t.Fatalf("collateral sum = %s, want 50", got.Dec())
	}
}

func TestPosition_DecreaseSizeCap(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(1000), prices)

	_, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               usd(2000),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}

	report, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               usd(2000),
		CollateralWithdrawalAmount: new(uint256.Int),
		IsCapSizeDeltaAllowed:      true,
	}, 1)
	if err != nil {
		t.Fatalf("capped decrease: %v", err)
	}
	if !report.ShouldRemove {
		t.Fatal("capped full close should remove the position")
	}
}

func TestPosition_DecreaseChargesBorrowingFee(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(1000), prices)

	// Advance the cumulative borrowing factor by 1% since the increase.
	m.SetPool(market.PoolBorrowingFactor, pool.NewWithAmounts(factorPct(1), new(uint256.Int)))

	report, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               usd(1000),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if report.Fees.BorrowingFeeAmount.Cmp(fixedpoint.U64(10)) != 0 {
		t.Fatalf("borrowing fee = %s, want 10", report.Fees.BorrowingFeeAmount.Dec())
	}
	if report.OutputAmount.Cmp(fixedpoint.U64(90)) != 0 {
		t.Fatalf("output = %s, want 90", report.OutputAmount.Dec())
	}
	if got := m.Pool(market.PoolPrimary).ShortAmount(); got.Cmp(fixedpoint.U64(10010)) != 0 {
		t.Fatalf("primary pool = %s, want 10010", got.Dec())
	}
}

func TestPosition_DecreaseRoutesFundingFee(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	prices := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(1000), prices)

	// Accrue 1% funding per size against longs since the increase.
	m.SetPool(market.PoolFundingFeePerSize, pool.NewWithAmounts(fraction(1, 100), new(uint256.Int)))

	report, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               usd(1000),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if report.Fees.FundingFeeAmount.Cmp(fixedpoint.U64(10)) != 0 {
		t.Fatalf("funding fee = %s, want 10", report.Fees.FundingFeeAmount.Dec())
	}
	if report.OutputAmount.Cmp(fixedpoint.U64(90)) != 0 {
		t.Fatalf("output = %s, want 90", report.OutputAmount.Dec())
	}
	// The paid funding lands in the claimable bucket of the collateral
	// token, keyed by the paying side.
	if got := m.Pool(market.PoolClaimableFundingForShort).LongAmount(); got.Cmp(fixedpoint.U64(10)) != 0 {
		t.Fatalf("claimable funding = %s, want 10", got.Dec())
	}
}

func TestPosition_DecreaseClampedImpactBecomesClaimable(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyPositionImpactExponent, exponent(2)).
		Set(market.KeyPositionImpactNegativeFactor, fraction(1, 100000)).
		Set(market.KeyMaxNegativePositionImpactFactor, fraction(1, 1000))
	m := newFundedMarket(cfg)
	prices := samePrices(usd(1), usd(1), usd(1))

	// Heavy short interest so closing a long widens the imbalance.
	m.SetPool(market.PoolOpenInterestForShort, pool.NewWithAmounts(usd(500), new(uint256.Int)))
	p := openLong(t, m, "SHORT", fixedpoint.U64(100), usd(100), prices)

	report, err := p.Decrease(m, prices, position.DecreaseParams{
		SizeDeltaUsd:               usd(100),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	// Raw impact is -0.45 USD; the cap allows -0.1 USD and the clamped
	// 0.35 USD is earmarked for the holding account.
	if report.ImpactUsd.Cmp(fixedpoint.Neg(fraction(1, 10))) != 0 {
		t.Fatalf("impact = %s, want -%s", report.ImpactUsd.String(), fraction(1, 10).Dec())
	}
	if report.ImpactDiffUsd.Cmp(fraction(35, 100)) != 0 {
		t.Fatalf("impact diff = %s, want %s", report.ImpactDiffUsd.Dec(), fraction(35, 100).Dec())
	}
	if report.ClaimableForHoldingAmount.Cmp(fixedpoint.U64(1)) != 0 {
		t.Fatalf("claimable for holding = %s, want 1", report.ClaimableForHoldingAmount.Dec())
	}
	if got := m.Pool(market.PoolClaimableFee).ShortAmount(); got.Cmp(fixedpoint.U64(1)) != 0 {
		t.Fatalf("claimable fee pool = %s, want 1", got.Dec())
	}
	// 100 collateral minus 1 for the applied impact and 1 earmarked.
	if report.OutputAmount.Cmp(fixedpoint.U64(98)) != 0 {
		t.Fatalf("output = %s, want 98", report.OutputAmount.Dec())
	}
}

func TestPosition_DecreaseInsolventForbidden(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	open := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(50), usd(1000), open)

	settle := samePrices(fraction(9, 10), usd(1), usd(1))
	_, err := p.Decrease(m, settle, position.DecreaseParams{
		SizeDeltaUsd:               usd(1000),
		CollateralWithdrawalAmount: new(uint256.Int),
	}, 1)
	if !errors.Is(err, errs.ErrInsufficientFundsToPayForCosts) {
		t.Fatalf("err = %v, want ErrInsufficientFundsToPayForCosts", err)
	}
}

func TestPosition_DecreaseInsolventCloseSurrendersCollateral(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	open := samePrices(usd(1), usd(1), usd(1))
	p := openLong(t, m, "SHORT", fixedpoint.U64(50), usd(1000), open)

	settle := samePrices(fraction(9, 10), usd(1), usd(1))
	report, err := p.Decrease(m, settle, position.DecreaseParams{
		SizeDeltaUsd:               usd(1000),
		CollateralWithdrawalAmount: new(uint256.Int),
		IsInsolventCloseAllowed:    true,
		IsLiquidation:              true,
	}, 1)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if !report.IsInsolvent {
		t.Fatal("close should be flagged insolvent")
	}
	if !report.OutputAmount.IsZero() || !report.SecondaryOutputAmount.IsZero() {
		t.Fatalf("insolvent close paid out %s / %s, want nothing",
			report.OutputAmount.Dec(), report.SecondaryOutputAmount.Dec())
	}
	if !report.ShouldRemove {
		t.Fatal("insolvent close should remove the position")
	}
	// The pool absorbs the surrendered collateral.
	if got := m.Pool(market.PoolPrimary).ShortAmount(); got.Cmp(fixedpoint.U64(10050)) != 0 {
		t.Fatalf("primary pool = %s, want 10050", got.Dec())
	}
}

// ============================================================================
// Test: Liquidation checks
// ============================================================================

func TestPosition_CheckLiquidatableUnderwater(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	p := position.New("alice", "MKT", "SHORT", true)
	p.CollateralAmount = fixedpoint.U64(100)
	p.SizeInUsd = usd(1000)
	p.SizeInTokens = fixedpoint.U64(10)

	// Entry was 100 USD per token; at 80 the loss exceeds the collateral.
	prices := samePrices(usd(80), usd(80), usd(1))
	reason, liquidatable, err := p.CheckLiquidatable(m, prices)
	if err != nil {
		t.Fatalf("check liquidatable: %v", err)
	}
	if !liquidatable {
		t.Fatal("position should be liquidatable")
	}
	if reason != errs.LiquidationReasonNotPositive {
		t.Fatalf("reason = %v, want not-positive", reason)
	}
}

func TestPosition_CheckLiquidatableHealthy(t *testing.T) {
	m := newFundedMarket(market.NewConfig())
	p := position.New("alice", "MKT", "SHORT", true)
	p.CollateralAmount = fixedpoint.U64(100)
	p.SizeInUsd = usd(1000)
	p.SizeInTokens = fixedpoint.U64(10)

	prices := samePrices(usd(100), usd(100), usd(1))
	_, liquidatable, err := p.CheckLiquidatable(m, prices)
	if err != nil {
		t.Fatalf("check liquidatable: %v", err)
	}
	if liquidatable {
		t.Fatal("healthy position flagged liquidatable")
	}
}

func TestPosition_CheckLiquidatableMinCollateralForLeverage(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyMinCollateralFactor, factorPct(1))
	m := newFundedMarket(cfg)
	p := position.New("alice", "MKT", "SHORT", true)
	// 1% of 1000 USD requires 10 USD of remaining collateral; 5 is short.
	p.CollateralAmount = fixedpoint.U64(5)
	p.SizeInUsd = usd(1000)
	p.SizeInTokens = fixedpoint.U64(10)

	prices := samePrices(usd(100), usd(100), usd(1))
	reason, liquidatable, err := p.CheckLiquidatable(m, prices)
	if err != nil {
		t.Fatalf("check liquidatable: %v", err)
	}
	if !liquidatable {
		t.Fatal("under-collateralized position should be liquidatable")
	}
	if reason != errs.LiquidationReasonMinCollateralForLeverage {
		t.Fatalf("reason = %v, want min-collateral-for-leverage", reason)
	}
}

func TestPosition_ValidateRejectsBelowMinSize(t *testing.T) {
	cfg := market.NewConfig().
		Set(market.KeyMinPositionSizeUsd, usd(10))
	m := newFundedMarket(cfg)
	prices := samePrices(usd(1), usd(1), usd(1))
	p := position.New("alice", "MKT", "SHORT", true)

	_, err := p.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: fixedpoint.U64(100),
		SizeDeltaUsd:          usd(5),
	}, 0)
	if !errors.Is(err, errs.ErrInvalidPosition) {
		t.Fatalf("err = %v, want ErrInvalidPosition", err)
	}
}

func TestPosition_CloneIsIndependent(t *testing.T) {
	p := position.New("alice", "MKT", "SHORT", true)
	p.SizeInUsd = usd(1000)
	c := p.Clone()
	c.SizeInUsd = usd(500)
	if p.SizeInUsd.Cmp(usd(1000)) != 0 {
		t.Fatalf("clone mutation leaked: size = %s", p.SizeInUsd.Dec())
	}
}
