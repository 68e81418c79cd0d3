package exec_test

import (
	"errors"
	"testing"

	"PerpCore/internal/errs"
	"PerpCore/internal/exec"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

// glvFixture wires two empty member markets A and B into one vault.
func glvFixture(t *testing.T) (*store.Memory, *exec.Executor, *glv.Glv) {
	t.Helper()
	a := newEmptyMarket("A", market.NewConfig())
	b := newEmptyMarket("B", market.NewConfig())
	s := store.NewMemory()
	s.PutMarket(a)
	s.PutMarket(b)

	g := glv.New("GLV", "LONG", "SHORT")
	for _, m := range []*market.Market{a, b} {
		if err := g.AddMarket(m, nil, nil); err != nil {
			t.Fatalf("add market: %v", err)
		}
	}
	s.PutGlv(g)
	return s, newExecutor(s), g
}

func glvHeader(marketToken string) exec.ActionHeader {
	return header(marketToken, "alice")
}

// ============================================================================
// Test: GLV deposits and withdrawals
// ============================================================================

func TestExecutor_GlvDepositMintsVaultTokens(t *testing.T) {
	s, e, _ := glvFixture(t)
	o := unitOracle("IDX", "LONG", "SHORT")

	res, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if err != nil {
		t.Fatalf("glv deposit: %v", err)
	}
	if res.TransferOut.FinalOutputToken != "GLV" ||
		res.TransferOut.FinalOutputAmount.Cmp(marketTokens(2000)) != 0 {
		t.Fatalf("minted = %s %s",
			res.TransferOut.FinalOutputAmount.Dec(), res.TransferOut.FinalOutputToken)
	}

	g, err := s.Glv("GLV")
	if err != nil {
		t.Fatalf("glv: %v", err)
	}
	if g.Supply.Cmp(marketTokens(2000)) != 0 {
		t.Fatalf("glv supply = %s", g.Supply.Dec())
	}
	if g.Balance("A").Cmp(marketTokens(2000)) != 0 {
		t.Fatalf("glv balance A = %s", g.Balance("A").Dec())
	}
	// The vault physically holds A's market tokens; A's market vault
	// holds the underlying collateral.
	if s.VaultBalance("GLV", "A").Cmp(marketTokens(2000)) != 0 {
		t.Fatalf("glv vault = %s", s.VaultBalance("GLV", "A").Dec())
	}
	if s.VaultBalance("A", "LONG").Cmp(fixedpoint.U64(1000)) != 0 ||
		s.VaultBalance("A", "SHORT").Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("market vault = %s/%s",
			s.VaultBalance("A", "LONG").Dec(), s.VaultBalance("A", "SHORT").Dec())
	}
}

func TestExecutor_GlvDepositFirstDepositFloor(t *testing.T) {
	s, e, g := glvFixture(t)
	g.MinTokensForFirstDeposit = marketTokens(5000)
	s.PutGlv(g)
	o := unitOracle("IDX", "LONG", "SHORT")

	_, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if !errors.Is(err, errs.ErrNotEnoughTokenAmount) {
		t.Fatalf("floor error = %v", err)
	}

	stored, _ := s.Glv("GLV")
	if !stored.Supply.IsZero() {
		t.Fatalf("glv mutated on failed deposit")
	}
}

func TestExecutor_GlvDepositRespectsAmountCap(t *testing.T) {
	a := newEmptyMarket("A", market.NewConfig())
	s := store.NewMemory()
	s.PutMarket(a)
	g := glv.New("GLV", "LONG", "SHORT")
	if err := g.AddMarket(a, marketTokens(1000), nil); err != nil {
		t.Fatalf("add market: %v", err)
	}
	s.PutGlv(g)
	e := newExecutor(s)
	o := unitOracle("IDX", "LONG", "SHORT")

	_, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if !errors.Is(err, errs.ErrExceedMaxGlvMarketTokenBalanceAmount) {
		t.Fatalf("cap error = %v", err)
	}
}

func TestExecutor_GlvDepositDisabledMarket(t *testing.T) {
	s, e, g := glvFixture(t)
	cfg, err := g.Config("A")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.IsDepositAllowed = false
	s.PutGlv(g)
	o := unitOracle("IDX", "LONG", "SHORT")

	_, err = e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:          glvHeader("A"),
		GlvToken:        "GLV",
		LongTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("disabled error = %v", err)
	}
}

func TestExecutor_GlvWithdrawalRoundTrip(t *testing.T) {
	s, e, _ := glvFixture(t)
	o := unitOracle("IDX", "LONG", "SHORT")

	dres, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10)
	if err != nil {
		t.Fatalf("glv deposit: %v", err)
	}

	wres, err := e.ExecuteGlvWithdrawal(o, &exec.GlvWithdrawal{
		Header:         glvHeader("A"),
		GlvToken:       "GLV",
		GlvTokenAmount: dres.TransferOut.FinalOutputAmount,
	}, 20)
	if err != nil {
		t.Fatalf("glv withdrawal: %v", err)
	}
	if wres.TransferOut.LongTokenAmount.Cmp(fixedpoint.U64(1000)) != 0 ||
		wres.TransferOut.ShortTokenAmount.Cmp(fixedpoint.U64(1000)) != 0 {
		t.Fatalf("outputs = %s/%s",
			wres.TransferOut.LongTokenAmount.Dec(), wres.TransferOut.ShortTokenAmount.Dec())
	}

	g, _ := s.Glv("GLV")
	if !g.Supply.IsZero() || !g.Balance("A").IsZero() {
		t.Fatalf("glv not drained: supply %s balance %s", g.Supply.Dec(), g.Balance("A").Dec())
	}
	if !s.VaultBalance("GLV", "A").IsZero() ||
		!s.VaultBalance("A", "LONG").IsZero() || !s.VaultBalance("A", "SHORT").IsZero() {
		t.Fatalf("vaults not drained")
	}
}

// ============================================================================
// Test: GLV shifts
// ============================================================================

func TestExecutor_GlvShiftMovesBalance(t *testing.T) {
	s, e, g := glvFixture(t)
	g.ShiftMinIntervalSecs = 3600
	s.PutGlv(g)
	o := unitOracle("IDX", "LONG", "SHORT")

	if _, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10); err != nil {
		t.Fatalf("glv deposit: %v", err)
	}

	if _, err := e.ExecuteGlvShift(o, &exec.GlvShift{
		Header:            glvHeader("A"),
		GlvToken:          "GLV",
		ToMarketToken:     "B",
		MarketTokenAmount: marketTokens(1000),
	}, 3600); err != nil {
		t.Fatalf("shift: %v", err)
	}

	stored, _ := s.Glv("GLV")
	if stored.Balance("A").Cmp(marketTokens(1000)) != 0 ||
		stored.Balance("B").Cmp(marketTokens(1000)) != 0 {
		t.Fatalf("balances = %s/%s", stored.Balance("A").Dec(), stored.Balance("B").Dec())
	}
	if s.VaultBalance("GLV", "A").Cmp(marketTokens(1000)) != 0 ||
		s.VaultBalance("GLV", "B").Cmp(marketTokens(1000)) != 0 {
		t.Fatalf("glv vaults = %s/%s",
			s.VaultBalance("GLV", "A").Dec(), s.VaultBalance("GLV", "B").Dec())
	}
	// The underlying collateral moved with the liquidity.
	if s.VaultBalance("A", "LONG").Cmp(fixedpoint.U64(500)) != 0 ||
		s.VaultBalance("B", "LONG").Cmp(fixedpoint.U64(500)) != 0 {
		t.Fatalf("market vaults = %s/%s",
			s.VaultBalance("A", "LONG").Dec(), s.VaultBalance("B", "LONG").Dec())
	}
}

func TestExecutor_GlvShiftIntervalGate(t *testing.T) {
	s, e, g := glvFixture(t)
	g.ShiftMinIntervalSecs = 3600
	s.PutGlv(g)
	o := unitOracle("IDX", "LONG", "SHORT")

	if _, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10); err != nil {
		t.Fatalf("glv deposit: %v", err)
	}

	shift := func(now int64) error {
		_, err := e.ExecuteGlvShift(o, &exec.GlvShift{
			Header:            glvHeader("A"),
			GlvToken:          "GLV",
			ToMarketToken:     "B",
			MarketTokenAmount: marketTokens(100),
		}, now)
		return err
	}

	if err := shift(3600); err != nil {
		t.Fatalf("first shift: %v", err)
	}
	if err := shift(3600 + 3599); !errors.Is(err, errs.ErrGlvShiftIntervalNotYetPassed) {
		t.Fatalf("interval error = %v", err)
	}
	if err := shift(3600 + 3600); err != nil {
		t.Fatalf("shift after interval: %v", err)
	}
}

func TestExecutor_GlvShiftMinValueGate(t *testing.T) {
	s, e, g := glvFixture(t)
	g.ShiftMinValue = usd(5000)
	s.PutGlv(g)
	o := unitOracle("IDX", "LONG", "SHORT")

	if _, err := e.ExecuteGlvDeposit(o, &exec.GlvDeposit{
		Header:           glvHeader("A"),
		GlvToken:         "GLV",
		LongTokenAmount:  fixedpoint.U64(1000),
		ShortTokenAmount: fixedpoint.U64(1000),
	}, 10); err != nil {
		t.Fatalf("glv deposit: %v", err)
	}

	_, err := e.ExecuteGlvShift(o, &exec.GlvShift{
		Header:            glvHeader("A"),
		GlvToken:          "GLV",
		ToMarketToken:     "B",
		MarketTokenAmount: marketTokens(1000),
	}, 20)
	if !errors.Is(err, errs.ErrGlvShiftMinValueNotReached) {
		t.Fatalf("min value error = %v", err)
	}
}
