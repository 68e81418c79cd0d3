package gt_test

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpCore/internal/exec"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/gt"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

func usd(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(fixedpoint.UsdUnit(), uint256.NewInt(v))
}

func tokens(v uint64) *uint256.Int {
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))
	return new(uint256.Int).Mul(unit, uint256.NewInt(v))
}

func orderRecord(t *testing.T, account string, sizeUsd *uint256.Int, state exec.ActionState) *store.ActionRecord {
	t.Helper()
	payload, err := json.Marshal(struct {
		SizeDeltaUsd *uint256.Int
	}{SizeDeltaUsd: sizeUsd})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &store.ActionRecord{
		Kind:    market.ActionOrder,
		Account: account,
		State:   int32(state),
		Payload: payload,
	}
}

func newMinter(tiers []gt.Tier, referralBps uint64) *gt.Minter {
	return gt.NewMinter(tokens(1), tokens(1_000_000), tiers, referralBps, zerolog.Nop())
}

// ============================================================
// Base minting
// ============================================================

func TestMinter_MintsForCompletedOrders(t *testing.T) {
	m := newMinter(nil, 0)

	rec := orderRecord(t, "alice", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(rec, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("after execution: %v", err)
	}

	if got := m.Balance("alice"); got.Cmp(tokens(1000)) != 0 {
		t.Fatalf("expected 1000 tokens, got %s", got.Dec())
	}
	if got := m.Supply(); got.Cmp(tokens(1000)) != 0 {
		t.Fatalf("expected supply 1000, got %s", got.Dec())
	}
	if got := m.Volume("alice"); got.Cmp(usd(1000)) != 0 {
		t.Fatalf("expected volume 1000 USD, got %s", got.Dec())
	}
}

func TestMinter_IgnoresNonOrders(t *testing.T) {
	m := newMinter(nil, 0)

	deposit := orderRecord(t, "alice", usd(1000), exec.ActionCompleted)
	deposit.Kind = market.ActionDeposit
	if err := m.AfterExecution(deposit, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("after execution: %v", err)
	}

	cancelled := orderRecord(t, "alice", usd(1000), exec.ActionCancelled)
	if err := m.AfterExecution(cancelled, &exec.TransferOut{}); err != nil {
		t.Fatalf("after execution: %v", err)
	}

	if got := m.Supply(); !got.IsZero() {
		t.Fatalf("expected nothing minted, got %s", got.Dec())
	}
}

// ============================================================
// Tiers and referrals
// ============================================================

func TestMinter_TierBonusKicksIn(t *testing.T) {
	tiers := []gt.Tier{{MinVolume: usd(1500), BonusBps: 1000}}
	m := newMinter(tiers, 0)

	first := orderRecord(t, "alice", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(first, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("first order: %v", err)
	}
	if got := m.Balance("alice"); got.Cmp(tokens(1000)) != 0 {
		t.Fatalf("expected no bonus below tier, got %s", got.Dec())
	}

	// Second order lifts cumulative volume past the tier, so it mints
	// with the 10% bonus.
	second := orderRecord(t, "alice", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(second, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("second order: %v", err)
	}
	if got := m.Balance("alice"); got.Cmp(tokens(2100)) != 0 {
		t.Fatalf("expected 2100 tokens with bonus, got %s", got.Dec())
	}
}

func TestMinter_ReferralRebate(t *testing.T) {
	m := newMinter(nil, 500)
	if err := m.SetReferrer("alice", "bob"); err != nil {
		t.Fatalf("set referrer: %v", err)
	}

	rec := orderRecord(t, "alice", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(rec, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("after execution: %v", err)
	}

	if got := m.Balance("alice"); got.Cmp(tokens(1000)) != 0 {
		t.Fatalf("expected alice 1000 tokens, got %s", got.Dec())
	}
	if got := m.Balance("bob"); got.Cmp(tokens(50)) != 0 {
		t.Fatalf("expected bob 50 tokens rebate, got %s", got.Dec())
	}
}

func TestMinter_SelfReferralRejected(t *testing.T) {
	m := newMinter(nil, 500)
	if err := m.SetReferrer("alice", "alice"); err == nil {
		t.Fatal("expected self referral rejected")
	}
}

// ============================================================
// Supply cap
// ============================================================

func TestMinter_SupplyCapClamps(t *testing.T) {
	m := gt.NewMinter(tokens(1), tokens(1500), nil, 0, zerolog.Nop())

	first := orderRecord(t, "alice", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(first, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("first order: %v", err)
	}
	second := orderRecord(t, "bob", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(second, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("second order: %v", err)
	}

	if got := m.Balance("bob"); got.Cmp(tokens(500)) != 0 {
		t.Fatalf("expected bob clamped to 500, got %s", got.Dec())
	}
	if got := m.Supply(); got.Cmp(tokens(1500)) != 0 {
		t.Fatalf("expected supply at cap, got %s", got.Dec())
	}

	third := orderRecord(t, "carol", usd(1000), exec.ActionCompleted)
	if err := m.AfterExecution(third, &exec.TransferOut{Executed: true}); err != nil {
		t.Fatalf("third order: %v", err)
	}
	if got := m.Balance("carol"); !got.IsZero() {
		t.Fatalf("expected nothing left for carol, got %s", got.Dec())
	}
}
