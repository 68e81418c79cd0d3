package ledger_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpCore/internal/exec"
	"PerpCore/internal/ledger"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

func testStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	st.PutMarket(market.New("GM:ETH-USDC", "ETH", "WETH", "USDC", market.NewConfig()))
	return st
}

func completedRecord(account string) *store.ActionRecord {
	return &store.ActionRecord{
		ID:          uuid.New(),
		MarketToken: "GM:ETH-USDC",
		Account:     account,
		State:       int32(exec.ActionCompleted),
		UpdatedAt:   1_700_000_000,
	}
}

// ============================================================
// Accounts and validation
// ============================================================

func TestAccountKey_String(t *testing.T) {
	if got := ledger.VaultAccount("GM:ETH-USDC", "WETH").String(); got != "vault:GM:ETH-USDC:WETH" {
		t.Fatalf("unexpected vault key %q", got)
	}
	if got := ledger.UserAccount("alice", "USDC").String(); got != "user:alice:USDC" {
		t.Fatalf("unexpected user key %q", got)
	}
	if got := ledger.ExternalAccount("USDC").String(); got != "external:USDC" {
		t.Fatalf("unexpected external key %q", got)
	}
}

func TestBatch_Validate(t *testing.T) {
	good := ledger.Entry{
		Debit:  ledger.UserAccount("alice", "USDC"),
		Credit: ledger.VaultAccount("GM:ETH-USDC", "USDC"),
		Token:  "USDC",
		Amount: uint256.NewInt(100),
	}

	cases := []struct {
		name   string
		mutate func(e *ledger.Entry)
	}{
		{"zero amount", func(e *ledger.Entry) { e.Amount = new(uint256.Int) }},
		{"nil amount", func(e *ledger.Entry) { e.Amount = nil }},
		{"missing token", func(e *ledger.Entry) { e.Token = "" }},
		{"self transfer", func(e *ledger.Entry) { e.Credit = e.Debit }},
		{"token mismatch", func(e *ledger.Entry) { e.Credit = ledger.VaultAccount("GM:ETH-USDC", "WETH") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := good
			tc.mutate(&entry)
			batch := &ledger.Batch{BatchID: uuid.New(), Entries: []ledger.Entry{entry}}
			if err := batch.Validate(); err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}

	batch := &ledger.Batch{BatchID: uuid.New(), Entries: []ledger.Entry{good}}
	if err := batch.Validate(); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}
}

// ============================================================
// Balance tracker
// ============================================================

func TestBalanceTracker_DoubleEntry(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	entry := ledger.Entry{
		Debit:  ledger.UserAccount("alice", "USDC"),
		Credit: ledger.VaultAccount("GM:ETH-USDC", "USDC"),
		Token:  "USDC",
		Amount: uint256.NewInt(250),
	}
	if err := bt.Apply(entry); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.UserBalance("alice", "USDC"); got.Abs().Uint64() != 250 || got.IsNegative() {
		t.Fatalf("expected user balance +250, got %s", got)
	}
	if got := bt.VaultOutflow("GM:ETH-USDC", "USDC"); got.Abs().Uint64() != 250 || got.IsNegative() {
		t.Fatalf("expected vault outflow +250, got %s", got)
	}

	imbalance, err := bt.TokenImbalance("USDC")
	if err != nil {
		t.Fatalf("imbalance: %v", err)
	}
	if !imbalance.IsZero() {
		t.Fatalf("expected zero imbalance, got %s", imbalance)
	}
}

// ============================================================
// Recorder
// ============================================================

func TestRecorder_JournalsPayout(t *testing.T) {
	st := testStore(t)
	rec := ledger.NewRecorder(st, ledger.NewBalanceTracker(), zerolog.Nop())

	record := completedRecord("alice")
	out := &exec.TransferOut{
		Executed:          true,
		FinalOutputToken:  "USDC",
		FinalOutputAmount: uint256.NewInt(500),
		LongTokenAmount:   uint256.NewInt(10),
		ShortTokenAmount:  new(uint256.Int),
	}
	if err := rec.AfterExecution(record, out); err != nil {
		t.Fatalf("after execution: %v", err)
	}

	batch, ok := rec.ByAction(record.ID)
	if !ok {
		t.Fatal("expected batch for action")
	}
	if len(batch.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch.Entries))
	}

	if got := rec.Tracker().UserBalance("alice", "USDC"); got.Abs().Uint64() != 500 {
		t.Fatalf("expected alice paid 500 USDC, got %s", got)
	}
	if got := rec.Tracker().VaultOutflow("GM:ETH-USDC", "WETH"); got.Abs().Uint64() != 10 {
		t.Fatalf("expected 10 WETH vault outflow, got %s", got)
	}
}

func TestRecorder_SkipsCancelled(t *testing.T) {
	st := testStore(t)
	rec := ledger.NewRecorder(st, ledger.NewBalanceTracker(), zerolog.Nop())

	out := &exec.TransferOut{Executed: false, FinalOutputToken: "USDC", FinalOutputAmount: uint256.NewInt(500)}
	if err := rec.AfterExecution(completedRecord("alice"), out); err != nil {
		t.Fatalf("after execution: %v", err)
	}
	if got := len(rec.Batches(10)); got != 0 {
		t.Fatalf("expected no batches for cancelled action, got %d", got)
	}
}

func TestRecorder_EmptyTransferProducesNoBatch(t *testing.T) {
	st := testStore(t)
	rec := ledger.NewRecorder(st, ledger.NewBalanceTracker(), zerolog.Nop())

	out := &exec.TransferOut{Executed: true}
	if err := rec.AfterExecution(completedRecord("alice"), out); err != nil {
		t.Fatalf("after execution: %v", err)
	}
	if got := len(rec.Batches(10)); got != 0 {
		t.Fatalf("expected no batches, got %d", got)
	}

	record := completedRecord("bob")
	paid := &exec.TransferOut{Executed: true, FinalOutputToken: "USDC", FinalOutputAmount: uint256.NewInt(1)}
	if err := rec.AfterExecution(record, paid); err != nil {
		t.Fatalf("after execution: %v", err)
	}
	batches := rec.Batches(10)
	if len(batches) != 1 || batches[0].Sequence != 0 {
		t.Fatalf("expected one batch at sequence 0, got %+v", batches)
	}
}
