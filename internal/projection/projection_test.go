package projection_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"PerpCore/internal/event"
	"PerpCore/internal/projection"
)

func fundingEnvelope(t *testing.T, seq int64, market string, at int64) *event.Envelope {
	t.Helper()
	payload, err := json.Marshal(event.FundingSnapshot{
		MarketToken:            market,
		FundingFactorPerSecond: "1000000000000",
		LongOpenInterest:       "500000000000000000000000",
		ShortOpenInterest:      "400000000000000000000000",
		At:                     at,
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return &event.Envelope{
		Sequence:    seq,
		Kind:        event.KindFunding,
		MarketToken: market,
		Payload:     payload,
	}
}

// ============================================================
// In-memory history
// ============================================================

func TestFundingHistory_NewestFirst(t *testing.T) {
	h := projection.NewFundingHistory(16)
	h.Add(projection.FundingEntry{MarketToken: "GM:ETH", At: 100})
	h.Add(projection.FundingEntry{MarketToken: "GM:ETH", At: 200})
	h.Add(projection.FundingEntry{MarketToken: "GM:BTC", At: 150})

	entries := h.ByMarket("GM:ETH", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].At != 200 || entries[1].At != 100 {
		t.Fatalf("expected newest first, got %d then %d", entries[0].At, entries[1].At)
	}

	latest, ok := h.Latest("GM:BTC")
	if !ok || latest.At != 150 {
		t.Fatalf("expected latest BTC entry at 150, got %+v ok=%v", latest, ok)
	}
}

func TestFundingHistory_CapacityEvictsOldest(t *testing.T) {
	h := projection.NewFundingHistory(3)
	for i := int64(1); i <= 5; i++ {
		h.Add(projection.FundingEntry{MarketToken: "GM:ETH", At: i * 100})
	}

	entries := h.ByMarket("GM:ETH", 10)
	if len(entries) != 3 {
		t.Fatalf("expected capacity 3, got %d", len(entries))
	}
	if entries[0].At != 500 || entries[2].At != 300 {
		t.Fatalf("expected entries 500..300, got %d..%d", entries[0].At, entries[2].At)
	}
}

func TestFundingHistory_LimitTruncates(t *testing.T) {
	h := projection.NewFundingHistory(16)
	for i := int64(1); i <= 4; i++ {
		h.Add(projection.FundingEntry{MarketToken: "GM:ETH", At: i})
	}
	if got := len(h.ByMarket("GM:ETH", 2)); got != 2 {
		t.Fatalf("expected limit 2, got %d", got)
	}
	if _, ok := h.Latest("GM:SOL"); ok {
		t.Fatal("expected no entry for unknown market")
	}
}

// ============================================================
// Worker
// ============================================================

func TestWorker_FoldsFundingEnvelopes(t *testing.T) {
	history := projection.NewFundingHistory(16)
	in := make(chan *event.Envelope, 8)
	worker := projection.NewWorker(nil, history, in, zerolog.Nop())

	in <- fundingEnvelope(t, 1, "GM:ETH", 100)
	in <- fundingEnvelope(t, 2, "GM:ETH", 200)
	in <- &event.Envelope{Sequence: 3, Kind: event.KindPrice, Payload: json.RawMessage(`{}`)}
	close(in)

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	entries := history.ByMarket("GM:ETH", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 funding entries, got %d", len(entries))
	}
	if entries[0].At != 200 {
		t.Fatalf("expected newest entry at 200, got %d", entries[0].At)
	}
	if entries[0].LongOpenInterest != "500000000000000000000000" {
		t.Fatalf("unexpected open interest %s", entries[0].LongOpenInterest)
	}
	if worker.LastSequence() != 3 {
		t.Fatalf("expected last sequence 3, got %d", worker.LastSequence())
	}
}

func TestWorker_BadPayloadSkipped(t *testing.T) {
	history := projection.NewFundingHistory(16)
	in := make(chan *event.Envelope, 2)
	worker := projection.NewWorker(nil, history, in, zerolog.Nop())

	in <- &event.Envelope{Sequence: 1, Kind: event.KindFunding, Payload: json.RawMessage(`{bad`)}
	in <- fundingEnvelope(t, 2, "GM:ETH", 100)
	close(in)

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("worker run: %v", err)
	}
	if got := len(history.ByMarket("GM:ETH", 10)); got != 1 {
		t.Fatalf("expected bad payload skipped, got %d entries", got)
	}
}
