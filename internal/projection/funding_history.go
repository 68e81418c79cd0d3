package projection

import (
	"sync"

	"PerpCore/internal/event"
)

// FundingEntry is one accrual observation for a market.
type FundingEntry struct {
	MarketToken            string
	FundingFactorPerSecond string
	FundingNegative        bool
	LongOpenInterest       string
	ShortOpenInterest      string
	At                     int64
}

func entryFromSnapshot(snap event.FundingSnapshot) FundingEntry {
	return FundingEntry{
		MarketToken:            snap.MarketToken,
		FundingFactorPerSecond: snap.FundingFactorPerSecond,
		FundingNegative:        snap.FundingNegative,
		LongOpenInterest:       snap.LongOpenInterest,
		ShortOpenInterest:      snap.ShortOpenInterest,
		At:                     snap.At,
	}
}

// FundingHistory keeps a bounded in-memory view of recent funding
// accruals per market. The full history lives in Postgres; this view
// serves low-latency queries without a round trip.
type FundingHistory struct {
	mu       sync.RWMutex
	byMarket map[string][]FundingEntry
	capacity int
}

func NewFundingHistory(capacity int) *FundingHistory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &FundingHistory{
		byMarket: make(map[string][]FundingEntry),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest once the per-market cap is
// reached.
func (h *FundingHistory) Add(entry FundingEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byMarket[entry.MarketToken]
	entries = append(entries, entry)
	if len(entries) > h.capacity {
		entries = entries[len(entries)-h.capacity:]
	}
	h.byMarket[entry.MarketToken] = entries
}

// ByMarket returns up to limit entries for a market, newest first.
func (h *FundingHistory) ByMarket(marketToken string, limit int) []FundingEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.byMarket[marketToken]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]FundingEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, entries[i])
	}
	return result
}

// Latest returns the most recent entry for a market, if any.
func (h *FundingHistory) Latest(marketToken string) (FundingEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.byMarket[marketToken]
	if len(entries) == 0 {
		return FundingEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Markets returns the market tokens with at least one entry.
func (h *FundingHistory) Markets() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tokens := make([]string, 0, len(h.byMarket))
	for token := range h.byMarket {
		tokens = append(tokens, token)
	}
	return tokens
}
