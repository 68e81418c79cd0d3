package event

import (
	"encoding/json"

	"PerpCore/internal/market"
)

// FundingSnapshot records a market's funding and open-interest state
// after an accrual. Published by the projection worker, not the
// executor.
type FundingSnapshot struct {
	MarketToken string `json:"market_token"`

	// FundingFactorPerSecond is signed: positive means longs pay shorts.
	FundingFactorPerSecond string `json:"funding_factor_per_second"`
	FundingNegative        bool   `json:"funding_negative,omitempty"`

	LongOpenInterest  string `json:"long_open_interest"`
	ShortOpenInterest string `json:"short_open_interest"`

	At int64 `json:"at"`
}

// NewFundingSnapshot builds the envelope for one market's accrual state.
func NewFundingSnapshot(seq int64, m *market.Market, at int64) (*Envelope, error) {
	longOi, err := m.OpenInterestValue(true)
	if err != nil {
		return nil, err
	}
	shortOi, err := m.OpenInterestValue(false)
	if err != nil {
		return nil, err
	}
	factor := m.FundingFactorPerSecond()
	payload, err := json.Marshal(FundingSnapshot{
		MarketToken:            m.MarketToken,
		FundingFactorPerSecond: factor.Abs().Dec(),
		FundingNegative:        factor.IsNegative(),
		LongOpenInterest:       longOi.Dec(),
		ShortOpenInterest:      shortOi.Dec(),
		At:                     at,
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sequence:    seq,
		Kind:        KindFunding,
		MarketToken: m.MarketToken,
		Payload:     payload,
	}, nil
}
