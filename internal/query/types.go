package query

import (
	"sort"

	"github.com/google/uuid"

	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/position"
	"PerpCore/internal/projection"
	"PerpCore/internal/store"
)

// StatusResponse reports engine progress. StateHash is hex-encoded.
type StatusResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

// MarketResponse is the read-side view of one market. Amounts and USD
// values are decimal strings.
type MarketResponse struct {
	MarketToken string `json:"market_token"`
	IndexToken  string `json:"index_token"`
	LongToken   string `json:"long_token"`
	ShortToken  string `json:"short_token"`

	LongPoolAmount   string `json:"long_pool_amount"`
	ShortPoolAmount  string `json:"short_pool_amount"`
	ImpactPoolAmount string `json:"impact_pool_amount"`

	MarketTokenSupply string `json:"market_token_supply"`

	LongOpenInterest  string `json:"long_open_interest"`
	ShortOpenInterest string `json:"short_open_interest"`

	FundingFactorPerSecond string `json:"funding_factor_per_second"`
	FundingNegative        bool   `json:"funding_negative,omitempty"`

	BorrowingUpdatedAt int64 `json:"borrowing_updated_at"`
	FundingUpdatedAt   int64 `json:"funding_updated_at"`
}

func marketResponse(m *market.Market) (MarketResponse, error) {
	longOi, err := m.OpenInterestValue(true)
	if err != nil {
		return MarketResponse{}, err
	}
	shortOi, err := m.OpenInterestValue(false)
	if err != nil {
		return MarketResponse{}, err
	}
	primary := m.Pool(market.PoolPrimary)
	factor := m.FundingFactorPerSecond()
	return MarketResponse{
		MarketToken:            m.MarketToken,
		IndexToken:             m.IndexToken,
		LongToken:              m.LongToken,
		ShortToken:             m.ShortToken,
		LongPoolAmount:         primary.LongAmount().Dec(),
		ShortPoolAmount:        primary.ShortAmount().Dec(),
		ImpactPoolAmount:       m.Pool(market.PoolPositionImpact).LongAmount().Dec(),
		MarketTokenSupply:      m.MarketTokenSupply().Dec(),
		LongOpenInterest:       longOi.Dec(),
		ShortOpenInterest:      shortOi.Dec(),
		FundingFactorPerSecond: factor.Abs().Dec(),
		FundingNegative:        factor.IsNegative(),
		BorrowingUpdatedAt:     m.BorrowingUpdatedAt,
		FundingUpdatedAt:       m.FundingUpdatedAt,
	}, nil
}

// PositionResponse is the read-side view of one position.
type PositionResponse struct {
	Owner           string `json:"owner"`
	MarketToken     string `json:"market_token"`
	CollateralToken string `json:"collateral_token"`
	IsLong          bool   `json:"is_long"`

	SizeInUsd        string `json:"size_in_usd"`
	SizeInTokens     string `json:"size_in_tokens"`
	CollateralAmount string `json:"collateral_amount"`

	IncreasedAt int64 `json:"increased_at"`
	DecreasedAt int64 `json:"decreased_at"`
}

func positionResponse(p *position.Position) PositionResponse {
	return PositionResponse{
		Owner:            p.Owner,
		MarketToken:      p.MarketToken,
		CollateralToken:  p.CollateralToken,
		IsLong:           p.IsLong,
		SizeInUsd:        p.SizeInUsd.Dec(),
		SizeInTokens:     p.SizeInTokens.Dec(),
		CollateralAmount: p.CollateralAmount.Dec(),
		IncreasedAt:      p.IncreasedAt,
		DecreasedAt:      p.DecreasedAt,
	}
}

// GlvResponse is the read-side view of one vault.
type GlvResponse struct {
	GlvToken   string             `json:"glv_token"`
	LongToken  string             `json:"long_token"`
	ShortToken string             `json:"short_token"`
	Supply     string             `json:"supply"`
	Markets    []GlvMarketBalance `json:"markets"`
}

// GlvMarketBalance is one member market's token balance inside a vault.
type GlvMarketBalance struct {
	MarketToken string `json:"market_token"`
	Balance     string `json:"balance"`
}

func glvResponse(g *glv.Glv) GlvResponse {
	tokens := g.MarketTokens()
	sort.Strings(tokens)
	markets := make([]GlvMarketBalance, 0, len(tokens))
	for _, token := range tokens {
		markets = append(markets, GlvMarketBalance{
			MarketToken: token,
			Balance:     g.Balance(token).Dec(),
		})
	}
	return GlvResponse{
		GlvToken:   g.GlvToken,
		LongToken:  g.LongToken,
		ShortToken: g.ShortToken,
		Supply:     g.Supply.Dec(),
		Markets:    markets,
	}
}

// VaultBalancesResponse lists the collateral a market's vault holds.
type VaultBalancesResponse struct {
	MarketToken  string `json:"market_token"`
	LongToken    string `json:"long_token"`
	ShortToken   string `json:"short_token"`
	LongBalance  string `json:"long_balance"`
	ShortBalance string `json:"short_balance"`
}

// FundingHistoryResponse is one projected funding accrual.
type FundingHistoryResponse struct {
	MarketToken            string `json:"market_token"`
	FundingFactorPerSecond string `json:"funding_factor_per_second"`
	FundingNegative        bool   `json:"funding_negative,omitempty"`
	LongOpenInterest       string `json:"long_open_interest"`
	ShortOpenInterest      string `json:"short_open_interest"`
	At                     int64  `json:"at"`
}

func fundingHistoryResponse(entry projection.FundingEntry) FundingHistoryResponse {
	return FundingHistoryResponse{
		MarketToken:            entry.MarketToken,
		FundingFactorPerSecond: entry.FundingFactorPerSecond,
		FundingNegative:        entry.FundingNegative,
		LongOpenInterest:       entry.LongOpenInterest,
		ShortOpenInterest:      entry.ShortOpenInterest,
		At:                     entry.At,
	}
}

// ActionResponse is one logged action with its raw parameters.
type ActionResponse struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	MarketToken string    `json:"market_token"`
	Account     string    `json:"account"`
	State       string    `json:"state"`
	Payload     any       `json:"payload"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

func actionResponse(rec *store.ActionRecord) ActionResponse {
	return ActionResponse{
		ID:          rec.ID,
		Kind:        actionKindString(rec.Kind),
		MarketToken: rec.MarketToken,
		Account:     rec.Account,
		State:       actionStateString(rec.State),
		Payload:     rawPayload(rec.Payload),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
