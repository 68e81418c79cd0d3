// Package store holds the canonical engine state between actions:
// markets, positions, vault balances, and the action log. The engine
// only sees the Store interface; Memory is the live implementation and
// Archive persists snapshots and actions to Postgres.
package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/position"
)

// PositionKey identifies one position.
type PositionKey struct {
	Owner           string
	MarketToken     string
	CollateralToken string
	IsLong          bool
}

// KeyOf derives the key of an existing position.
func KeyOf(p *position.Position) PositionKey {
	return PositionKey{
		Owner:           p.Owner,
		MarketToken:     p.MarketToken,
		CollateralToken: p.CollateralToken,
		IsLong:          p.IsLong,
	}
}

// ActionRecord is one logged action. Payload is the kind-specific
// parameter struct, JSON-encoded by the executor.
type ActionRecord struct {
	ID          uuid.UUID
	Kind        market.ActionKind
	MarketToken string
	Account     string
	State       int32
	Payload     json.RawMessage
	CreatedAt   int64
	UpdatedAt   int64
}

// Store is the engine's view of canonical state. Mutations happen
// in-place on the returned objects; executors snapshot markets through
// the revertible layer before touching them.
type Store interface {
	Market(marketToken string) (*market.Market, error)
	PutMarket(m *market.Market)
	Markets() []*market.Market

	Position(key PositionKey) (*position.Position, error)
	PutPosition(p *position.Position)
	RemovePosition(key PositionKey)
	PositionsByMarket(marketToken string) []*position.Position

	Glv(glvToken string) (*glv.Glv, error)
	PutGlv(g *glv.Glv)
	Glvs() []*glv.Glv

	// Vault balances track tokens actually held for a market or vault.
	// They move on transfer-in and transfer-out, never inside a snapshot.
	VaultBalance(marketToken, token string) *uint256.Int
	AddVaultBalance(marketToken, token string, amount *uint256.Int)
	SubVaultBalance(marketToken, token string, amount *uint256.Int) error

	SaveAction(rec *ActionRecord)
	Action(id uuid.UUID) (*ActionRecord, error)
}
