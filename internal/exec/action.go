// Package exec orchestrates actions against the engine: deposits,
// withdrawals, shifts, and orders including liquidations and
// auto-deleveraging. Every execution follows the same shape: validate
// oracle freshness, run the model inside a revertible snapshot, commit
// on success, and record the action's terminal state.
package exec

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ActionState is the action record lifecycle. Values are wire-stable.
type ActionState int32

const (
	ActionPending   ActionState = 1
	ActionCompleted ActionState = 2
	ActionCancelled ActionState = 3
)

func (s ActionState) String() string {
	switch s {
	case ActionPending:
		return "pending"
	case ActionCompleted:
		return "completed"
	case ActionCancelled:
		return "cancelled"
	}
	return "unknown"
}

// OrderKind discriminates order actions. Values are wire-stable.
type OrderKind int32

const (
	OrderMarketSwap OrderKind = iota
	OrderLimitSwap
	OrderMarketIncrease
	OrderLimitIncrease
	OrderMarketDecrease
	OrderLimitDecrease
	OrderStopLossDecrease
	OrderLiquidation
	OrderAutoDeleveraging
)

func (k OrderKind) String() string {
	switch k {
	case OrderMarketSwap:
		return "market_swap"
	case OrderLimitSwap:
		return "limit_swap"
	case OrderMarketIncrease:
		return "market_increase"
	case OrderLimitIncrease:
		return "limit_increase"
	case OrderMarketDecrease:
		return "market_decrease"
	case OrderLimitDecrease:
		return "limit_decrease"
	case OrderStopLossDecrease:
		return "stop_loss_decrease"
	case OrderLiquidation:
		return "liquidation"
	case OrderAutoDeleveraging:
		return "auto_deleveraging"
	}
	return "unknown"
}

// IsMarketKind reports whether oracle expiry soft-cancels the order
// instead of aborting the transaction.
func (k OrderKind) IsMarketKind() bool {
	switch k {
	case OrderMarketSwap, OrderMarketIncrease, OrderMarketDecrease:
		return true
	}
	return false
}

func (k OrderKind) IsSwap() bool {
	return k == OrderMarketSwap || k == OrderLimitSwap
}

func (k OrderKind) IsIncrease() bool {
	return k == OrderMarketIncrease || k == OrderLimitIncrease
}

func (k OrderKind) IsDecrease() bool {
	switch k {
	case OrderMarketDecrease, OrderLimitDecrease, OrderStopLossDecrease,
		OrderLiquidation, OrderAutoDeleveraging:
		return true
	}
	return false
}

// ActionHeader is common to every action record. RequestExpiration of
// zero disables the upper oracle-time bound.
type ActionHeader struct {
	ID          uuid.UUID
	MarketToken string
	Owner       string
	Receiver    string
	Nonce       uint64

	CreatedAt         int64
	UpdatedAt         int64
	UpdatedAtSlot     uint64
	RequestExpiration int64

	State ActionState
}

// SwapParams carry the pre-bound swap routes of an order: LongPath for
// the primary output, ShortPath for the secondary (pnl token) output.
type SwapParams struct {
	LongPath  []string
	ShortPath []string
}

// TransferOut accumulates the token amounts owed to the user after a
// successful execution. Executed gates the transfer stage: a cancelled
// action yields a zero TransferOut with Executed false.
type TransferOut struct {
	Executed bool

	FinalOutputToken  string
	FinalOutputAmount *uint256.Int

	SecondaryOutputToken  string
	SecondaryOutputAmount *uint256.Int

	LongTokenAmount  *uint256.Int
	ShortTokenAmount *uint256.Int

	// Accrued funding drained from the claimable buckets, paid in the
	// market's long and short tokens alongside the other outputs.
	ClaimableLongTokenAmount  *uint256.Int
	ClaimableShortTokenAmount *uint256.Int

	ClaimableForHoldingAmount *uint256.Int
}

func newTransferOut() *TransferOut {
	return &TransferOut{
		FinalOutputAmount:         new(uint256.Int),
		SecondaryOutputAmount:     new(uint256.Int),
		LongTokenAmount:           new(uint256.Int),
		ShortTokenAmount:          new(uint256.Int),
		ClaimableLongTokenAmount:  new(uint256.Int),
		ClaimableShortTokenAmount: new(uint256.Int),
		ClaimableForHoldingAmount: new(uint256.Int),
	}
}
