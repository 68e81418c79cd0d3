// Package errs defines the engine error taxonomy.
//
// Errors fall into three bands:
//  1. arithmetic and precondition errors: always propagate, never recovered;
//  2. domain-expected soft failures: converted to a cancellation for
//     market-kind actions, fatal for limit and stop kinds;
//  3. fatal contract violations: fatal under all kinds.
package errs

import (
	"errors"
	"fmt"
)

// Band 1: arithmetic / precondition.
var (
	ErrComputation          = errors.New("computation error")
	ErrConversion           = errors.New("conversion error")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrNotEnoughTokenAmount = errors.New("not enough token amount")
	ErrTokenAmountOverflow  = errors.New("token amount overflow")
	ErrValueOverflow        = errors.New("value overflow")
)

// Band 2: domain-expected soft failures.
var (
	ErrInsufficientOutputAmount        = errors.New("insufficient output amount")
	ErrInvalidTriggerPrice             = errors.New("invalid trigger price")
	ErrNotFulfillableAtAcceptablePrice = errors.New("not fulfillable at acceptable price")
	ErrMaxOpenInterestExceeded         = errors.New("max open interest exceeded")
	ErrInvalidPosition                 = errors.New("invalid position")
	ErrAdlNotRequired                  = errors.New("adl not required")
	ErrInvalidAdl                      = errors.New("invalid adl")

	ErrInsufficientFundsToPayForCosts = errors.New("insufficient funds to pay for costs")

	ErrMaxPoolAmountExceeded = errors.New("max pool amount exceeded")
	ErrMaxPoolValueExceeded  = errors.New("max pool value exceeded")
	ErrInsufficientReserve   = errors.New("insufficient reserve")
	ErrPnlFactorExceeded     = errors.New("pnl factor exceeded")

	// Oracle staleness pair. Larger-than-required means the newest feed is
	// older than the executor demands: market kinds cancel, others abort.
	// Smaller-than-required is fatal under all kinds.
	ErrOracleTimestampsAreLargerThanRequired  = errors.New("oracle timestamps are larger than required")
	ErrOracleTimestampsAreSmallerThanRequired = errors.New("oracle timestamps are smaller than required")

	ErrGlvShiftIntervalNotYetPassed         = errors.New("glv shift interval not yet passed")
	ErrGlvShiftMaxPriceImpactExceeded       = errors.New("glv shift max price impact exceeded")
	ErrGlvShiftMinValueNotReached           = errors.New("glv shift min value not reached")
	ErrExceedMaxGlvMarketTokenBalanceAmount = errors.New("exceed max glv market token balance amount")
	ErrExceedMaxGlvMarketTokenBalanceValue  = errors.New("exceed max glv market token balance value")
)

// Band 3: fatal contract violations.
var (
	ErrInvalidMarketBalance = errors.New("invalid market balance")
	ErrInternal             = errors.New("internal error")
)

// LiquidationReason states why a position is liquidatable.
type LiquidationReason int

const (
	LiquidationReasonNotPositive LiquidationReason = iota
	LiquidationReasonMinCollateral
	LiquidationReasonMinCollateralForLeverage
	LiquidationReasonMinPositionSize
)

func (r LiquidationReason) String() string {
	switch r {
	case LiquidationReasonNotPositive:
		return "NotPositive"
	case LiquidationReasonMinCollateral:
		return "MinCollateral"
	case LiquidationReasonMinCollateralForLeverage:
		return "MinCollateralForLeverage"
	case LiquidationReasonMinPositionSize:
		return "MinPositionSize"
	default:
		return "Unknown"
	}
}

// LiquidatableError reports a liquidatable position together with the reason.
type LiquidatableError struct {
	Reason LiquidationReason
}

func (e *LiquidatableError) Error() string {
	return fmt.Sprintf("position is liquidatable: %s", e.Reason)
}

// Liquidatable wraps a reason into an error.
func Liquidatable(reason LiquidationReason) error {
	return &LiquidatableError{Reason: reason}
}

// IsSoftForMarketKind reports whether err is a domain-expected failure that a
// market-kind action converts into a cancellation instead of aborting.
func IsSoftForMarketKind(err error) bool {
	switch {
	case errors.Is(err, ErrOracleTimestampsAreLargerThanRequired),
		errors.Is(err, ErrInsufficientOutputAmount),
		errors.Is(err, ErrMaxOpenInterestExceeded),
		errors.Is(err, ErrMaxPoolAmountExceeded),
		errors.Is(err, ErrMaxPoolValueExceeded),
		errors.Is(err, ErrInsufficientReserve),
		errors.Is(err, ErrPnlFactorExceeded),
		errors.Is(err, ErrNotFulfillableAtAcceptablePrice),
		errors.Is(err, ErrInvalidTriggerPrice):
		return true
	}
	return false
}
