package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpCore/internal/exec"
	"PerpCore/internal/oracle"
)

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Token
// amounts and prices travel as decimal strings.

type priceUpdateJSON struct {
	Token     string `json:"token"`
	Min       string `json:"min"`
	Max       string `json:"max"`
	Timestamp int64  `json:"timestamp"`
	Slot      uint64 `json:"slot"`
	Decimals  uint8  `json:"decimals"`
	RefPrice  string `json:"ref_price,omitempty"`
}

// ParsePriceUpdate converts one price message into a validated feed.
func ParsePriceUpdate(data []byte) (string, oracle.Feed, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", oracle.Feed{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.Token == "" {
		return "", oracle.Feed{}, fmt.Errorf("price update missing token")
	}
	if j.Timestamp <= 0 {
		return "", oracle.Feed{}, fmt.Errorf("price update for %s: missing timestamp", j.Token)
	}

	min, err := parseAmount(j.Min)
	if err != nil {
		return "", oracle.Feed{}, fmt.Errorf("parse min for %s: %w", j.Token, err)
	}
	max, err := parseAmount(j.Max)
	if err != nil {
		return "", oracle.Feed{}, fmt.Errorf("parse max for %s: %w", j.Token, err)
	}
	if min == nil || max == nil || min.IsZero() || max.IsZero() {
		return "", oracle.Feed{}, fmt.Errorf("price update for %s: zero price", j.Token)
	}
	if min.Gt(max) {
		return "", oracle.Feed{}, fmt.Errorf("price update for %s: min %s > max %s", j.Token, min.Dec(), max.Dec())
	}

	feed := oracle.Feed{
		Min:       min,
		Max:       max,
		Timestamp: j.Timestamp,
		Slot:      j.Slot,
		Decimals:  j.Decimals,
	}
	if j.RefPrice != "" {
		ref, err := parseAmount(j.RefPrice)
		if err != nil {
			return "", oracle.Feed{}, fmt.Errorf("parse ref_price for %s: %w", j.Token, err)
		}
		feed.RefPrice = ref
	}
	return j.Token, feed, nil
}

type actionHeaderJSON struct {
	ID                string `json:"id"`
	MarketToken       string `json:"market_token"`
	Owner             string `json:"owner"`
	Receiver          string `json:"receiver,omitempty"`
	Nonce             uint64 `json:"nonce"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
	UpdatedAtSlot     uint64 `json:"updated_at_slot,omitempty"`
	RequestExpiration int64  `json:"request_expiration,omitempty"`
}

type actionEnvelopeJSON struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ParseActionRequest converts an inbound action message into the typed
// action struct the executor runs. The returned value is one of
// *exec.Deposit, *exec.Withdrawal, *exec.Shift, *exec.Order,
// *exec.GlvDeposit, *exec.GlvWithdrawal, or *exec.GlvShift.
func ParseActionRequest(data []byte) (any, error) {
	var env actionEnvelopeJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse action envelope: %w", err)
	}

	switch env.Kind {
	case "deposit":
		return parseDeposit(env.Payload)
	case "withdrawal":
		return parseWithdrawal(env.Payload)
	case "shift":
		return parseShift(env.Payload)
	case "order":
		return parseOrder(env.Payload)
	case "glv_deposit":
		return parseGlvDeposit(env.Payload)
	case "glv_withdrawal":
		return parseGlvWithdrawal(env.Payload)
	case "glv_shift":
		return parseGlvShift(env.Payload)
	default:
		return nil, fmt.Errorf("unknown action kind: %q", env.Kind)
	}
}

type depositJSON struct {
	Header actionHeaderJSON `json:"header"`

	LongTokenAmount      string `json:"long_token_amount,omitempty"`
	ShortTokenAmount     string `json:"short_token_amount,omitempty"`
	MinMarketTokenAmount string `json:"min_market_token_amount,omitempty"`
}

func parseDeposit(data []byte) (*exec.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	long, err := parseAmount(j.LongTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse long_token_amount: %w", err)
	}
	short, err := parseAmount(j.ShortTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse short_token_amount: %w", err)
	}
	min, err := parseAmount(j.MinMarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_market_token_amount: %w", err)
	}
	return &exec.Deposit{
		Header:               header,
		LongTokenAmount:      long,
		ShortTokenAmount:     short,
		MinMarketTokenAmount: min,
	}, nil
}

type withdrawalJSON struct {
	Header actionHeaderJSON `json:"header"`

	MarketTokenAmount   string `json:"market_token_amount"`
	MinLongTokenAmount  string `json:"min_long_token_amount,omitempty"`
	MinShortTokenAmount string `json:"min_short_token_amount,omitempty"`
}

func parseWithdrawal(data []byte) (*exec.Withdrawal, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdrawal: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal: %w", err)
	}
	amount, err := parseAmount(j.MarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse market_token_amount: %w", err)
	}
	minLong, err := parseAmount(j.MinLongTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_long_token_amount: %w", err)
	}
	minShort, err := parseAmount(j.MinShortTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_short_token_amount: %w", err)
	}
	return &exec.Withdrawal{
		Header:              header,
		MarketTokenAmount:   amount,
		MinLongTokenAmount:  minLong,
		MinShortTokenAmount: minShort,
	}, nil
}

type shiftJSON struct {
	Header actionHeaderJSON `json:"header"`

	ToMarketToken          string `json:"to_market_token"`
	MarketTokenAmount      string `json:"market_token_amount"`
	MinToMarketTokenAmount string `json:"min_to_market_token_amount,omitempty"`
}

func parseShift(data []byte) (*exec.Shift, error) {
	var j shiftJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse shift: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse shift: %w", err)
	}
	amount, err := parseAmount(j.MarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse market_token_amount: %w", err)
	}
	min, err := parseAmount(j.MinToMarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_to_market_token_amount: %w", err)
	}
	return &exec.Shift{
		Header:                 header,
		ToMarketToken:          j.ToMarketToken,
		MarketTokenAmount:      amount,
		MinToMarketTokenAmount: min,
	}, nil
}

type orderJSON struct {
	Header actionHeaderJSON `json:"header"`

	OrderKind       string `json:"order_kind"`
	IsLong          bool   `json:"is_long"`
	CollateralToken string `json:"collateral_token,omitempty"`

	InitialCollateralToken       string `json:"initial_collateral_token,omitempty"`
	InitialCollateralDeltaAmount string `json:"initial_collateral_delta_amount,omitempty"`
	SizeDeltaUsd                 string `json:"size_delta_usd,omitempty"`

	TriggerPrice    string `json:"trigger_price,omitempty"`
	AcceptablePrice string `json:"acceptable_price,omitempty"`
	MinOutputAmount string `json:"min_output_amount,omitempty"`

	LongPath  []string `json:"long_swap_path,omitempty"`
	ShortPath []string `json:"short_swap_path,omitempty"`
}

func parseOrder(data []byte) (*exec.Order, error) {
	var j orderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	kind, err := orderKindFromString(j.OrderKind)
	if err != nil {
		return nil, err
	}
	collateralDelta, err := parseAmount(j.InitialCollateralDeltaAmount)
	if err != nil {
		return nil, fmt.Errorf("parse initial_collateral_delta_amount: %w", err)
	}
	sizeDelta, err := parseAmount(j.SizeDeltaUsd)
	if err != nil {
		return nil, fmt.Errorf("parse size_delta_usd: %w", err)
	}
	trigger, err := parseAmount(j.TriggerPrice)
	if err != nil {
		return nil, fmt.Errorf("parse trigger_price: %w", err)
	}
	acceptable, err := parseAmount(j.AcceptablePrice)
	if err != nil {
		return nil, fmt.Errorf("parse acceptable_price: %w", err)
	}
	minOut, err := parseAmount(j.MinOutputAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_output_amount: %w", err)
	}
	return &exec.Order{
		Header:                       header,
		Kind:                         kind,
		IsLong:                       j.IsLong,
		CollateralToken:              j.CollateralToken,
		InitialCollateralToken:       j.InitialCollateralToken,
		InitialCollateralDeltaAmount: collateralDelta,
		SizeDeltaUsd:                 sizeDelta,
		TriggerPrice:                 trigger,
		AcceptablePrice:              acceptable,
		MinOutputAmount:              minOut,
		Swap: exec.SwapParams{
			LongPath:  j.LongPath,
			ShortPath: j.ShortPath,
		},
	}, nil
}

type glvDepositJSON struct {
	Header actionHeaderJSON `json:"header"`

	GlvToken          string `json:"glv_token"`
	LongTokenAmount   string `json:"long_token_amount,omitempty"`
	ShortTokenAmount  string `json:"short_token_amount,omitempty"`
	MarketTokenAmount string `json:"market_token_amount,omitempty"`
	MinGlvTokenAmount string `json:"min_glv_token_amount,omitempty"`
}

func parseGlvDeposit(data []byte) (*exec.GlvDeposit, error) {
	var j glvDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse glv deposit: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse glv deposit: %w", err)
	}
	long, err := parseAmount(j.LongTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse long_token_amount: %w", err)
	}
	short, err := parseAmount(j.ShortTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse short_token_amount: %w", err)
	}
	marketAmount, err := parseAmount(j.MarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse market_token_amount: %w", err)
	}
	min, err := parseAmount(j.MinGlvTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_glv_token_amount: %w", err)
	}
	return &exec.GlvDeposit{
		Header:            header,
		GlvToken:          j.GlvToken,
		LongTokenAmount:   long,
		ShortTokenAmount:  short,
		MarketTokenAmount: marketAmount,
		MinGlvTokenAmount: min,
	}, nil
}

type glvWithdrawalJSON struct {
	Header actionHeaderJSON `json:"header"`

	GlvToken            string `json:"glv_token"`
	GlvTokenAmount      string `json:"glv_token_amount"`
	MinLongTokenAmount  string `json:"min_long_token_amount,omitempty"`
	MinShortTokenAmount string `json:"min_short_token_amount,omitempty"`
}

func parseGlvWithdrawal(data []byte) (*exec.GlvWithdrawal, error) {
	var j glvWithdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse glv withdrawal: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse glv withdrawal: %w", err)
	}
	amount, err := parseAmount(j.GlvTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse glv_token_amount: %w", err)
	}
	minLong, err := parseAmount(j.MinLongTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_long_token_amount: %w", err)
	}
	minShort, err := parseAmount(j.MinShortTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_short_token_amount: %w", err)
	}
	return &exec.GlvWithdrawal{
		Header:              header,
		GlvToken:            j.GlvToken,
		GlvTokenAmount:      amount,
		MinLongTokenAmount:  minLong,
		MinShortTokenAmount: minShort,
	}, nil
}

type glvShiftJSON struct {
	Header actionHeaderJSON `json:"header"`

	GlvToken               string `json:"glv_token"`
	ToMarketToken          string `json:"to_market_token"`
	MarketTokenAmount      string `json:"market_token_amount"`
	MinToMarketTokenAmount string `json:"min_to_market_token_amount,omitempty"`
}

func parseGlvShift(data []byte) (*exec.GlvShift, error) {
	var j glvShiftJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse glv shift: %w", err)
	}
	header, err := parseHeader(j.Header)
	if err != nil {
		return nil, fmt.Errorf("parse glv shift: %w", err)
	}
	amount, err := parseAmount(j.MarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse market_token_amount: %w", err)
	}
	min, err := parseAmount(j.MinToMarketTokenAmount)
	if err != nil {
		return nil, fmt.Errorf("parse min_to_market_token_amount: %w", err)
	}
	return &exec.GlvShift{
		Header:                 header,
		GlvToken:               j.GlvToken,
		ToMarketToken:          j.ToMarketToken,
		MarketTokenAmount:      amount,
		MinToMarketTokenAmount: min,
	}, nil
}

func parseHeader(j actionHeaderJSON) (exec.ActionHeader, error) {
	id, err := uuid.Parse(j.ID)
	if err != nil {
		return exec.ActionHeader{}, fmt.Errorf("parse id: %w", err)
	}
	if j.MarketToken == "" {
		return exec.ActionHeader{}, fmt.Errorf("missing market_token")
	}
	if j.Owner == "" {
		return exec.ActionHeader{}, fmt.Errorf("missing owner")
	}
	return exec.ActionHeader{
		ID:                id,
		MarketToken:       j.MarketToken,
		Owner:             j.Owner,
		Receiver:          j.Receiver,
		Nonce:             j.Nonce,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		UpdatedAtSlot:     j.UpdatedAtSlot,
		RequestExpiration: j.RequestExpiration,
		State:             exec.ActionPending,
	}, nil
}

// parseAmount reads a decimal string. Empty means absent and maps to
// nil, which action structs treat as zero or "no bound".
func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decimal %q: %w", s, err)
	}
	return v, nil
}

func orderKindFromString(s string) (exec.OrderKind, error) {
	switch s {
	case "market_swap":
		return exec.OrderMarketSwap, nil
	case "limit_swap":
		return exec.OrderLimitSwap, nil
	case "market_increase":
		return exec.OrderMarketIncrease, nil
	case "limit_increase":
		return exec.OrderLimitIncrease, nil
	case "market_decrease":
		return exec.OrderMarketDecrease, nil
	case "limit_decrease":
		return exec.OrderLimitDecrease, nil
	case "stop_loss_decrease":
		return exec.OrderStopLossDecrease, nil
	case "liquidation":
		return exec.OrderLiquidation, nil
	case "auto_deleveraging":
		return exec.OrderAutoDeleveraging, nil
	default:
		return 0, fmt.Errorf("unknown order kind: %q", s)
	}
}
