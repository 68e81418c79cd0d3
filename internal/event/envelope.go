// Package event defines the outbound event stream: every executed
// action, price update, and funding snapshot is wrapped in an Envelope
// and published for downstream consumers (projections, indexers,
// keepers).
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates envelope payloads. Values are wire-visible and
// appear in NATS subjects.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdrawal    Kind = "withdrawal"
	KindShift         Kind = "shift"
	KindOrder         Kind = "order"
	KindGlvDeposit    Kind = "glv_deposit"
	KindGlvWithdrawal Kind = "glv_withdrawal"
	KindGlvShift      Kind = "glv_shift"
	KindPrice         Kind = "price"
	KindFunding       Kind = "funding"
)

// Envelope wraps every published event. Sequence is assigned by the
// emitter and is monotonic per process; consumers needing global order
// replay the action log instead.
type Envelope struct {
	Sequence int64 `json:"sequence"`

	Kind        Kind   `json:"kind"`
	MarketToken string `json:"market_token,omitempty"`
	Account     string `json:"account,omitempty"`

	// ActionID is the originating action for execution events, zero
	// otherwise.
	ActionID uuid.UUID `json:"action_id,omitempty"`

	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Subject returns the NATS subject the envelope publishes under:
// perp.core.events.{kind}[.{market}].
func (e *Envelope) Subject() string {
	if e.MarketToken == "" {
		return fmt.Sprintf("perp.core.events.%s", e.Kind)
	}
	return fmt.Sprintf("perp.core.events.%s.%s", e.Kind, e.MarketToken)
}
