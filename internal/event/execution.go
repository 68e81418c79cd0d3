package event

import (
	"encoding/json"

	"PerpCore/internal/exec"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

// TransferOutView is the serializable slice of an execution's outputs.
// Amounts are decimal strings; zero-amount fields are omitted.
type TransferOutView struct {
	Executed bool `json:"executed"`

	FinalOutputToken  string `json:"final_output_token,omitempty"`
	FinalOutputAmount string `json:"final_output_amount,omitempty"`

	SecondaryOutputToken  string `json:"secondary_output_token,omitempty"`
	SecondaryOutputAmount string `json:"secondary_output_amount,omitempty"`

	LongTokenAmount  string `json:"long_token_amount,omitempty"`
	ShortTokenAmount string `json:"short_token_amount,omitempty"`

	ClaimableForHoldingAmount string `json:"claimable_for_holding_amount,omitempty"`
}

// Execution is the payload of every action-execution envelope: the
// terminal state, the typed action parameters as recorded, and the
// user-facing outputs.
type Execution struct {
	State  string          `json:"state"`
	Params json.RawMessage `json:"params,omitempty"`

	TransferOut TransferOutView `json:"transfer_out"`
}

func kindOfAction(kind market.ActionKind) Kind {
	switch kind {
	case market.ActionDeposit:
		return KindDeposit
	case market.ActionWithdrawal:
		return KindWithdrawal
	case market.ActionShift:
		return KindShift
	case market.ActionGlvDeposit:
		return KindGlvDeposit
	case market.ActionGlvWithdrawal:
		return KindGlvWithdrawal
	case market.ActionGlvShift:
		return KindGlvShift
	default:
		return KindOrder
	}
}

func viewOf(out *exec.TransferOut) TransferOutView {
	v := TransferOutView{Executed: out.Executed}
	if out.FinalOutputAmount != nil && !out.FinalOutputAmount.IsZero() {
		v.FinalOutputToken = out.FinalOutputToken
		v.FinalOutputAmount = out.FinalOutputAmount.Dec()
	}
	if out.SecondaryOutputAmount != nil && !out.SecondaryOutputAmount.IsZero() {
		v.SecondaryOutputToken = out.SecondaryOutputToken
		v.SecondaryOutputAmount = out.SecondaryOutputAmount.Dec()
	}
	if out.LongTokenAmount != nil && !out.LongTokenAmount.IsZero() {
		v.LongTokenAmount = out.LongTokenAmount.Dec()
	}
	if out.ShortTokenAmount != nil && !out.ShortTokenAmount.IsZero() {
		v.ShortTokenAmount = out.ShortTokenAmount.Dec()
	}
	if out.ClaimableForHoldingAmount != nil && !out.ClaimableForHoldingAmount.IsZero() {
		v.ClaimableForHoldingAmount = out.ClaimableForHoldingAmount.Dec()
	}
	return v
}

// NewExecution builds the envelope for one executed action.
func NewExecution(seq int64, rec *store.ActionRecord, out *exec.TransferOut) (*Envelope, error) {
	payload, err := json.Marshal(Execution{
		State:       exec.ActionState(rec.State).String(),
		Params:      rec.Payload,
		TransferOut: viewOf(out),
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sequence:    seq,
		Kind:        kindOfAction(rec.Kind),
		MarketToken: rec.MarketToken,
		Account:     rec.Account,
		ActionID:    rec.ID,
		Payload:     payload,
	}, nil
}
