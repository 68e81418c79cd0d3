package event

import (
	"encoding/json"
)

// PriceUpdate mirrors an accepted oracle feed, republished so consumers
// see the prices the engine actually executed against.
type PriceUpdate struct {
	Token string `json:"token"`

	Min string `json:"min"`
	Max string `json:"max"`

	Timestamp int64  `json:"timestamp"`
	Slot      uint64 `json:"slot,omitempty"`
}

// NewPriceUpdate builds the envelope for one accepted feed.
func NewPriceUpdate(seq int64, update PriceUpdate) (*Envelope, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sequence: seq,
		Kind:     KindPrice,
		Payload:  payload,
	}, nil
}
