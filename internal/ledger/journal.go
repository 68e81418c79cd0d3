package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EntryType names the payout leg an entry records.
type EntryType int32

const (
	EntryFinalOutput EntryType = iota
	EntrySecondaryOutput
	EntryLongPayout
	EntryShortPayout
)

func (t EntryType) String() string {
	switch t {
	case EntryFinalOutput:
		return "final_output"
	case EntrySecondaryOutput:
		return "secondary_output"
	case EntryLongPayout:
		return "long_payout"
	case EntryShortPayout:
		return "short_payout"
	}
	return "unknown"
}

// Entry is one double-entry movement. Amount is always positive; the
// debit account gains, the credit account loses.
type Entry struct {
	EntryID  uuid.UUID
	BatchID  uuid.UUID
	ActionID uuid.UUID
	Sequence int64

	Debit  AccountKey
	Credit AccountKey
	Token  string
	Amount *uint256.Int

	Type      EntryType
	Timestamp int64
}

// Batch groups the entries generated from one execution. All entries
// share the batch's sequence and action id.
type Batch struct {
	BatchID   uuid.UUID
	ActionID  uuid.UUID
	Sequence  int64
	Timestamp int64
	Entries   []Entry
}
