package ledger

import (
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpCore/internal/exec"
	"PerpCore/internal/store"
)

const defaultBatchHistory = 4096

// Recorder turns completed executions into balanced journal batches.
// It runs as an execution hook: the trade is already committed when a
// batch is written, so a failure here is logged by the executor and
// never reverts state.
type Recorder struct {
	mu       sync.Mutex
	store    store.Store
	tracker  *BalanceTracker
	log      zerolog.Logger
	sequence int64

	batches  []*Batch
	capacity int
}

func NewRecorder(st store.Store, tracker *BalanceTracker, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:    st,
		tracker:  tracker,
		log:      log.With().Str("component", "ledger").Logger(),
		capacity: defaultBatchHistory,
	}
}

// AfterExecution journals the outbound transfer of one completed
// action. Cancelled actions move nothing and produce no batch.
func (r *Recorder) AfterExecution(rec *store.ActionRecord, out *exec.TransferOut) error {
	if out == nil || !out.Executed {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := &Batch{
		BatchID:   uuid.New(),
		ActionID:  rec.ID,
		Sequence:  r.sequence,
		Timestamp: rec.UpdatedAt,
	}

	r.appendEntry(batch, rec, EntryFinalOutput, out.FinalOutputToken, out.FinalOutputAmount)
	r.appendEntry(batch, rec, EntrySecondaryOutput, out.SecondaryOutputToken, out.SecondaryOutputAmount)

	if m, err := r.store.Market(rec.MarketToken); err == nil {
		r.appendEntry(batch, rec, EntryLongPayout, m.LongToken, out.LongTokenAmount)
		r.appendEntry(batch, rec, EntryShortPayout, m.ShortToken, out.ShortTokenAmount)
	} else {
		r.log.Warn().Err(err).Str("market", rec.MarketToken).Msg("market gone, skipping payout legs")
	}

	if len(batch.Entries) == 0 {
		return nil
	}
	if err := r.tracker.ApplyBatch(batch); err != nil {
		return err
	}

	r.batches = append(r.batches, batch)
	if len(r.batches) > r.capacity {
		r.batches = r.batches[len(r.batches)-r.capacity:]
	}
	r.sequence++
	return nil
}

func (r *Recorder) appendEntry(batch *Batch, rec *store.ActionRecord, typ EntryType, token string, amount *uint256.Int) {
	if token == "" || amount == nil || amount.IsZero() {
		return
	}
	batch.Entries = append(batch.Entries, Entry{
		EntryID:   uuid.New(),
		BatchID:   batch.BatchID,
		ActionID:  rec.ID,
		Sequence:  batch.Sequence,
		Debit:     UserAccount(rec.Account, token),
		Credit:    VaultAccount(rec.MarketToken, token),
		Token:     token,
		Amount:    amount.Clone(),
		Type:      typ,
		Timestamp: rec.UpdatedAt,
	})
}

// Tracker exposes the balances the recorder maintains.
func (r *Recorder) Tracker() *BalanceTracker {
	return r.tracker
}

// Batches returns up to limit batches, newest first.
func (r *Recorder) Batches(limit int) []*Batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.batches) {
		limit = len(r.batches)
	}
	out := make([]*Batch, 0, limit)
	for i := len(r.batches) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.batches[i])
	}
	return out
}

// ByAction returns the batch journaled for one action, if it is still
// in the retained window.
func (r *Recorder) ByAction(actionID uuid.UUID) (*Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.batches) - 1; i >= 0; i-- {
		if r.batches[i].ActionID == actionID {
			return r.batches[i], true
		}
	}
	return nil, false
}
