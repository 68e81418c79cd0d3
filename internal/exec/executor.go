package exec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpCore/internal/errs"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/revertible"
	"PerpCore/internal/store"
)

// Recorder receives execution metrics. Implemented by
// observability.Metrics; nil disables recording.
type Recorder interface {
	ObserveExecution(kind, state string, seconds float64)
}

// Hook runs after a successful commit. Failures are logged and never
// revert the committed trade.
type Hook interface {
	AfterExecution(rec *store.ActionRecord, out *TransferOut) error
}

// Executor runs actions against the store. One executor serves many
// markets; the host serializes actions per market.
type Executor struct {
	store store.Store
	log   zerolog.Logger
	rec   Recorder
	hooks []Hook
}

type Option func(*Executor)

func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.rec = r }
}

func WithHooks(hooks ...Hook) Option {
	return func(e *Executor) { e.hooks = append(e.hooks, hooks...) }
}

func New(st store.Store, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{store: st, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the terminal outcome of an execution. State lives on the
// record; TransferOut.Executed is false for cancellations.
type Result struct {
	Record      *store.ActionRecord
	TransferOut *TransferOut
}

// outcome is what an action body hands back: the user-facing transfer
// and a post-commit closure that moves vault balances and writes
// positions. The closure only runs after a successful commit.
type outcome struct {
	out  *TransferOut
	post func() error
}

func (h *ActionHeader) timeWindow() oracle.TimeWindow {
	w := oracle.TimeWindow{
		UpdatedAfter:     h.UpdatedAt,
		UpdatedAfterSlot: h.UpdatedAtSlot,
	}
	if h.RequestExpiration > 0 {
		w.UpdatedBefore = h.UpdatedAt + h.RequestExpiration
	}
	return w
}

// run drives the uniform execution pattern: oracle-time gate, pending
// record, model inside a revertible snapshot, commit, post-commit
// transfers, hooks.
func (e *Executor) run(
	o *oracle.Oracle,
	h *ActionHeader,
	kind market.ActionKind,
	kindName string,
	marketKind bool,
	payload interface{},
	body func(set *revertible.MarketSet) (*outcome, error),
) (*Result, error) {
	started := time.Now()

	if h.State != ActionPending {
		return nil, fmt.Errorf("action %s is %s: %w", h.ID, h.State, errs.ErrInvalidArgument)
	}

	rec := e.newRecord(h, kind, payload)

	if err := o.ValidateTime(h.timeWindow()); err != nil {
		if marketKind && errs.IsSoftForMarketKind(err) {
			return e.cancel(h, rec, kindName, started, err), nil
		}
		return nil, err
	}

	set := revertible.NewMarketSet(e.store.Market)
	oc, err := body(set)
	if err != nil {
		if marketKind && errs.IsSoftForMarketKind(err) {
			return e.cancel(h, rec, kindName, started, err), nil
		}
		// Snapshot discarded; the record stays pending for retryable
		// kinds and the caller decides what to do with the error.
		e.store.SaveAction(rec)
		return nil, err
	}

	if err := set.CommitAll(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if oc.post != nil {
		if err := oc.post(); err != nil {
			return nil, fmt.Errorf("transfer out: %w: %v", errs.ErrInvalidMarketBalance, err)
		}
	}
	if err := e.validateBalances(set); err != nil {
		return nil, err
	}

	h.State = ActionCompleted
	rec.State = int32(ActionCompleted)
	rec.UpdatedAt = h.UpdatedAt
	e.store.SaveAction(rec)

	oc.out.Executed = true
	e.observe(kindName, ActionCompleted, started)
	e.runHooks(rec, oc.out)
	return &Result{Record: rec, TransferOut: oc.out}, nil
}

// validateBalances checks that every touched market's vault still holds
// its expected backing after the transfers settle.
func (e *Executor) validateBalances(set *revertible.MarketSet) error {
	for _, token := range set.Touched() {
		m, err := e.store.Market(token)
		if err != nil {
			return err
		}
		zero := new(uint256.Int)
		if err := m.ValidateMarketBalances(
			e.store.VaultBalance(token, m.LongToken),
			e.store.VaultBalance(token, m.ShortToken),
			zero, zero,
		); err != nil {
			return fmt.Errorf("market %s: %w", token, err)
		}
	}
	return nil
}

func (e *Executor) cancel(
	h *ActionHeader,
	rec *store.ActionRecord,
	kindName string,
	started time.Time,
	cause error,
) *Result {
	h.State = ActionCancelled
	rec.State = int32(ActionCancelled)
	e.store.SaveAction(rec)
	e.log.Info().
		Str("action", h.ID.String()).
		Str("kind", kindName).
		Err(cause).
		Msg("action cancelled")
	e.observe(kindName, ActionCancelled, started)
	return &Result{Record: rec, TransferOut: newTransferOut()}
}

func (e *Executor) newRecord(h *ActionHeader, kind market.ActionKind, payload interface{}) *store.ActionRecord {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return &store.ActionRecord{
		ID:          h.ID,
		Kind:        kind,
		MarketToken: h.MarketToken,
		Account:     h.Owner,
		State:       int32(ActionPending),
		Payload:     data,
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   h.UpdatedAt,
	}
}

func (e *Executor) observe(kindName string, state ActionState, started time.Time) {
	if e.rec == nil {
		return
	}
	e.rec.ObserveExecution(kindName, state.String(), time.Since(started).Seconds())
}

func (e *Executor) runHooks(rec *store.ActionRecord, out *TransferOut) {
	for _, hook := range e.hooks {
		if err := hook.AfterExecution(rec, out); err != nil {
			e.log.Warn().
				Str("action", rec.ID.String()).
				Err(err).
				Msg("post-commit hook failed")
		}
	}
}
