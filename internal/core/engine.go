// Package core hosts the execution engine: a single-threaded loop that
// turns inbound price feeds and action requests into executor calls,
// with duplicate suppression, per-owner nonce ordering, and a hash
// chain over committed actions.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpCore/internal/errs"
	"PerpCore/internal/event"
	"PerpCore/internal/exec"
	"PerpCore/internal/ingestion"
	"PerpCore/internal/observability"
	"PerpCore/internal/oracle"
	"PerpCore/internal/store"
)

const (
	priceSubjectPrefix  = "perp.core.prices."
	actionSubjectPrefix = "perp.core.actions."
)

// Engine serializes all state mutations. The host feeds it from the
// NATS subscriber channel; nothing else touches the store while the
// engine runs.
type Engine struct {
	store    store.Store
	executor *exec.Executor
	emitter  *event.Emitter
	metrics  *observability.Metrics
	log      zerolog.Logger

	// progressMu guards the fields other goroutines read through
	// Sequence, StateHash, and Nonces: the query service and the
	// snapshot annotator observe progress while the loop commits.
	progressMu sync.Mutex
	hasher     *StateHasher
	dedup      *DuplicateChecker
	nonces     *NonceValidator

	feeds    map[string]oracle.Feed
	sequence int64

	persist chan<- *store.ActionRecord

	// commitMu, when set, is write-held across each commit. The host
	// shares it with whole-state readers (query handlers, snapshots)
	// that hold the read side.
	commitMu *sync.RWMutex

	fundingEvery time.Duration
}

type Option func(*Engine)

// WithEmitter attaches the outbound event emitter.
func WithEmitter(em *event.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithColdChecker attaches the archive-backed duplicate tier.
func WithColdChecker(cold ColdChecker) Option {
	return func(e *Engine) { e.dedup = NewDuplicateChecker(dedupCapacity, cold) }
}

// WithPersistChan routes committed action records to the flush worker.
// The send blocks, so a stalled worker backpressures the engine rather
// than losing records.
func WithPersistChan(ch chan<- *store.ActionRecord) Option {
	return func(e *Engine) { e.persist = ch }
}

// WithMetrics attaches the engine counters. Nil-safe throughout; tests
// run without it.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCommitLock shares a state lock with concurrent readers. Market
// objects are mutated in place during a commit, so anything outside
// the engine goroutine that walks them must hold the read side.
func WithCommitLock(mu *sync.RWMutex) Option {
	return func(e *Engine) { e.commitMu = mu }
}

// WithFundingInterval makes Run publish funding snapshots on a timer.
// Publishing happens on the engine goroutine between messages, so it
// never races an execution.
func WithFundingInterval(d time.Duration) Option {
	return func(e *Engine) { e.fundingEvery = d }
}

const dedupCapacity = 1_000_000

func New(st store.Store, executor *exec.Executor, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		executor: executor,
		log:      log.With().Str("component", "engine").Logger(),
		hasher:   NewStateHasher(),
		dedup:    NewDuplicateChecker(dedupCapacity, nil),
		nonces:   NewNonceValidator(),
		feeds:    make(map[string]oracle.Feed),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes the inbound channel until the context is cancelled or
// the channel closes.
func (e *Engine) Run(ctx context.Context, inbound <-chan ingestion.RawMessage) error {
	var fundingTick <-chan time.Time
	if e.fundingEvery > 0 {
		ticker := time.NewTicker(e.fundingEvery)
		defer ticker.Stop()
		fundingTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			e.handleMessage(ctx, raw)
		case <-fundingTick:
			if at := e.executionTime(); at > 0 {
				e.PublishFunding(at)
			}
		}
	}
}

func (e *Engine) handleMessage(ctx context.Context, raw ingestion.RawMessage) {
	switch {
	case strings.HasPrefix(raw.Subject, priceSubjectPrefix):
		if err := e.HandlePriceUpdate(raw.Data); err != nil {
			e.log.Warn().Str("subject", raw.Subject).Err(err).Msg("price update rejected")
		}
		// Accepted or not, a price message is consumed exactly once.
		raw.Ack()

	case strings.HasPrefix(raw.Subject, actionSubjectPrefix):
		_, err := e.HandleAction(ctx, raw.Data)
		if err != nil && errors.Is(err, errs.ErrInternal) {
			// Transient: redeliver.
			raw.Nak()
			return
		}
		if err != nil {
			e.log.Warn().Str("subject", raw.Subject).Err(err).Msg("action failed")
		}
		raw.Ack()

	default:
		e.log.Warn().Str("subject", raw.Subject).Msg("unroutable message")
		raw.Ack()
	}
}

// HandlePriceUpdate validates a feed and installs it as the execution
// price for its token. Stale slots are dropped; slot gaps are fine.
func (e *Engine) HandlePriceUpdate(data []byte) error {
	token, feed, err := ingestion.ParsePriceUpdate(data)
	if err != nil {
		return err
	}
	if !e.nonces.AcceptFeed(token, feed.Slot) {
		if e.metrics != nil {
			e.metrics.FeedStaleDrops.WithLabelValues(token).Inc()
		}
		return nil
	}
	e.feeds[token] = feed
	if e.metrics != nil {
		e.metrics.FeedUpdates.WithLabelValues(token).Inc()
	}

	if e.emitter != nil {
		update := event.PriceUpdate{
			Token:     token,
			Min:       feed.Min.Dec(),
			Max:       feed.Max.Dec(),
			Timestamp: feed.Timestamp,
			Slot:      feed.Slot,
		}
		if err := e.emitter.EmitPrice(update); err != nil {
			e.log.Warn().Str("token", token).Err(err).Msg("price emit failed")
		}
	}
	return nil
}

// HandleAction parses and executes one action request against the
// current feeds. A nil Result with nil error means the action was a
// duplicate and was skipped.
func (e *Engine) HandleAction(ctx context.Context, data []byte) (*exec.Result, error) {
	action, err := ingestion.ParseActionRequest(data)
	if err != nil {
		return nil, err
	}
	header := headerOf(action)
	if header == nil {
		return nil, fmt.Errorf("action without header: %w", errs.ErrInvalidArgument)
	}

	class, tier := e.classify(ctx, header.ID)
	switch class {
	case actionDuplicate:
		if e.metrics != nil {
			e.metrics.DuplicatesSkipped.WithLabelValues(tier).Inc()
		}
		e.log.Debug().Str("action", header.ID.String()).Msg("duplicate skipped")
		return nil, nil
	case actionFresh:
		e.progressMu.Lock()
		err := e.nonces.ValidateNonce(header.Owner, header.Nonce, false)
		replay := header.Nonce < e.nonces.NextNonce(header.Owner)
		e.progressMu.Unlock()
		if err != nil {
			if e.metrics != nil {
				reason := "gap"
				if replay {
					reason = "replay"
				}
				e.metrics.NonceRejections.WithLabelValues(reason).Inc()
			}
			return nil, err
		}
	case actionRetry:
		// A pending record re-submitted by a keeper. The nonce was
		// consumed on first sight.
	}

	o := oracle.New(e.feeds)
	now := e.executionTime()

	if e.commitMu != nil {
		e.commitMu.Lock()
	}
	res, err := e.dispatch(o, action, now)
	if err == nil {
		e.dedup.MarkProcessed(header.ID)
		e.advanceChain(res.Record)
	}
	if e.commitMu != nil {
		e.commitMu.Unlock()
	}
	if err != nil {
		return nil, err
	}

	if e.persist != nil {
		e.persist <- res.Record
	}
	return res, nil
}

func (e *Engine) dispatch(o *oracle.Oracle, action any, now int64) (*exec.Result, error) {
	switch a := action.(type) {
	case *exec.Deposit:
		return e.executor.ExecuteDeposit(o, a, now)
	case *exec.Withdrawal:
		return e.executor.ExecuteWithdrawal(o, a, now)
	case *exec.Shift:
		return e.executor.ExecuteShift(o, a, now)
	case *exec.Order:
		return e.executor.ExecuteOrder(o, a, now)
	case *exec.GlvDeposit:
		return e.executor.ExecuteGlvDeposit(o, a, now)
	case *exec.GlvWithdrawal:
		return e.executor.ExecuteGlvWithdrawal(o, a, now)
	case *exec.GlvShift:
		return e.executor.ExecuteGlvShift(o, a, now)
	default:
		return nil, fmt.Errorf("unhandled action type %T: %w", action, errs.ErrInvalidArgument)
	}
}

func headerOf(action any) *exec.ActionHeader {
	switch a := action.(type) {
	case *exec.Deposit:
		return &a.Header
	case *exec.Withdrawal:
		return &a.Header
	case *exec.Shift:
		return &a.Header
	case *exec.Order:
		return &a.Header
	case *exec.GlvDeposit:
		return &a.Header
	case *exec.GlvWithdrawal:
		return &a.Header
	case *exec.GlvShift:
		return &a.Header
	}
	return nil
}

type actionClass int

const (
	actionFresh actionClass = iota
	actionRetry
	actionDuplicate
)

// classify decides how to treat an incoming action ID. A recorded
// terminal action is a duplicate; a recorded pending action is a retry
// of a fatally-failed execution; anything unseen is fresh. The second
// return names where a duplicate was detected, for the skip counter.
func (e *Engine) classify(ctx context.Context, id uuid.UUID) (actionClass, string) {
	rec, err := e.store.Action(id)
	if err == nil {
		if exec.ActionState(rec.State) == exec.ActionPending {
			return actionRetry, ""
		}
		return actionDuplicate, "record"
	}
	if e.dedup.IsDuplicate(ctx, id) {
		return actionDuplicate, "cache"
	}
	return actionFresh, ""
}

// executionTime is the newest feed timestamp. The engine never reads
// the wall clock; replays with the same feeds produce the same clocks.
func (e *Engine) executionTime() int64 {
	var max int64
	for _, f := range e.feeds {
		if f.Timestamp > max {
			max = f.Timestamp
		}
	}
	return max
}

// advanceChain hashes the committed record and the resulting market
// state into the chain.
func (e *Engine) advanceChain(rec *store.ActionRecord) {
	digest, err := json.Marshal(rec)
	if err != nil {
		digest = rec.ID[:]
	}
	if m, err := e.store.Market(rec.MarketToken); err == nil {
		if snap, err := json.Marshal(store.SnapMarket(m)); err == nil {
			digest = append(digest, snap...)
		}
	}
	e.progressMu.Lock()
	e.hasher.ComputeHash(e.sequence, digest)
	e.sequence++
	seq := e.sequence
	e.progressMu.Unlock()

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(seq))
	}
}

// PublishFunding emits a funding snapshot for every market. The host
// drives this off a ticker.
func (e *Engine) PublishFunding(now int64) {
	if e.emitter == nil {
		return
	}
	for _, m := range e.store.Markets() {
		if err := e.emitter.EmitFunding(m, now); err != nil {
			e.log.Warn().Str("market", m.MarketToken).Err(err).Msg("funding emit failed")
		}
	}
}

// Sequence returns the number of committed actions this run.
func (e *Engine) Sequence() int64 {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.sequence
}

// StateHash returns the hash chain tip.
func (e *Engine) StateHash() [32]byte {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.hasher.Tip()
}

// Feed returns the cached feed for a token.
func (e *Engine) Feed(token string) (oracle.Feed, bool) {
	f, ok := e.feeds[token]
	return f, ok
}

// Restore seeds replay state after loading a snapshot: the hash chain
// tip, the committed-action sequence, and per-owner nonces.
func (e *Engine) Restore(tip [32]byte, sequence int64, nonces map[string]uint64) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	e.hasher.SetTip(tip)
	e.sequence = sequence
	for owner, next := range nonces {
		e.nonces.RestoreNonce(owner, next)
	}
}

// Nonces exports per-owner nonces for snapshotting.
func (e *Engine) Nonces() map[string]uint64 {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.nonces.Nonces()
}

// WarmDuplicates preloads the hot dedup tier with known action ids so
// a restart does not pay a cold-tier lookup for each recent action.
func (e *Engine) WarmDuplicates(ids []uuid.UUID) {
	e.dedup.Warm(ids)
}
