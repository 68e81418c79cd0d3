package event

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"PerpCore/internal/exec"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

// Emitter turns committed executions into envelopes on an outbound
// channel. It plugs into the executor as a post-commit hook, so a full
// channel must never block trading: enqueue is non-blocking and drops
// with a warning.
type Emitter struct {
	seq   atomic.Int64
	out   chan *Envelope
	drops prometheus.Counter
	log   zerolog.Logger
}

func NewEmitter(buffer int, log zerolog.Logger) *Emitter {
	return &Emitter{
		out: make(chan *Envelope, buffer),
		log: log.With().Str("component", "event_emitter").Logger(),
	}
}

// Out is consumed by the outbound publisher.
func (e *Emitter) Out() <-chan *Envelope {
	return e.out
}

// CountDrops registers a counter for envelopes dropped on a full
// buffer. Set before the first emit.
func (e *Emitter) CountDrops(c prometheus.Counter) {
	e.drops = c
}

// AfterExecution implements exec.Hook.
func (e *Emitter) AfterExecution(rec *store.ActionRecord, out *exec.TransferOut) error {
	env, err := NewExecution(e.seq.Add(1), rec, out)
	if err != nil {
		return err
	}
	env.Timestamp = time.Now().UTC()
	e.enqueue(env)
	return nil
}

// EmitFunding publishes a funding snapshot for one market.
func (e *Emitter) EmitFunding(m *market.Market, at int64) error {
	env, err := NewFundingSnapshot(e.seq.Add(1), m, at)
	if err != nil {
		return err
	}
	env.Timestamp = time.Now().UTC()
	e.enqueue(env)
	return nil
}

// EmitPrice publishes an accepted oracle feed.
func (e *Emitter) EmitPrice(update PriceUpdate) error {
	env, err := NewPriceUpdate(e.seq.Add(1), update)
	if err != nil {
		return err
	}
	env.Timestamp = time.Now().UTC()
	e.enqueue(env)
	return nil
}

func (e *Emitter) enqueue(env *Envelope) {
	select {
	case e.out <- env:
	default:
		if e.drops != nil {
			e.drops.Inc()
		}
		e.log.Warn().
			Str("kind", string(env.Kind)).
			Int64("sequence", env.Sequence).
			Msg("outbound buffer full, dropping event")
	}
}
