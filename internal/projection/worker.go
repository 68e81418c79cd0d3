// Package projection maintains read-side views derived from the
// outbound event stream. Projections are eventually consistent and can
// be rebuilt from the archive, so write failures are logged and
// skipped rather than retried.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"PerpCore/internal/event"
)

// Worker folds funding envelopes into the in-memory history and the
// Postgres funding_history table. A nil db keeps the projection
// memory-only, which the tests use.
type Worker struct {
	db      *sql.DB
	history *FundingHistory
	in      <-chan *event.Envelope
	log     zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, history *FundingHistory, in <-chan *event.Envelope, log zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		history: history,
		in:      in,
		log:     log.With().Str("component", "funding_projection").Logger(),
	}
}

// Run consumes envelopes until the context is cancelled or the input
// channel closes. Non-funding envelopes pass through untouched.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.in:
			if !ok {
				return nil
			}
			if env.Kind != event.KindFunding {
				continue
			}
			if err := w.apply(ctx, env); err != nil {
				w.log.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Str("market", env.MarketToken).
					Msg("funding projection update failed")
			}
			w.lastSeq = env.Sequence
		}
	}
}

func (w *Worker) apply(ctx context.Context, env *event.Envelope) error {
	var snap event.FundingSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return fmt.Errorf("decode funding snapshot: %w", err)
	}

	w.history.Add(entryFromSnapshot(snap))

	if w.db == nil {
		return nil
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO perp.funding_history
			(market_token, funding_factor_per_second, funding_negative,
			 long_open_interest, short_open_interest, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.MarketToken, snap.FundingFactorPerSecond, snap.FundingNegative,
		snap.LongOpenInterest, snap.ShortOpenInterest, snap.At)
	if err != nil {
		return fmt.Errorf("insert funding history: %w", err)
	}
	return nil
}

// LastSequence reports the newest envelope the worker has folded in.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

// Rebuild reloads the in-memory view from the newest rows in Postgres.
// Called once at startup before the worker starts consuming.
func (w *Worker) Rebuild(ctx context.Context, perMarket int) error {
	if w.db == nil {
		return nil
	}
	rows, err := w.db.QueryContext(ctx, `
		SELECT market_token, funding_factor_per_second, funding_negative,
		       long_open_interest, short_open_interest, at
		FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY market_token ORDER BY at DESC
			) AS rn
			FROM perp.funding_history
		) ranked
		WHERE rn <= $1
		ORDER BY at ASC
	`, perMarket)
	if err != nil {
		return fmt.Errorf("load funding history: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var entry FundingEntry
		if err := rows.Scan(
			&entry.MarketToken, &entry.FundingFactorPerSecond, &entry.FundingNegative,
			&entry.LongOpenInterest, &entry.ShortOpenInterest, &entry.At,
		); err != nil {
			return fmt.Errorf("scan funding history: %w", err)
		}
		w.history.Add(entry)
		loaded++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	w.log.Info().Int("entries", loaded).Msg("funding projection rebuilt")
	return nil
}
