package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"PerpCore/internal/errs"
	"PerpCore/internal/market"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Archive persists snapshots and the action log to Postgres. It is a
// durability sink, not a live store: the engine runs against Memory and
// the host flushes to the archive periodically and after each action.
type Archive struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenArchive connects and pings.
func OpenArchive(dsn string, log zerolog.Logger) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Archive{db: db, log: log}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// DB exposes the underlying handle for read-side consumers that keep
// their own tables, like the funding projection.
func (a *Archive) DB() *sql.DB {
	return a.db
}

// Migrate applies all pending embedded migrations in order.
// File naming follows golang-migrate: {version}_{name}.up.sql.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := a.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".up.sql") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.SplitN(name, "_", 2)[0]
		if applied[version] {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			version, name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		a.log.Info().Str("migration", name).Msg("applied migration")
	}
	return nil
}

// MigrateDown rolls back the newest applied migration using its
// {version}_{name}.down.sql counterpart.
func (a *Archive) MigrateDown(ctx context.Context) error {
	var version, filename string
	err := a.db.QueryRowContext(ctx, `
		SELECT version, filename FROM public.schema_migrations
		ORDER BY version DESC
		LIMIT 1
	`).Scan(&version, &filename)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no applied migrations: %w", errs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get newest version: %w", err)
	}

	downName := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	content, err := migrationsFS.ReadFile("migrations/" + downName)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", downName, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", downName, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", downName, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("unrecord migration %s: %w", downName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", downName, err)
	}
	a.log.Info().Str("migration", downName).Msg("rolled back migration")
	return nil
}

// SaveSnapshot persists a full state snapshot.
func (a *Archive) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO perp.snapshots (snapshot_id, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), data, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	a.log.Debug().Int("size_bytes", len(data)).Msg("snapshot saved")
	return nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil on cold start.
func (a *Archive) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT data FROM perp.snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// WriteActionBatch upserts action records using a multi-row INSERT.
// Re-writing an action updates its state, payload and updated_at, so
// the same batch can carry a Pending row and its later resolution.
func (a *Archive) WriteActionBatch(ctx context.Context, recs []*ActionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	query := `INSERT INTO perp.actions
		(action_id, kind, market_token, account, state, payload, created_at, updated_at)
		VALUES `

	values := make([]string, 0, len(recs))
	args := make([]interface{}, 0, len(recs)*8)
	for i, r := range recs {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.ID, int16(r.Kind), r.MarketToken, r.Account,
			int16(r.State), []byte(r.Payload), r.CreatedAt, r.UpdatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (action_id) DO UPDATE
		SET state = EXCLUDED.state,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at`

	_, err := a.db.ExecContext(ctx, query, args...)
	return err
}

// HasAction reports whether an action was ever recorded. Used as the
// cold tier of the engine's duplicate check.
func (a *Archive) HasAction(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM perp.actions WHERE action_id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup action %s: %w", id, err)
	}
	return exists, nil
}

// LoadActions returns the market's actions ordered by creation time.
func (a *Archive) LoadActions(ctx context.Context, marketToken string, limit int) ([]*ActionRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT action_id, kind, market_token, account, state, payload, created_at, updated_at
		FROM perp.actions
		WHERE market_token = $1
		ORDER BY created_at
		LIMIT $2
	`, marketToken, limit)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		var (
			rec     ActionRecord
			kind    int16
			state   int16
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.MarketToken, &rec.Account,
			&state, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Kind = market.ActionKind(kind)
		rec.State = int32(state)
		rec.Payload = json.RawMessage(payload)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
