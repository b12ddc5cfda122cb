package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the audio_usage table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS audio_usage (
    user_id         INTEGER PRIMARY KEY,
    uses            INTEGER NOT NULL DEFAULT 0,
    time_used       DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_use        TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    last_use_length DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists ledger entries across restarts. Implementations must be
// safe for concurrent use.
type Store interface {
	// Save upserts one player's entry.
	Save(ctx context.Context, userID int, entry Entry) error

	// Load returns all persisted entries keyed by user id.
	Load(ctx context.Context) (map[int]Entry, error)

	// Clear removes every persisted entry. Called on configuration reload
	// alongside [Ledger.Reset].
	Clear(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore that uses the given connection or
// pool. Call [PostgresStore.Migrate] once before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the audio_usage table if it
// does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Save upserts one player's entry.
func (s *PostgresStore) Save(ctx context.Context, userID int, entry Entry) error {
	const query = `
		INSERT INTO audio_usage (user_id, uses, time_used, last_use, last_use_length, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id) DO UPDATE SET
			uses = EXCLUDED.uses,
			time_used = EXCLUDED.time_used,
			last_use = EXCLUDED.last_use,
			last_use_length = EXCLUDED.last_use_length,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, userID, entry.Uses, entry.TimeUsed, entry.LastUse, entry.LastUseLength); err != nil {
		return fmt.Errorf("ledger: save user %d: %w", userID, err)
	}
	return nil
}

// Load returns all persisted entries keyed by user id.
func (s *PostgresStore) Load(ctx context.Context) (map[int]Entry, error) {
	const query = `SELECT user_id, uses, time_used, last_use, last_use_length FROM audio_usage`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return map[int]Entry{}, nil
		}
		return nil, fmt.Errorf("ledger: load: %w", err)
	}
	defer rows.Close()

	entries := make(map[int]Entry)
	for rows.Next() {
		var id int
		var e Entry
		if err := rows.Scan(&id, &e.Uses, &e.TimeUsed, &e.LastUse, &e.LastUseLength); err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}
		entries[id] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: load rows: %w", err)
	}
	return entries, nil
}

// Clear removes every persisted entry.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM audio_usage`); err != nil {
		return fmt.Errorf("ledger: clear: %w", err)
	}
	return nil
}
