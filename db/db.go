// Package db provides the Postgres connection helper, schema migration, and the
// Postgres-backed state store.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DB_DSN is empty")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := dbx.PingContext(ctx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbx, nil
}

// Store keeps each top-level key of the state blob in its own platform_state
// row, so a save only rewrites the row it touches.
type Store struct {
	DB *sql.DB
}

// Open connects to dsn, applies pending migrations, and returns a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dbx, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(dbx); err != nil {
		_ = dbx.Close()
		return nil, err
	}
	slog.Info("postgres state store ready", slog.String("component", "db"))
	return &Store{DB: dbx}, nil
}

func (s *Store) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM platform_state`)
	if err != nil {
		return nil, fmt.Errorf("query platform_state: %w", err)
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan platform_state: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

func (s *Store) Save(ctx context.Context, key string, value json.RawMessage) error {
	q := `INSERT INTO platform_state(key, value, updated_at) VALUES($1, $2::jsonb, NOW())
		  ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, key, string(value)); err != nil {
		return fmt.Errorf("upsert platform_state %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error { return s.DB.Close() }
