package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	for _, stmt := range []string{`DROP TABLE IF EXISTS platform_state`, `DROP TABLE IF EXISTS schema_migrations`} {
		if _, err := dbx.Exec(stmt); err != nil {
			t.Fatalf("clean: %v", err)
		}
	}
	return dbx
}

func TestRunMigrationsIdempotent(t *testing.T) {
	dbx := openTestDB(t)

	for i := 0; i < 2; i++ {
		if err := RunMigrations(dbx); err != nil {
			t.Fatalf("RunMigrations() run %d error = %v", i+1, err)
		}
	}

	version, dirty, err := GetMigrationVersion(dbx)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Error("migration version is dirty")
	}
	if version < 2 {
		t.Errorf("migration version = %d, want >= 2", version)
	}
}

func TestStoreSaveLoad(t *testing.T) {
	dbx := openTestDB(t)
	if err := RunMigrations(dbx); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	s := &Store{DB: dbx}
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Load() on empty table = %v, want empty", got)
	}

	if err := s.Save(ctx, "twitch", json.RawMessage(`{"accessToken":"a"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "router", json.RawMessage(`{"guildChannels":{}}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "twitch", json.RawMessage(`{"accessToken":"b"}`)); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}

	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load() returned %d keys, want 2", len(got))
	}
	var tw struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(got["twitch"], &tw); err != nil {
		t.Fatalf("unmarshal twitch: %v", err)
	}
	if tw.AccessToken != "b" {
		t.Errorf("twitch accessToken = %q, want b", tw.AccessToken)
	}
}
