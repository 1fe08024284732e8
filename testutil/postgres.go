package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/onnwee/stream-alerts/db"
)

// SetupTestStore opens a migrated Postgres state store.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	s, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}
	if _, err := s.DB.Exec(`TRUNCATE platform_state`); err != nil {
		t.Fatalf("failed to truncate platform_state: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
