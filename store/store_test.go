package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileCreatesEmptyBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.json")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "{}" {
		t.Errorf("initial file = %q, want {}", b)
	}
	got, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load() = %v, want empty", got)
	}
}

func TestFileSaveMergesKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}

	if err := f.Save(ctx, "twitch", json.RawMessage(`{"accessToken":"a"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := SaveJSON(ctx, f, "router", map[string]any{"guildChannels": map[string]string{"g1": "c1"}}); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}

	// A second handle sees both keys, as a restart would.
	g, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() reopen error = %v", err)
	}
	all, err := g.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Load() keys = %d, want 2", len(all))
	}

	router, err := Get(ctx, g, "router")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var r struct {
		GuildChannels map[string]string `json:"guildChannels"`
	}
	if err := json.Unmarshal(router, &r); err != nil {
		t.Fatalf("unmarshal router: %v", err)
	}
	if r.GuildChannels["g1"] != "c1" {
		t.Errorf("guildChannels[g1] = %q, want c1", r.GuildChannels["g1"])
	}

	missing, err := Get(ctx, g, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(missing) = %s, %v; want nil, nil", missing, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("state dir has %d entries, want only db.json (temp files left behind?)", len(entries))
	}
}

func TestFileCorruptBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	if _, err := f.Load(context.Background()); err == nil {
		t.Error("Load() of corrupt file should fail")
	}
}

func TestFileClosed(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	if _, err := f.Load(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after Close error = %v, want ErrClosed", err)
	}
	if err := f.Save(context.Background(), "k", json.RawMessage(`1`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Save() after Close error = %v, want ErrClosed", err)
	}
}

func TestRedisSaveLoad(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	key := "stream-alerts:test:" + t.Name()
	r, err := NewRedis(ctx, addr, os.Getenv("TEST_REDIS_PASSWORD"), key)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() {
		_ = r.rdb.Del(context.Background(), key).Err()
		_ = r.Close()
	})

	if err := r.Save(ctx, "twitch", json.RawMessage(`{"accessToken":"a"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := r.Save(ctx, "router", json.RawMessage(`{"guildChannels":{}}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	all, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Load() keys = %d, want 2", len(all))
	}
	if string(all["twitch"]) != `{"accessToken":"a"}` {
		t.Errorf("twitch = %s", all["twitch"])
	}
}
