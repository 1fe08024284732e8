package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/crypto"
	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/store"
)

const plainBlob = `{"accessToken":"access-1","refreshToken":"refresh-1","guildSubscriptionIndex":{"G1":[{"id":"sub-1","broadcasterId":"123","streamer":"streamerx"}]}}`

func newFileStore(t *testing.T, name string) *store.File {
	t.Helper()
	st, err := store.NewFile(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return st
}

func newSealer(t *testing.T) crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return s
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.Save(ctx, platform.TwitchStateKey, json.RawMessage(plainBlob)); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(ctx, "router", json.RawMessage(`{"guildChannels":{"G1":"c1"}}`)); err != nil {
		t.Fatal(err)
	}
}

func decode(t *testing.T, st store.Store, sealer crypto.Sealer) alerts.State {
	t.Helper()
	raw, err := store.Get(context.Background(), st, platform.TwitchStateKey)
	if err != nil {
		t.Fatal(err)
	}
	s, err := alerts.DecodeState(raw, sealer)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return s
}

func TestMigrateStateCopiesEveryKey(t *testing.T) {
	ctx := context.Background()
	src, dst := newFileStore(t, "src.json"), newFileStore(t, "dst.json")
	seed(t, src)

	n, err := migrateState(ctx, src, dst, nil, tokensKeep, false)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("migrated %d keys, want 2", n)
	}
	got, err := dst.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got["router"]) != `{"guildChannels":{"G1":"c1"}}` {
		t.Errorf("router = %s", got["router"])
	}
	if st := decode(t, dst, nil); st.AccessToken != "access-1" || len(st.GuildSubscriptionIndex["G1"]) != 1 {
		t.Errorf("twitch state = %+v", st)
	}
}

func TestMigrateStateSealThenUnseal(t *testing.T) {
	ctx := context.Background()
	sealer := newSealer(t)
	st := newFileStore(t, "db.json")
	seed(t, st)

	if _, err := migrateState(ctx, st, st, sealer, tokensSeal, false); err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, _ := store.Get(ctx, st, platform.TwitchStateKey)
	if bytes.Contains(raw, []byte("access-1")) {
		t.Fatalf("sealed blob still holds the plaintext token: %s", raw)
	}
	if _, err := alerts.DecodeState(raw, nil); err == nil {
		t.Fatal("sealed blob decoded without a key")
	}
	if s := decode(t, st, sealer); s.AccessToken != "access-1" || s.RefreshToken != "refresh-1" {
		t.Errorf("opened state = %+v", s)
	}

	if _, err := migrateState(ctx, st, st, sealer, tokensPlain, false); err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if s := decode(t, st, nil); s.AccessToken != "access-1" {
		t.Errorf("unsealed state = %+v", s)
	}
}

func TestMigrateStateSealedSourceWithoutKey(t *testing.T) {
	ctx := context.Background()
	src, dst := newFileStore(t, "src.json"), newFileStore(t, "dst.json")
	seed(t, src)
	if _, err := migrateState(ctx, src, src, newSealer(t), tokensSeal, false); err != nil {
		t.Fatal(err)
	}
	if _, err := migrateState(ctx, src, dst, nil, tokensKeep, false); err == nil {
		t.Fatal("expected error for sealed source without a key")
	}
	got, _ := dst.Load(ctx)
	if len(got) != 0 {
		t.Fatalf("destination written after failure: %v", got)
	}
}

func TestMigrateStateDryRun(t *testing.T) {
	ctx := context.Background()
	src, dst := newFileStore(t, "src.json"), newFileStore(t, "dst.json")
	seed(t, src)
	n, err := migrateState(ctx, src, dst, nil, tokensKeep, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("dry run counted %d keys, want 2", n)
	}
	got, _ := dst.Load(ctx)
	if len(got) != 0 {
		t.Fatalf("dry run wrote %d keys", len(got))
	}
}
