// Package main provides a CLI tool to copy the state blob between backends and
// to seal or unseal the stored platform credentials.
//
// Every top-level key is copied. Credential blobs are decoded first, so a
// sealed source needs ENCRYPTION_KEY even when tokens are copied as they are.
//
// Usage:
//
//	migrate-state --from file --to postgres [--seal | --unseal] [--dry-run]
//
// Flags:
//
//	--from, --to: state backend (file, postgres or redis); the settings come
//	              from STATE_FILE, DB_DSN and REDIS_* like the main binary
//	--seal:       write credential tokens sealed with ENCRYPTION_KEY
//	--unseal:     write credential tokens in plaintext
//	--dry-run:    show what would be written without making changes
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-state --from file --to file --seal
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/config"
	"github.com/onnwee/stream-alerts/crypto"
	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/store"
)

// credentialKeys hold blobs with OAuth tokens.
var credentialKeys = []string{platform.TwitchStateKey}

// tokenMode selects how credential tokens are written.
type tokenMode int

const (
	tokensKeep tokenMode = iota
	tokensSeal
	tokensPlain
)

func main() {
	from := flag.String("from", config.StateBackendFile, "source state backend")
	to := flag.String("to", config.StateBackendFile, "destination state backend")
	seal := flag.Bool("seal", false, "seal credential tokens with ENCRYPTION_KEY")
	unseal := flag.Bool("unseal", false, "write credential tokens in plaintext")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *seal && *unseal {
		slog.Error("--seal and --unseal are mutually exclusive")
		os.Exit(2)
	}
	mode := tokensKeep
	switch {
	case *seal:
		mode = tokensSeal
	case *unseal:
		mode = tokensPlain
	}
	if *from == *to && mode == tokensKeep {
		slog.Error("source and destination are the same backend; pass --seal or --unseal to rewrite in place")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
			slog.Error("failed to initialize sealer", slog.Any("err", err))
			os.Exit(1)
		}
	} else if mode == tokensSeal {
		slog.Error("ENCRYPTION_KEY environment variable is required for --seal")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	src, err := store.Open(ctx, *from, cfg)
	if err != nil {
		slog.Error("open source store failed", slog.String("backend", *from), slog.Any("err", err))
		os.Exit(1)
	}
	defer src.Close()
	dst := src
	if *to != *from {
		if dst, err = store.Open(ctx, *to, cfg); err != nil {
			slog.Error("open destination store failed", slog.String("backend", *to), slog.Any("err", err))
			os.Exit(1)
		}
		defer dst.Close()
	}

	n, err := migrateState(ctx, src, dst, sealer, mode, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully", slog.Int("keys", n), slog.Bool("dry_run", *dryRun))
}

// migrateState copies every key of src into dst and returns how many keys
// were (or, with dryRun, would be) written.
func migrateState(ctx context.Context, src, dst store.Store, sealer crypto.Sealer, mode tokenMode, dryRun bool) (int, error) {
	blob, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load source: %w", err)
	}
	keys := make([]string, 0, len(blob))
	for k := range blob {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		raw := blob[k]
		if slices.Contains(credentialKeys, k) {
			if raw, err = rewriteCredentials(raw, sealer, mode); err != nil {
				return 0, fmt.Errorf("key %s: %w", k, err)
			}
		}
		out[k] = raw
	}

	for _, k := range keys {
		if dryRun {
			slog.Info("would migrate key", slog.String("key", k), slog.Int("bytes", len(out[k])))
			continue
		}
		if err := dst.Save(ctx, k, out[k]); err != nil {
			return 0, fmt.Errorf("save key %s: %w", k, err)
		}
		slog.Info("migrated key", slog.String("key", k))
	}
	return len(keys), nil
}

func rewriteCredentials(raw json.RawMessage, sealer crypto.Sealer, mode tokenMode) (json.RawMessage, error) {
	st, err := alerts.DecodeState(raw, sealer)
	if err != nil {
		return nil, err
	}
	switch mode {
	case tokensSeal:
		return st.Encode(sealer)
	case tokensPlain:
		return st.Encode(nil)
	}
	return raw, nil
}
