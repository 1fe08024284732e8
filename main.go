// Command stream-alerts is the main entrypoint of the live-stream alert bot.
// It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Opens the state store (file, postgres or redis) and optionally seals tokens.
//   - Connects the chat front end (Discord or Twitch IRC).
//   - Onboards the configured platforms one at a time, then publishes the
//     chat commands and relays live notifications to bound channels.
//   - Exposes an HTTP server with the OAuth callback, /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-alerts/chat"
	"github.com/onnwee/stream-alerts/config"
	"github.com/onnwee/stream-alerts/crypto"
	"github.com/onnwee/stream-alerts/notify"
	"github.com/onnwee/stream-alerts/oauth"
	"github.com/onnwee/stream-alerts/onboarding"
	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/server"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
)

// frontEnd is a connected chat transport.
type frontEnd interface {
	notify.Sender
	onboarding.Publisher
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChat(); err != nil {
		slog.Error("chat front end not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stream-alerts", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config) error {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, err := store.Open(openCtx, cfg.StateBackend, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close state store", slog.Any("err", err))
		}
	}()
	slog.Info("state store opened", slog.String("backend", cfg.StateBackend))

	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
			return err
		}
	} else {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored in plaintext")
	}

	router := notify.New(st)
	if err := router.Restore(ctx); err != nil {
		slog.Warn("channel bindings not restored", slog.Any("err", err))
	}

	registry := platform.NewRegistry()
	joinHint := "/" + chat.CmdJoin
	if cfg.ChatBackend == config.ChatBackendIRC {
		joinHint = cfg.IRCCommandChar + chat.CmdJoin
	}
	commands := chat.NewCommands(registry, router, joinHint)

	g, gctx := errgroup.WithContext(ctx)

	var front frontEnd
	switch cfg.ChatBackend {
	case config.ChatBackendIRC:
		irc := chat.NewIRC(cfg.IRCUsername, cfg.IRCOAuthToken, cfg.IRCChannels, cfg.IRCCommandChar, commands)
		g.Go(func() error { return irc.Run(gctx) })
		front = irc
	default:
		d, err := chat.NewDiscord(cfg.DiscordToken, cfg.DiscordAppID, commands)
		if err != nil {
			return err
		}
		if err := d.Open(); err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		front = d
	}
	router.SetSender(front)

	mux := http.NewServeMux()
	coord := onboarding.New(registry, mux, front, router)
	defer coord.Close()

	for _, p := range buildPlatforms(cfg, st, sealer) {
		coord.Add(gctx, p)
	}
	coord.Start(gctx)

	handler := server.NewMux(gctx, mux, coord, registry)
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, handler) })
	g.Go(func() error {
		if coord.Wait(gctx) != nil {
			return nil // shutting down
		}
		slog.Info("onboarding finished", slog.String("platforms", strings.Join(registry.Names(), ", ")))
		return nil
	})

	return g.Wait()
}

// buildPlatforms creates every platform whose credentials are configured.
func buildPlatforms(cfg *config.Config, st store.Store, sealer crypto.Sealer) []platform.Platform {
	var out []platform.Platform
	tw, err := platform.NewTwitch(platform.TwitchOptions{Config: cfg, Store: st, Sealer: sealer})
	switch {
	case errors.Is(err, oauth.ErrNotConfigured):
		slog.Warn("twitch platform skipped", slog.Any("err", err))
	case err != nil:
		slog.Error("twitch platform failed", slog.Any("err", err))
	default:
		out = append(out, tw)
	}
	return out
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
