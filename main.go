// Command chat-relay is the main entrypoint for the conversational relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores per-channel settings and the current manual document.
//   - Starts background jobs: conversation snapshots and snapshot retention.
//   - Joins the configured chat channels and relays completions.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; a final snapshot pass runs before exit.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/subtle-labs/chat-relay/anthropicapi"
	"github.com/subtle-labs/chat-relay/command"
	"github.com/subtle-labs/chat-relay/config"
	"github.com/subtle-labs/chat-relay/convo"
	"github.com/subtle-labs/chat-relay/db"
	"github.com/subtle-labs/chat-relay/dispatch"
	"github.com/subtle-labs/chat-relay/gateway"
	"github.com/subtle-labs/chat-relay/persist"
	"github.com/subtle-labs/chat-relay/server"
	"github.com/subtle-labs/chat-relay/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDispatchReady(); err != nil {
		slog.Error("dispatch config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	manager := &persist.Manager{DB: database}
	store := convo.NewStore(manager)

	// Restore durable per-channel settings before any message is handled.
	// Conversation snapshots are intentionally not replayed here; each
	// channel starts with an empty rolling window.
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	configs, err := manager.LoadAllChannelConfigs(bootCtx)
	if err != nil {
		cancelBoot()
		slog.Error("loading channel configs failed", slog.Any("err", err))
		os.Exit(1)
	}
	for _, c := range configs {
		cc := c
		store.Seed(cc.ChannelID, convo.ConfigUpdate{
			SystemPrompt:   &cc.SystemPrompt,
			PermanentTurns: cc.PermanentTurns,
			Temperature:    &cc.Temperature,
			MaxTokens:      &cc.MaxTokens,
			IsActive:       &cc.IsActive,
		})
	}
	slog.Info("channel configs restored", slog.Int("channels", len(configs)))

	prompt := &convo.DefaultPrompt{}
	manual, ok, err := manager.CurrentManual(bootCtx)
	cancelBoot()
	if err != nil {
		slog.Error("loading current manual failed", slog.Any("err", err))
		os.Exit(1)
	}
	if ok {
		prompt.Set(manual)
		slog.Info("manual loaded as default prompt", slog.Int("chars", len(manual)))
	} else {
		slog.Warn("no manual registered; channels without a prompt override run without a system prompt")
	}

	pool, err := anthropicapi.NewPool(cfg.AnthropicAPIKeys)
	if err != nil {
		slog.Error("credential pool init failed", slog.Any("err", err))
		os.Exit(1)
	}
	telemetry.SetCredentialPoolSize(pool.Size())

	dispatcher := &dispatch.Dispatcher{
		Store:       store,
		Pool:        pool,
		Completer:   &anthropicapi.Client{},
		Prompt:      prompt,
		Model:       cfg.AnthropicModel,
		MaxAttempts: cfg.DispatchMaxAttempts,
		Backoff:     cfg.DispatchBackoff,
		Timeout:     cfg.DispatchTimeout,
	}
	router := &command.Router{Store: store, Persist: manager, Prompt: prompt}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	twitchGW := &gateway.TwitchGateway{
		Username: cfg.TwitchBotUsername,
		OAuth:    cfg.TwitchOAuthToken,
		Channels: cfg.TwitchChannels,
	}
	twitchGW.Handler = &gateway.Handler{
		Store:      store,
		Dispatcher: dispatcher,
		Router:     router,
		Sender:     twitchGW,
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	mux := server.NewMux(database, store, pool, prompt, cfg.AnthropicModel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		persist.StartBackupJob(gctx, manager, store, cfg.BackupInterval)
		return nil
	})
	g.Go(func() error {
		persist.StartPurgeJob(gctx, manager, cfg.SnapshotKeepDays, cfg.SnapshotPurgeInterval)
		return nil
	})
	g.Go(func() error { return twitchGW.Run(gctx) })
	g.Go(func() error { return server.Start(gctx, addr, mux) })

	slog.Info("chat relay started",
		slog.Int("channels", len(cfg.TwitchChannels)),
		slog.Int("credentials", pool.Size()),
		slog.String("model", cfg.AnthropicModel),
		slog.String("http_addr", addr))

	if err := g.Wait(); err != nil {
		slog.Error("service exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
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
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
