// SocTalk server: polls the SIEM, runs autonomous investigations through
// the workflow engine, and serves the analyst dashboard API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/gbrigandi/soctalk/pkg/api"
	"github.com/gbrigandi/soctalk/pkg/bus"
	"github.com/gbrigandi/soctalk/pkg/cleanup"
	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/database"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/hil"
	"github.com/gbrigandi/soctalk/pkg/integrations"
	"github.com/gbrigandi/soctalk/pkg/llm"
	"github.com/gbrigandi/soctalk/pkg/nodes"
	"github.com/gbrigandi/soctalk/pkg/notify"
	"github.com/gbrigandi/soctalk/pkg/orchestrator"
	"github.com/gbrigandi/soctalk/pkg/projector"
	"github.com/gbrigandi/soctalk/pkg/settings"
	"github.com/gbrigandi/soctalk/pkg/version"
)

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func main() {
	setupLogging()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using existing environment", "error", err)
	}

	slog.Info("starting soctalk", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database and migrations
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}()
	slog.Info("connected to postgres", "database", dbCfg.Database)

	store := eventstore.NewStore()
	proj := projector.New()

	// 3. Language models
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Error("failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("llm client ready",
		"provider", cfg.LLM.Provider,
		"fast_model", cfg.LLM.FastModel,
		"reasoning_model", cfg.LLM.ReasoningModel)

	// 4. Security-tool integrations
	wazuh := integrations.NewWazuhClient(integrations.WazuhConfig{
		ManagerURL:  cfg.Integrations.WazuhURL,
		IndexerURL:  cfg.Integrations.WazuhIndexerURL,
		User:        cfg.Integrations.WazuhUser,
		Password:    cfg.Integrations.WazuhPassword,
		InsecureTLS: cfg.Integrations.InsecureTLS,
		AlertWindow: 2 * cfg.Polling.Interval,
	})
	cortex := integrations.NewCortexClient(integrations.CortexConfig{
		URL:         cfg.Integrations.CortexURL,
		APIKey:      cfg.Integrations.CortexAPIKey,
		InsecureTLS: cfg.Integrations.InsecureTLS,
	})
	misp := integrations.NewMISPClient(integrations.MISPConfig{
		URL:         cfg.Integrations.MISPURL,
		APIKey:      cfg.Integrations.MISPAPIKey,
		InsecureTLS: cfg.Integrations.InsecureTLS,
	})
	thehive := integrations.NewTheHiveClient(integrations.TheHiveConfig{
		URL:         cfg.Integrations.TheHiveURL,
		APIKey:      cfg.Integrations.TheHiveAPIKey,
		InsecureTLS: cfg.Integrations.InsecureTLS,
	})

	// 5. Settings (env-seeded, DB-overridable unless readonly)
	settingsProvider := settings.NewProvider(db.DB, cfg)
	if err := settingsProvider.Load(ctx); err != nil {
		slog.Warn("loading stored settings failed, using environment values", "error", err)
	}

	// 6. Human-in-the-loop review channels
	reviews := hil.NewStore(db.DB)
	slackBackend := hil.NewSlackBackend(cfg.HIL, reviews, llmClient.Fast())
	notifier := notify.NewNotifier(cfg.HIL.WebhookURL, settingsProvider)
	backendName := "dashboard"
	if slackBackend != nil {
		backendName = "slack"
	}
	slog.Info("review channels ready", "backend", backendName, "webhook", notifier != nil)

	// 7. Workflow engine
	checkpointer := graph.NewPostgresCheckpointer(db.DB)
	engine := nodes.Build(nodes.Deps{
		Fast:          llmClient.Fast(),
		Reasoning:     llmClient.Reasoning(),
		SIEM:          wazuh,
		Enricher:      cortex,
		Intel:         misp,
		Cases:         thehive,
		ReviewTimeout: cfg.HIL.Timeout,
	}, cfg.Workflow, checkpointer)

	// 8. Orchestrator and resume loop
	orch := orchestrator.New(orchestrator.Deps{
		DB:        db.DB,
		Store:     store,
		Projector: proj,
		Engine:    engine,
		Fetcher:   wazuh,
		Review:    slackBackend,
		Notifier:  notifier,
	}, cfg.Polling, backendName)
	resumeLoop := hil.NewService(reviews, orch, cfg.Resume)

	// 9. Event stream fanout and retention
	eventBus := bus.NewBus()
	tailer := bus.NewTailer(db.DB, store, eventBus)
	retention := cleanup.NewService(db.DB, cfg.Retention)

	// 10. HTTP API
	authn, err := api.NewAuthenticator(cfg.Auth)
	if err != nil {
		slog.Error("failed to configure authentication", "error", err)
		os.Exit(1)
	}
	server := api.NewServer(db.DB, store, proj, reviews, settingsProvider, eventBus, authn)

	go orch.Run(ctx)
	go resumeLoop.Run(ctx)
	go tailer.Run(ctx)
	go retention.Run(ctx)
	go func() {
		if err := slackBackend.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("slack backend stopped", "error", err)
		}
	}()

	if err := server.Run(ctx, cfg); err != nil {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("soctalk stopped")
}
