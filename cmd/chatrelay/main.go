package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"chatrelay/internal/chain"
	"chatrelay/internal/command"
	"chatrelay/internal/config"
	"chatrelay/internal/deliver"
	"chatrelay/internal/domain"
	"chatrelay/internal/history"
	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
	"chatrelay/internal/store"
	"chatrelay/internal/telegram"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay: webhook-driven LLM chat relay for Telegram",
		Long:  "chatrelay receives Telegram webhook updates, relays conversations to an LLM backend over SSE, and streams the answer back as message edits.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.chatrelay/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(setWebhookCmd())
	root.AddCommand(deleteWebhookCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chatrelay", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	logger = buildLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	kv, err := openStore(cfg.History)
	if err != nil {
		return err
	}
	defer kv.Close()

	vendor, err := llm.VendorByName(cfg.Model.Vendor)
	if err != nil {
		return err
	}
	backend := &llm.Backend{
		URL:    cfg.Model.URL,
		APIKey: cfg.Model.APIKey,
		Model:  cfg.Model.Model,
		Vendor: vendor,
	}
	orch := llm.NewOrchestrator(llm.OrchestratorConfig{
		Logger:     logger,
		Timeout:    time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
		FlushStart: cfg.Model.FlushStart,
		FlushGrow:  cfg.Model.FlushGrow,
	})

	hist := history.NewAdapter(kv, logger)
	sender := telegram.NewSender(bot, logger)
	collector := metrics.NewCollector()

	quickReply := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("New chat", "/new"),
			tgbotapi.NewInlineKeyboardButtonData("Redo", "/redo"),
		),
	)
	controller := deliver.NewController(deliver.Config{
		Sender:       sender,
		Orchestrator: orch,
		Backend:      backend,
		History:      hist,
		Logger:       logger,
		Usage:        collector,
		Streaming:    cfg.Model.Stream,
		MaxEntries:   cfg.History.MaxEntries,
		MaxBudget:    cfg.History.MaxBudget,
		QuickReply:   quickReply,
	})

	table := command.RegisterDefaults(command.NewBuilder(), command.DefaultsConfig{
		History: hist,
		Version: version,
		Model:   cfg.Model.Model,
		Vendor:  cfg.Model.Vendor,
		Rerun: func(ctx context.Context, req command.Request, message string) {
			controller.Run(ctx, deliver.Turn{
				ChatID:     req.Update.ChatID,
				ThreadID:   req.Update.ThreadID,
				ReplyTo:    req.Update.MessageID,
				ParseMode:  cfg.Telegram.ParseMode,
				HistoryKey: req.HistoryKey,
				Message:    message,
				Prompt:     cfg.Model.Prompt,
			})
		},
	}).BuildWithDefaults()

	relay := chain.New(chain.Config{
		Bot:          chain.BotInfo{ID: bot.Self.ID, Name: bot.Self.UserName},
		Store:        kv,
		History:      hist,
		Table:        table,
		Controller:   controller,
		Sender:       sender,
		Roles:        telegram.NewRoles(bot, logger),
		Logger:       logger,
		Usage:        collector,
		AllowedUsers: cfg.Telegram.AllowUsers,
		AllowedChats: cfg.Telegram.AllowChats,
		Intents:      cfg.Intents,
		ParseMode:    cfg.Telegram.ParseMode,
		Prompt:       cfg.Model.Prompt,
	})

	webhook := telegram.NewWebhook(telegram.WebhookConfig{
		Addr:       cfg.Telegram.ListenAddr,
		Path:       cfg.Telegram.Path,
		Secret:     cfg.Telegram.Secret,
		Normalizer: telegram.NewNormalizer(bot.Self.ID, bot.Self.UserName),
		Handler:    relay.Handle,
		Metrics:    collector,
		Logger:     logger,
	})
	return webhook.Start(ctx)
}

func setWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-webhook",
		Short: "Register the webhook URL with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Telegram.WebhookURL == "" {
				return fmt.Errorf("telegram.webhookUrl is not set")
			}
			bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
			if err != nil {
				return fmt.Errorf("telegram bot init: %w", err)
			}

			params := make(tgbotapi.Params)
			params["url"] = cfg.Telegram.WebhookURL
			params.AddNonEmpty("secret_token", cfg.Telegram.Secret)
			if _, err := bot.MakeRequest("setWebhook", params); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}
			logger.Info("webhook registered", "url", cfg.Telegram.WebhookURL)
			return nil
		},
	}
}

func deleteWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-webhook",
		Short: "Unregister the webhook from Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
			if err != nil {
				return fmt.Errorf("telegram bot init: %w", err)
			}
			if _, err := bot.MakeRequest("deleteWebhook", make(tgbotapi.Params)); err != nil {
				return fmt.Errorf("delete webhook: %w", err)
			}
			logger.Info("webhook removed")
			return nil
		},
	}
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg config.HistoryConfig) (domain.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "badger":
		return store.NewBadger(store.BadgerConfig{Path: cfg.Path, Logger: logger})
	case "sqlite":
		return store.NewSQLite(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
