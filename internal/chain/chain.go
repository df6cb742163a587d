package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"chatrelay/internal/command"
	"chatrelay/internal/deliver"
	"chatrelay/internal/domain"
	"chatrelay/internal/history"
	"chatrelay/internal/metrics"
)

const (
	defaultDedupeWindow = 100
	deniedMaxLen        = 512
)

// BotInfo identifies the bot whose updates this chain serves.
type BotInfo struct {
	ID   int64
	Name string
}

// Env is the request-scoped middleware context: storage keys derived from
// chat/bot/thread identity, outbound message defaults, and the per-update
// logger. Constructed once per update, discarded afterwards.
type Env struct {
	TraceID    string
	HistoryKey string
	SeenKey    string
	ParseMode  string
	Log        *slog.Logger
}

// Stage is one middleware handler. Silent stages drop the update without a
// visible reply when they fail; every other stage's error becomes a generic
// failure response.
type Stage struct {
	Name   string
	Silent bool
	Run    func(ctx context.Context, u *domain.Update, env *Env) (Result, error)
}

// Chain executes the canonical stage order for each inbound update.
type Chain struct {
	bot        BotInfo
	store      domain.Store
	hist       *history.Adapter
	table      *command.Table
	controller *deliver.Controller
	sender     domain.Sender
	roles      domain.RoleResolver
	logger     *slog.Logger
	usage      *metrics.Collector

	allowedUsers map[int64]bool // empty = allow all
	allowedChats map[int64]bool
	intents      map[string][]string // command name -> lowercase keywords
	locationFn   command.Func
	ready        func() error

	parseMode    string
	prompt       string
	dedupeWindow int

	stages []Stage
}

// Config wires a Chain. Table, Controller, Sender, History, and Store are
// required; the rest default to permissive no-ops.
type Config struct {
	Bot          BotInfo
	Store        domain.Store
	History      *history.Adapter
	Table        *command.Table
	Controller   *deliver.Controller
	Sender       domain.Sender
	Roles        domain.RoleResolver
	Logger       *slog.Logger
	Usage        *metrics.Collector
	AllowedUsers []int64
	AllowedChats []int64
	Intents      map[string][]string
	LocationFn   command.Func
	Ready        func() error
	ParseMode    string
	Prompt       string
	DedupeWindow int
}

func New(cfg Config) *Chain {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if cfg.Usage == nil {
		cfg.Usage = metrics.NewCollector()
	}
	c := &Chain{
		bot:          cfg.Bot,
		store:        cfg.Store,
		hist:         cfg.History,
		table:        cfg.Table,
		controller:   cfg.Controller,
		sender:       cfg.Sender,
		roles:        cfg.Roles,
		logger:       cfg.Logger,
		usage:        cfg.Usage,
		allowedUsers: toSet(cfg.AllowedUsers),
		allowedChats: toSet(cfg.AllowedChats),
		intents:      lowerIntents(cfg.Intents),
		locationFn:   cfg.LocationFn,
		ready:        cfg.Ready,
		parseMode:    cfg.ParseMode,
		prompt:       cfg.Prompt,
		dedupeWindow: cfg.DedupeWindow,
	}
	c.stages = []Stage{
		{Name: "init_context", Run: c.stageInitContext},
		{Name: "record_usage", Silent: true, Run: c.stageRecordUsage},
		{Name: "env_ready", Run: c.stageEnvReady},
		{Name: "callback_dispatch", Run: c.stageCallbackDispatch},
		{Name: "access_control", Run: c.stageAccessControl},
		{Name: "reject_unsupported", Silent: true, Run: c.stageRejectUnsupported},
		{Name: "group_mention_gate", Silent: true, Run: c.stageGroupMentionGate},
		{Name: "dedupe", Silent: true, Run: c.stageDedupe},
		{Name: "command_dispatch", Run: c.stageCommandDispatch},
		{Name: "intent_detect", Run: c.stageIntentDetect},
		{Name: "location", Run: c.stageLocation},
		{Name: "chat_fallback", Run: c.stageChatFallback},
	}
	return c
}

// Handle processes one update through the stage list and performs the single
// outbound action it produces, if any.
func (c *Chain) Handle(ctx context.Context, u *domain.Update) {
	env := &Env{}
	for _, stage := range c.stages {
		res, err := stage.Run(ctx, u, env)
		if err != nil {
			if stage.Silent {
				c.log(env).Debug("stage dropped update", "stage", stage.Name, "err", err)
				return
			}
			c.log(env).Error("stage failed", "stage", stage.Name, "err", err)
			c.respond(ctx, u, env, &domain.Reply{
				Text:           truncate("ERROR: "+err.Error(), deniedMaxLen),
				DisablePreview: true,
			})
			return
		}
		if !res.Decisive() {
			continue
		}
		switch res.kind {
		case kindSkip:
			c.log(env).Debug("update skipped", "stage", stage.Name)
		case kindDenied:
			c.respond(ctx, u, env, &domain.Reply{Text: truncate(res.reason, deniedMaxLen), DisablePreview: true})
		case kindHandled:
			if res.reply != nil {
				c.respond(ctx, u, env, res.reply)
			}
		}
		return
	}
}

// Stages returns the stage list, for tests and introspection.
func (c *Chain) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

func (c *Chain) respond(ctx context.Context, u *domain.Update, env *Env, reply *domain.Reply) {
	_, err := c.sender.Send(ctx, u.ChatID, reply.Text, domain.SendOptions{
		ParseMode:      reply.ParseMode,
		ReplyTo:        u.MessageID,
		ThreadID:       u.ThreadID,
		ReplyMarkup:    reply.ReplyMarkup,
		DisablePreview: reply.DisablePreview,
	})
	if err != nil {
		c.log(env).Error("reply send failed", "chat", u.ChatID, "err", err)
	}
}

func (c *Chain) log(env *Env) *slog.Logger {
	if env.Log != nil {
		return env.Log
	}
	return c.logger
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func historyKey(bot BotInfo, u *domain.Update) string {
	key := fmt.Sprintf("history:%d:%d", bot.ID, u.ChatID)
	if u.ThreadID != 0 {
		key = fmt.Sprintf("%s:%d", key, u.ThreadID)
	}
	return key
}

func newTraceID() string {
	return uuid.NewString()
}
