package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chatrelay/internal/command"
	"chatrelay/internal/deliver"
	"chatrelay/internal/domain"
)

// stageInitContext derives the per-update environment: trace id, storage keys,
// and a logger carrying the identifiers every later stage logs with.
func (c *Chain) stageInitContext(_ context.Context, u *domain.Update, env *Env) (Result, error) {
	env.TraceID = newTraceID()
	env.HistoryKey = historyKey(c.bot, u)
	env.SeenKey = fmt.Sprintf("seen:%d:%d", c.bot.ID, u.ChatID)
	env.ParseMode = c.parseMode
	env.Log = c.logger.With(
		"trace_id", env.TraceID,
		"chat", u.ChatID,
		"user", u.UserID,
	)
	return Next(), nil
}

func (c *Chain) stageRecordUsage(_ context.Context, u *domain.Update, _ *Env) (Result, error) {
	c.usage.Counter("chatrelay_updates_total", "Inbound updates processed", "").Inc()
	if u.ChatType != "" {
		c.usage.Counter("chatrelay_updates_total", "Inbound updates processed", `chat_type="`+u.ChatType+`"`).Inc()
	}
	return Next(), nil
}

// stageEnvReady refuses work while a startup dependency is still missing, so
// users get a clear answer instead of a timeout.
func (c *Chain) stageEnvReady(_ context.Context, _ *domain.Update, env *Env) (Result, error) {
	if c.ready == nil {
		return Next(), nil
	}
	if err := c.ready(); err != nil {
		env.Log.Warn("not ready", "err", err)
		return Denied("Service is starting up, try again shortly."), nil
	}
	return Next(), nil
}

// stageCallbackDispatch routes inline-keyboard presses. Callback data is
// command text; a press whose data matches no command is dropped quietly, as
// stale keyboards outlive table changes.
func (c *Chain) stageCallbackDispatch(ctx context.Context, u *domain.Update, env *Env) (Result, error) {
	if u.Callback == nil {
		return Next(), nil
	}
	// Ack first: the client keeps its button spinner until the press is
	// answered, whatever the press turns out to mean.
	if err := c.sender.Ack(ctx, u.Callback.ID); err != nil {
		env.Log.Warn("callback ack failed", "callback", u.Callback.ID, "err", err)
	}
	_, args, entry, ok := c.table.Lookup(u.Callback.Data, c.bot.Name)
	if !ok {
		env.Log.Debug("callback matched no command", "data", u.Callback.Data)
		return Skip(), nil
	}
	reply, err := entry.Fn(ctx, command.Request{Update: u, Args: args, HistoryKey: env.HistoryKey})
	if err != nil {
		return Result{}, err
	}
	return Handled(reply), nil
}

func (c *Chain) stageAccessControl(_ context.Context, u *domain.Update, env *Env) (Result, error) {
	if len(c.allowedUsers) > 0 && !c.allowedUsers[u.UserID] {
		env.Log.Info("user not in allow list")
		return Denied("You are not allowed to use this bot."), nil
	}
	if len(c.allowedChats) > 0 && u.IsGroup() && !c.allowedChats[u.ChatID] {
		env.Log.Info("chat not in allow list")
		return Denied("This chat is not allowed to use this bot."), nil
	}
	return Next(), nil
}

// stageRejectUnsupported drops updates carrying nothing the bot can act on
// (stickers, voice notes, joins). Silent: replying to every such message in a
// group would be noise.
func (c *Chain) stageRejectUnsupported(_ context.Context, u *domain.Update, _ *Env) (Result, error) {
	if u.Text == "" && len(u.Photos) == 0 && u.Location == nil {
		return Skip(), nil
	}
	return Next(), nil
}

// stageGroupMentionGate requires an explicit @botname mention in group chats
// and strips it from the text before downstream stages see it. Slash commands
// pass unmentioned; Lookup already checks their @target.
func (c *Chain) stageGroupMentionGate(_ context.Context, u *domain.Update, _ *Env) (Result, error) {
	if !u.IsGroup() || strings.HasPrefix(u.Text, "/") {
		return Next(), nil
	}
	if u.Mention == "" {
		return Skip(), nil
	}
	u.Text = strings.TrimSpace(strings.Replace(u.Text, u.Mention, "", 1))
	return Next(), nil
}

// stageDedupe drops updates whose id was already processed in this chat,
// guarding against webhook redelivery. The seen window is persisted per chat;
// the read-modify-write race on concurrent delivery is accepted, the worst
// case being one duplicate reply.
func (c *Chain) stageDedupe(ctx context.Context, u *domain.Update, env *Env) (Result, error) {
	if u.UpdateID == 0 {
		return Next(), nil
	}
	seen, err := c.loadSeen(ctx, env.SeenKey)
	if err != nil {
		env.Log.Warn("seen window unreadable", "err", err)
		seen = nil
	}
	for _, id := range seen {
		if id == u.UpdateID {
			env.Log.Debug("duplicate update", "update_id", u.UpdateID)
			return Skip(), nil
		}
	}
	seen = append(seen, u.UpdateID)
	if len(seen) > c.dedupeWindow {
		seen = seen[len(seen)-c.dedupeWindow:]
	}
	if raw, err := json.Marshal(seen); err == nil {
		if err := c.store.Put(ctx, env.SeenKey, string(raw)); err != nil {
			env.Log.Warn("seen window persist failed", "err", err)
		}
	}
	return Next(), nil
}

func (c *Chain) loadSeen(ctx context.Context, key string) ([]int64, error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var seen []int64
	if err := json.Unmarshal([]byte(raw), &seen); err != nil {
		return nil, err
	}
	return seen, nil
}

// stageCommandDispatch runs slash commands: table lookup, chat-scope check,
// then the per-command role requirement against the live member list.
func (c *Chain) stageCommandDispatch(ctx context.Context, u *domain.Update, env *Env) (Result, error) {
	if !strings.HasPrefix(strings.TrimSpace(u.Text), "/") {
		return Next(), nil
	}
	name, args, entry, ok := c.table.Lookup(u.Text, c.bot.Name)
	if !ok {
		if u.IsGroup() {
			// Unknown commands in groups may belong to another bot.
			return Skip(), nil
		}
		return Denied("Unknown command. Try /help."), nil
	}
	if !entry.InScope(u.ChatType) {
		return Denied(fmt.Sprintf("/%s is not available in %s chats.", name, u.ChatType)), nil
	}
	if res, err := c.authorize(ctx, u, env, name, entry); err != nil || res.Decisive() {
		return res, err
	}
	c.usage.Counter("chatrelay_commands_total", "Slash commands executed", `command="`+name+`"`).Inc()
	reply, err := entry.Fn(ctx, command.Request{Update: u, Args: args, HistoryKey: env.HistoryKey})
	if err != nil {
		return Result{}, fmt.Errorf("/%s: %w", name, err)
	}
	return Handled(reply), nil
}

func (c *Chain) authorize(ctx context.Context, u *domain.Update, env *Env, name string, entry command.Entry) (Result, error) {
	if entry.NeedAuth == nil {
		return Next(), nil
	}
	roles := entry.NeedAuth(u.ChatType)
	if len(roles) == 0 {
		return Next(), nil
	}
	if c.roles == nil {
		return Result{}, fmt.Errorf("/%s requires authorization but no role resolver is configured", name)
	}
	role, err := c.roles.Resolve(ctx, u.ChatID, u.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve role: %w", err)
	}
	for _, want := range roles {
		if role == want {
			return Next(), nil
		}
	}
	env.Log.Info("command refused", "command", name, "role", role)
	return Denied(fmt.Sprintf("/%s requires one of: %s.", name, strings.Join(roles, ", "))), nil
}

// stageIntentDetect matches free text against per-command keyword sets and
// dispatches the best-scoring command, so "wipe the conversation please" can
// reach /new without the slash. Ties and zero scores fall through to chat.
func (c *Chain) stageIntentDetect(ctx context.Context, u *domain.Update, env *Env) (Result, error) {
	if len(c.intents) == 0 || u.Text == "" {
		return Next(), nil
	}
	lower := strings.ToLower(u.Text)
	best, bestScore, tied := "", 0, false
	for name, keywords := range c.intents {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tied = name, score, false
		case score == bestScore && score > 0:
			tied = true
		}
	}
	if bestScore == 0 || tied {
		return Next(), nil
	}
	entry, ok := c.table.Get(best)
	if !ok || !entry.InScope(u.ChatType) {
		return Next(), nil
	}
	env.Log.Debug("intent matched", "command", best, "score", bestScore)
	reply, err := entry.Fn(ctx, command.Request{Update: u, Args: u.Text, HistoryKey: env.HistoryKey})
	if err != nil {
		return Result{}, fmt.Errorf("intent /%s: %w", best, err)
	}
	return Handled(reply), nil
}

func (c *Chain) stageLocation(ctx context.Context, u *domain.Update, env *Env) (Result, error) {
	if u.Location == nil {
		return Next(), nil
	}
	if c.locationFn == nil {
		coords := strconv.FormatFloat(u.Location.Latitude, 'f', 5, 64) + "," +
			strconv.FormatFloat(u.Location.Longitude, 'f', 5, 64)
		return Handled(&domain.Reply{Text: "Received location " + coords + ", but nothing is configured to handle it."}), nil
	}
	reply, err := c.locationFn(ctx, command.Request{Update: u, HistoryKey: env.HistoryKey})
	if err != nil {
		return Result{}, fmt.Errorf("location: %w", err)
	}
	return Handled(reply), nil
}

// stageChatFallback is the terminal stage: everything that survived the gates
// is a conversational turn for the model. The delivery controller owns all
// output from here, including its own error reporting.
func (c *Chain) stageChatFallback(ctx context.Context, u *domain.Update, env *Env) (Result, error) {
	c.usage.Counter("chatrelay_chat_turns_total", "Conversational turns sent to the model", "").Inc()
	c.controller.Run(ctx, deliver.Turn{
		ChatID:     u.ChatID,
		ThreadID:   u.ThreadID,
		ReplyTo:    u.MessageID,
		ParseMode:  env.ParseMode,
		HistoryKey: env.HistoryKey,
		Message:    u.Text,
		Images:     u.Photos,
		Prompt:     c.prompt,
	})
	return Handled(nil), nil
}

func lowerIntents(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for name, kws := range in {
		lowered := make([]string, len(kws))
		for i, kw := range kws {
			lowered[i] = strings.ToLower(kw)
		}
		out[strings.TrimPrefix(name, "/")] = lowered
	}
	return out
}
