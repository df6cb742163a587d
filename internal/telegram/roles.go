package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/cache"
)

const (
	roleCacheSize = 1024
	roleCacheTTL  = 5 * time.Minute
)

// Roles resolves a user's member status in a chat, with a bounded TTL cache
// in front of the getChatMember call. Admin churn is rare; a five minute
// stale window is acceptable for command authorization.
type Roles struct {
	bot    *tgbotapi.BotAPI
	cache  *cache.Cache[string]
	logger *slog.Logger
}

func NewRoles(bot *tgbotapi.BotAPI, logger *slog.Logger) *Roles {
	return &Roles{
		bot:    bot,
		cache:  cache.New[string](roleCacheSize, roleCacheTTL),
		logger: logger,
	}
}

// Resolve returns the platform member status: creator, administrator,
// member, restricted, left, or kicked. Private chats are always creator.
func (r *Roles) Resolve(ctx context.Context, chatID, userID int64) (string, error) {
	if chatID == userID {
		return "creator", nil
	}
	key := fmt.Sprintf("%d:%d", chatID, userID)
	if role, ok := r.cache.Get(key); ok {
		return role, nil
	}

	member, err := r.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: userID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("get chat member: %w", err)
	}

	r.cache.Put(key, member.Status)
	r.logger.Debug("resolved member role", "chat", chatID, "user", userID, "role", member.Status)
	return member.Status, nil
}
