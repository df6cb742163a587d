package telegram

import (
	"encoding/json"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/domain"
)

// Normalizer maps raw webhook update payloads to domain updates.
type Normalizer struct {
	botID   int64
	botName string
}

func NewNormalizer(botID int64, botName string) *Normalizer {
	return &Normalizer{botID: botID, botName: botName}
}

// threadProbe pulls the forum thread id out of the raw payload. The typed
// update of this client version predates forum topics, so the field has to
// be read separately.
type threadProbe struct {
	Message *struct {
		MessageThreadID int  `json:"message_thread_id"`
		IsTopicMessage  bool `json:"is_topic_message"`
	} `json:"message"`
}

// Normalize converts one raw update body into a domain update. It returns
// (nil, nil) for update kinds the relay does not act on, such as edited
// messages and channel posts.
func (n *Normalizer) Normalize(raw []byte) (*domain.Update, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}

	if update.CallbackQuery != nil {
		return n.fromCallback(&update)
	}
	if update.Message == nil {
		return nil, nil
	}
	msg := update.Message
	if msg.From == nil || msg.Chat == nil {
		return nil, nil
	}

	u := &domain.Update{
		UpdateID:  int64(update.UpdateID),
		ChatID:    msg.Chat.ID,
		ChatType:  msg.Chat.Type,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		UserName:  msg.From.UserName,
		Date:      int64(msg.Date),
		Text:      msg.Text,
	}

	var probe threadProbe
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Message != nil && probe.Message.IsTopicMessage {
		u.ThreadID = probe.Message.MessageThreadID
	}

	if len(msg.Photo) > 0 {
		u.Text = msg.Caption
		for _, p := range msg.Photo {
			u.Photos = append(u.Photos, p.FileID)
		}
	}
	if msg.Location != nil {
		u.Location = &domain.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
		}
	}

	u.Mention = n.findMention(msg, u.Text)
	return u, nil
}

func (n *Normalizer) fromCallback(update *tgbotapi.Update) (*domain.Update, error) {
	cq := update.CallbackQuery
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return nil, nil
	}
	return &domain.Update{
		UpdateID: int64(update.UpdateID),
		ChatID:   cq.Message.Chat.ID,
		ChatType: cq.Message.Chat.Type,
		UserID:   cq.From.ID,
		UserName: cq.From.UserName,
		Callback: &domain.CallbackQuery{
			ID:        cq.ID,
			Data:      cq.Data,
			MessageID: cq.Message.MessageID,
		},
	}, nil
}

// findMention returns the literal @botname substring present in the text, or
// a synthetic mention when the message replies to one of the bot's own
// messages, which addresses the bot just as directly.
func (n *Normalizer) findMention(msg *tgbotapi.Message, text string) string {
	if n.botName == "" {
		return ""
	}
	want := "@" + strings.ToLower(n.botName)
	lower := strings.ToLower(text)
	if i := strings.Index(lower, want); i >= 0 {
		return text[i : i+len(want)]
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == n.botID {
		return "@" + n.botName
	}
	return ""
}
