// Package telegram adapts the Bot API to the domain interfaces: the outbound
// send/edit primitive, webhook ingestion, update normalization, and chat
// member role lookup.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/domain"
)

// maxMsgLen is the per-message character limit, with headroom under the
// platform's hard 4096 for entity expansion.
const maxMsgLen = 4000

// Sender implements domain.Sender on a Bot API client. It calls sendMessage
// and editMessageText through the raw request layer, since the typed configs
// of this client version do not carry forum thread targeting. Rate-limit
// responses surface as *domain.RateLimitedError; the caller owns backoff.
type Sender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewSender(bot *tgbotapi.BotAPI, logger *slog.Logger) *Sender {
	return &Sender{bot: bot, logger: logger}
}

// Send delivers text to the chat. A non-zero opts.MessageID edits that
// message in place; otherwise a new message is sent, chunked when it exceeds
// the platform limit. The returned MessageID is the last message written, so
// an oversized edit transparently continues in a fresh message.
func (s *Sender) Send(ctx context.Context, chatID int64, text string, opts domain.SendOptions) (domain.SendResult, error) {
	if opts.MessageID != 0 && len(text) <= maxMsgLen {
		return s.edit(chatID, text, opts)
	}

	var last domain.SendResult
	for _, chunk := range splitChunks(text, maxMsgLen) {
		res, err := s.sendOne(chatID, chunk, opts)
		if err != nil {
			return last, err
		}
		last = res
	}
	return last, nil
}

func (s *Sender) sendOne(chatID int64, text string, opts domain.SendOptions) (domain.SendResult, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params["text"] = text
	params.AddNonEmpty("parse_mode", opts.ParseMode)
	params.AddBool("disable_web_page_preview", opts.DisablePreview)
	params.AddNonZero("reply_to_message_id", opts.ReplyTo)
	params.AddNonZero("message_thread_id", opts.ThreadID)
	params.AddBool("allow_sending_without_reply", opts.ReplyTo != 0)
	if err := params.AddInterface("reply_markup", opts.ReplyMarkup); err != nil {
		return domain.SendResult{}, fmt.Errorf("encode reply markup: %w", err)
	}

	id, err := s.call("sendMessage", params)
	if err != nil && opts.ParseMode != "" && isParseError(err) {
		// Model output is not guaranteed to be well-formed markup. Deliver
		// the text plain rather than losing the reply.
		s.logger.Warn("parse mode rejected, resending plain", "chat", chatID, "err", err)
		delete(params, "parse_mode")
		id, err = s.call("sendMessage", params)
	}
	if err != nil {
		return domain.SendResult{}, wrapAPIError("send", err)
	}
	return domain.SendResult{MessageID: id}, nil
}

func (s *Sender) edit(chatID int64, text string, opts domain.SendOptions) (domain.SendResult, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", opts.MessageID)
	params["text"] = text
	params.AddNonEmpty("parse_mode", opts.ParseMode)
	params.AddBool("disable_web_page_preview", opts.DisablePreview)
	if err := params.AddInterface("reply_markup", opts.ReplyMarkup); err != nil {
		return domain.SendResult{}, fmt.Errorf("encode reply markup: %w", err)
	}

	id, err := s.call("editMessageText", params)
	if err != nil && opts.ParseMode != "" && isParseError(err) {
		delete(params, "parse_mode")
		id, err = s.call("editMessageText", params)
	}
	if err != nil {
		if isNotModified(err) {
			// Editing to identical text is not a failure.
			return domain.SendResult{MessageID: opts.MessageID}, nil
		}
		return domain.SendResult{}, wrapAPIError("edit", err)
	}
	return domain.SendResult{MessageID: id}, nil
}

// Delete removes a message. Messages already gone count as deleted.
func (s *Sender) Delete(ctx context.Context, chatID int64, messageID int) error {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	_, err := s.call("deleteMessage", params)
	if err != nil && strings.Contains(err.Error(), "message to delete not found") {
		return nil
	}
	if err != nil {
		return wrapAPIError("delete", err)
	}
	return nil
}

// Ack answers a callback query with no notification text, dismissing the
// client's button spinner.
func (s *Sender) Ack(ctx context.Context, callbackID string) error {
	params := make(tgbotapi.Params)
	params["callback_query_id"] = callbackID
	if _, err := s.call("answerCallbackQuery", params); err != nil {
		return wrapAPIError("ack", err)
	}
	return nil
}

// Typing shows the typing indicator. The platform clears it automatically
// after a few seconds or on the next message.
func (s *Sender) Typing(ctx context.Context, chatID int64) error {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params["action"] = "typing"
	if _, err := s.call("sendChatAction", params); err != nil {
		return wrapAPIError("typing", err)
	}
	return nil
}

// call issues one Bot API method and extracts the resulting message id, when
// the method returns a message.
func (s *Sender) call(endpoint string, params tgbotapi.Params) (int, error) {
	resp, err := s.bot.MakeRequest(endpoint, params)
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int `json:"message_id"`
	}
	if len(resp.Result) > 0 {
		// Some methods return a bare "true"; absence of a message id is fine.
		_ = json.Unmarshal(resp.Result, &msg)
	}
	return msg.MessageID, nil
}

// wrapAPIError converts a 429 into *domain.RateLimitedError and wraps
// everything else with the failed operation.
func wrapAPIError(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		retry := time.Duration(apiErr.RetryAfter) * time.Second
		if retry <= 0 {
			retry = time.Second
		}
		return &domain.RateLimitedError{RetryAfter: retry}
	}
	return fmt.Errorf("telegram %s: %w", op, err)
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// splitChunks cuts text into platform-sized pieces, preferring to break on a
// newline in the back half of the window.
func splitChunks(text string, max int) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= max {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:max], "\n")
		if cut < max/2 {
			cut = max
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	return chunks
}
