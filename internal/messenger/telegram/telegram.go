// Package telegram is the concrete Telegram-backed Messenger,
// adapted from plugin/chat_apps/channels/telegram/telegram.go's
// TelegramChannel: same bot client, same send-by-type dispatch, but
// reshaped around the broker's Send/Edit/Delete + EditOutcome contract
// instead of webhook parsing (the broker core never parses inbound
// Telegram payloads — that's an outer-layer concern this package does
// not own).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/chatbroker/internal/messenger"
)

// Telegram's own limits, mirrored from
// plugin/chat_apps/channels/telegram/telegram.go's size constants,
// adapted to text/caption length rather than file size.
const (
	maxTextLen       = 4096
	maxCaptionLen    = 1024
	tagReserveChars  = 16 // reserved for the trailing "..." / markup tags
	DefaultParseMode = "Markdown"
)

// Config holds the bot token and any feature toggles.
type Config struct {
	BotToken string
}

// Messenger implements messenger.Messenger against the real Telegram
// Bot API.
type Messenger struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// New creates a Telegram-backed Messenger. A nil logger defaults to
// slog.Default(), matching the constructor convention used throughout
// ai/agents/runner.
func New(cfg Config, logger *slog.Logger) (*Messenger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram messenger: create bot: %w", err)
	}
	return &Messenger{bot: bot, logger: logger}, nil
}

var _ messenger.Messenger = (*Messenger)(nil)

func (m *Messenger) MaxTextMessageLen() int  { return maxTextLen - tagReserveChars }
func (m *Messenger) MaxPhotoMessageLen() int { return maxCaptionLen - tagReserveChars }

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram messenger: invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}

func inlineKeyboard(buttons []string) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b, b))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

func (m *Messenger) SendText(ctx context.Context, chatID string, dto messenger.TextDTO, buttons []string) (int64, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(id, dto.Text)
	msg.ParseMode = DefaultParseMode
	if kb := inlineKeyboard(buttons); kb != nil {
		msg.ReplyMarkup = *kb
	}
	sent, err := m.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegram messenger: send text: %w", err)
	}
	return int64(sent.MessageID), nil
}

func (m *Messenger) SendPhoto(ctx context.Context, chatID string, dto messenger.PhotoDTO, buttons []string) (int64, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return 0, err
	}
	photo := tgbotapi.NewPhoto(id, tgbotapi.FileBytes{Name: "image", Bytes: dto.Data})
	photo.Caption = dto.Caption
	photo.ParseMode = DefaultParseMode
	if kb := inlineKeyboard(buttons); kb != nil {
		photo.ReplyMarkup = kb
	}
	sent, err := m.bot.Send(photo)
	if err != nil {
		return 0, fmt.Errorf("telegram messenger: send photo: %w", err)
	}
	return int64(sent.MessageID), nil
}

// classifyEditError maps Telegram API error text to the three-valued
// EditOutcome : the Bot API reports both of these conditions
// as ordinary 400 errors with a descriptive message rather than a
// distinct error code, so the mapping has to pattern-match the message.
func classifyEditError(err error) (messenger.EditOutcome, error) {
	if err == nil {
		return messenger.Success, nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message is not modified"):
		return messenger.NotModified, nil
	case strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message can't be edited"),
		strings.Contains(msg, "message_id_invalid"):
		return messenger.MessageDeleted, nil
	default:
		return messenger.Success, fmt.Errorf("telegram messenger: edit: %w", err)
	}
}

func (m *Messenger) EditText(ctx context.Context, chatID string, messengerID int64, dto messenger.TextDTO, buttons []string) (messenger.EditOutcome, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return messenger.Success, err
	}
	edit := tgbotapi.NewEditMessageText(id, int(messengerID), dto.Text)
	edit.ParseMode = DefaultParseMode
	if kb := inlineKeyboard(buttons); kb != nil {
		edit.ReplyMarkup = kb
	}
	_, err = m.bot.Send(edit)
	return classifyEditError(err)
}

func (m *Messenger) EditPhoto(ctx context.Context, chatID string, messengerID int64, dto messenger.PhotoDTO, buttons []string) (messenger.EditOutcome, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return messenger.Success, err
	}
	edit := tgbotapi.NewEditMessageCaption(id, int(messengerID), dto.Caption)
	edit.ParseMode = DefaultParseMode
	if kb := inlineKeyboard(buttons); kb != nil {
		edit.ReplyMarkup = kb
	}
	_, err = m.bot.Send(edit)
	return classifyEditError(err)
}

func (m *Messenger) DeleteMessage(ctx context.Context, chatID string, messengerID int64) (bool, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return false, err
	}
	_, err = m.bot.Request(tgbotapi.NewDeleteMessage(id, int(messengerID)))
	if err != nil {
		if outcome, classifyErr := classifyEditError(err); classifyErr == nil && outcome == messenger.MessageDeleted {
			// Already gone — deleting an absent message is not a failure
			// from the caller's point of view.
			return true, nil
		}
		return false, fmt.Errorf("telegram messenger: delete: %w", err)
	}
	return true, nil
}

// ErrNoChannel is returned by outer wiring code when no bot token is
// configured; kept here (rather than internal/brokerr) because it is
// specific to this transport, matching
// plugin/chat_apps/channels/base.go's per-package error variables.
var ErrNoChannel = errors.New("telegram messenger: no bot token configured")
