package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/infra/metrics"
)

// Messenger реализует domain.Messenger поверх Bot API.
type Messenger struct {
	api *tgbotapi.BotAPI

	mu   sync.Mutex
	self string
}

var _ domain.Messenger = (*Messenger)(nil)

// NewMessenger создаёт адаптер Bot API.
func NewMessenger(api *tgbotapi.BotAPI) *Messenger {
	return &Messenger{api: api}
}

// Send отправляет сообщение получателю. Тип вложения определяет метод
// API, кнопки собираются в инлайн-клавиатуру в порядке рядов.
func (m *Messenger) Send(ctx context.Context, recipient domain.Recipient, body string, attachment domain.Attachment, buttons []domain.ButtonRow) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg, err := buildMessage(recipient.ID, body, attachment)
	if err != nil {
		return 0, err
	}
	if markup := buildKeyboard(buttons); markup != nil {
		switch c := msg.(type) {
		case *tgbotapi.MessageConfig:
			c.ReplyMarkup = markup
		case *tgbotapi.PhotoConfig:
			c.ReplyMarkup = markup
		case *tgbotapi.VideoConfig:
			c.ReplyMarkup = markup
		case *tgbotapi.DocumentConfig:
			c.ReplyMarkup = markup
		case *tgbotapi.AnimationConfig:
			c.ReplyMarkup = markup
		}
	}

	start := time.Now()
	sent, err := m.api.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", string(attachment.Kind), start, err)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Delete удаляет ранее отправленное сообщение.
func (m *Messenger) Delete(ctx context.Context, recipientID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	_, err := m.api.Request(tgbotapi.NewDeleteMessage(recipientID, messageID))
	metrics.ObserveNetworkRequest("telegram", "delete_message", "message", start, err)
	return err
}

// Self возвращает отображаемое имя бота. Значение кэшируется, так что
// внешний вызов случается максимум один раз за жизнь адаптера.
func (m *Messenger) Self(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self != "" {
		return m.self, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	me, err := m.api.GetMe()
	metrics.ObserveNetworkRequest("telegram", "get_me", "bot", start, err)
	if err != nil {
		return "", fmt.Errorf("get bot identity: %w", err)
	}
	m.self = me.FirstName
	if m.self == "" {
		m.self = me.UserName
	}
	return m.self, nil
}

func buildMessage(chatID int64, body string, attachment domain.Attachment) (tgbotapi.Chattable, error) {
	switch attachment.Kind {
	case domain.AttachmentNone:
		msg := tgbotapi.NewMessage(chatID, body)
		return &msg, nil
	case domain.AttachmentPhoto:
		msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(attachment.FileID))
		msg.Caption = attachment.Caption
		return &msg, nil
	case domain.AttachmentVideo:
		msg := tgbotapi.NewVideo(chatID, tgbotapi.FileID(attachment.FileID))
		msg.Caption = attachment.Caption
		return &msg, nil
	case domain.AttachmentDocument:
		msg := tgbotapi.NewDocument(chatID, tgbotapi.FileID(attachment.FileID))
		msg.Caption = attachment.Caption
		return &msg, nil
	case domain.AttachmentAnimation:
		msg := tgbotapi.NewAnimation(chatID, tgbotapi.FileID(attachment.FileID))
		msg.Caption = attachment.Caption
		return &msg, nil
	default:
		return nil, fmt.Errorf("неизвестный тип вложения: %q", attachment.Kind)
	}
}

func buildKeyboard(buttons []domain.ButtonRow) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL))
		}
		rows = append(rows, btns)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}
