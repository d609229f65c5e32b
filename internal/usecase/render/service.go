package render

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tg-quiz-bot/internal/domain"
)

// Ошибки подготовки рассылки. Любая из них означает, что спецификация
// целиком отвергнута и ничего не сохранено.
var (
	ErrMalformedButtonSyntax = errors.New("некорректный синтаксис кнопок")
	ErrButtonLimitExceeded   = errors.New("превышен лимит кнопок")
	ErrDisallowedURIScheme   = errors.New("недопустимая схема ссылки")
	ErrUnknownPlaceholder    = errors.New("неизвестный плейсхолдер")
	ErrEmptyBody             = errors.New("пустое тело рассылки")
)

const (
	maxButtonsPerRow = 8
	maxButtonsTotal  = 100
	captionLimit     = 1024
	truncationMark   = "…"
)

// allowedSchemes — схемы ссылок, которые принимает Bot API в inline-кнопках.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"tg":    true,
}

// placeholders — токены, разрешённые в теле и подписи. Значения
// подставляются на этапе доставки, здесь только проверяется форма.
var placeholders = map[string]bool{
	"name":     true,
	"chat_id":  true,
	"bot_name": true,
}

// Service валидирует и подготавливает спецификацию рассылки.
type Service struct {
	now   func() time.Time
	newID func() string
}

// NewService создаёт рендерер рассылок.
func NewService() *Service {
	return &Service{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Stage валидирует сырой ввод оператора и возвращает неизменяемую
// спецификацию. При любой ошибке валидации спецификация отвергается целиком.
func (s *Service) Stage(body string, attachment domain.Attachment, buttonSpec string) (domain.BroadcastSpec, error) {
	if attachment.Kind == "" {
		attachment.Kind = domain.AttachmentNone
	}
	if strings.TrimSpace(body) == "" && attachment.Kind == domain.AttachmentNone {
		return domain.BroadcastSpec{}, ErrEmptyBody
	}

	if err := validatePlaceholders(body); err != nil {
		return domain.BroadcastSpec{}, err
	}
	if err := validatePlaceholders(attachment.Caption); err != nil {
		return domain.BroadcastSpec{}, err
	}

	rows, err := parseButtons(buttonSpec)
	if err != nil {
		return domain.BroadcastSpec{}, err
	}

	// Подпись к медиа ограничена платформой, тело обычного сообщения
	// не урезается: слишком длинное тело отвергнет сама доставка.
	attachment.Caption = clampCaption(attachment.Caption)

	return domain.BroadcastSpec{
		ID:         s.newID(),
		Body:       body,
		Attachment: attachment,
		Buttons:    rows,
		CreatedAt:  s.now().UTC(),
	}, nil
}

// parseButtons разбирает операторский текст кнопок: строки — ряды,
// кнопки в ряду разделены "&&", каждая кнопка — "Текст | URL".
func parseButtons(spec string) ([]domain.ButtonRow, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var rows []domain.ButtonRow
	total := 0
	for _, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row domain.ButtonRow
		for _, raw := range strings.Split(line, "&&") {
			btn, err := parseButton(raw)
			if err != nil {
				return nil, err
			}
			row = append(row, btn)
		}
		if len(row) > maxButtonsPerRow {
			return nil, fmt.Errorf("%w: %d кнопок в ряду, максимум %d", ErrButtonLimitExceeded, len(row), maxButtonsPerRow)
		}
		total += len(row)
		rows = append(rows, row)
	}
	if total > maxButtonsTotal {
		return nil, fmt.Errorf("%w: %d кнопок всего, максимум %d", ErrButtonLimitExceeded, total, maxButtonsTotal)
	}
	return rows, nil
}

func parseButton(raw string) (domain.Button, error) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return domain.Button{}, fmt.Errorf("%w: ожидается \"Текст | URL\", получено %q", ErrMalformedButtonSyntax, strings.TrimSpace(raw))
	}
	label := strings.TrimSpace(parts[0])
	rawURL := strings.TrimSpace(parts[1])
	if label == "" || rawURL == "" {
		return domain.Button{}, fmt.Errorf("%w: пустой текст или ссылка", ErrMalformedButtonSyntax)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return domain.Button{}, fmt.Errorf("%w: %q", ErrMalformedButtonSyntax, rawURL)
	}
	if !allowedSchemes[u.Scheme] {
		return domain.Button{}, fmt.Errorf("%w: %q", ErrDisallowedURIScheme, u.Scheme)
	}
	return domain.Button{Label: label, URL: rawURL}, nil
}

// placeholderToken задаёт форму токена. Фигурные скобки вне этой формы —
// обычный текст, так что сниппеты и смайлики проходят как есть.
var placeholderToken = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// validatePlaceholders проверяет, что все токены формы {word} известны.
// Подстановка значений происходит только при доставке.
func validatePlaceholders(text string) error {
	for _, m := range placeholderToken.FindAllStringSubmatch(text, -1) {
		if !placeholders[m[1]] {
			return fmt.Errorf("%w: {%s}", ErrUnknownPlaceholder, m[1])
		}
	}
	return nil
}

// clampCaption урезает подпись до лимита платформы, добавляя маркер.
func clampCaption(caption string) string {
	if utf8.RuneCountInString(caption) <= captionLimit {
		return caption
	}
	runes := []rune(caption)
	return string(runes[:captionLimit-utf8.RuneCountInString(truncationMark)]) + truncationMark
}
