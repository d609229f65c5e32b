package bot

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/usecase/render"
)

func TestSplitPayload(t *testing.T) {
	body, buttons := splitPayload("Привет всем!\n---\nСайт | https://example.com")
	if body != "Привет всем!" {
		t.Fatalf("body = %q", body)
	}
	if buttons != "Сайт | https://example.com" {
		t.Fatalf("buttons = %q", buttons)
	}

	body, buttons = splitPayload("Только текст")
	if body != "Только текст" || buttons != "" {
		t.Fatalf("payload without separator: %q / %q", body, buttons)
	}
}

func TestExtractAttachment(t *testing.T) {
	msg := &tgbotapi.Message{}
	if att := extractAttachment(msg); att.Kind != domain.AttachmentNone {
		t.Fatalf("plain message: %+v", att)
	}

	msg = &tgbotapi.Message{Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "big"}}}
	att := extractAttachment(msg)
	if att.Kind != domain.AttachmentPhoto || att.FileID != "big" {
		t.Fatalf("photo: %+v, хотим самый большой размер", att)
	}

	msg = &tgbotapi.Message{Document: &tgbotapi.Document{FileID: "doc"}}
	if att := extractAttachment(msg); att.Kind != domain.AttachmentDocument || att.FileID != "doc" {
		t.Fatalf("document: %+v", att)
	}
}

func TestRenderErrorMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{render.ErrMalformedButtonSyntax, "Кнопки"},
		{render.ErrButtonLimitExceeded, "кнопок"},
		{render.ErrDisallowedURIScheme, "Ссылки"},
		{render.ErrUnknownPlaceholder, "плейсхолдер"},
		{render.ErrEmptyBody, "пуста"},
	}
	for _, tc := range cases {
		if got := renderErrorMessage(tc.err); !strings.Contains(got, tc.want) {
			t.Fatalf("message for %v = %q", tc.err, got)
		}
	}
}

func TestRankingKeyboard(t *testing.T) {
	page := domain.RankingPage{Entries: make([]domain.RankEntry, 20), TotalCount: 45, HasNext: true}
	kb := rankingKeyboard(page, 0, 20)
	if kb == nil || len(kb.InlineKeyboard[0]) != 1 {
		t.Fatalf("first page must have only next button: %+v", kb)
	}
	if kb.InlineKeyboard[0][0].CallbackData == nil || *kb.InlineKeyboard[0][0].CallbackData != "top:20" {
		t.Fatalf("next offset = %v", kb.InlineKeyboard[0][0].CallbackData)
	}

	page = domain.RankingPage{Entries: make([]domain.RankEntry, 20), TotalCount: 45, HasPrev: true, HasNext: true}
	kb = rankingKeyboard(page, 20, 20)
	if kb == nil || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("middle page must have both buttons: %+v", kb)
	}

	page = domain.RankingPage{Entries: make([]domain.RankEntry, 5), TotalCount: 45, HasPrev: true}
	kb = rankingKeyboard(page, 40, 20)
	if kb == nil || len(kb.InlineKeyboard[0]) != 1 {
		t.Fatalf("last page must have only prev button: %+v", kb)
	}
	if *kb.InlineKeyboard[0][0].CallbackData != "top:20" {
		t.Fatalf("prev offset = %q", *kb.InlineKeyboard[0][0].CallbackData)
	}

	if kb := rankingKeyboard(domain.RankingPage{Entries: make([]domain.RankEntry, 5), TotalCount: 5}, 0, 20); kb != nil {
		t.Fatalf("single page must have no keyboard")
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName(&tgbotapi.User{FirstName: "Иван", LastName: "Петров"}); got != "Иван Петров" {
		t.Fatalf("got %q", got)
	}
	if got := displayName(&tgbotapi.User{UserName: "ivan"}); got != "ivan" {
		t.Fatalf("got %q", got)
	}
	if got := displayName(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestIsDeveloper(t *testing.T) {
	h := &Handler{developers: []int64{10, 20}}
	if !h.isDeveloper(10) || h.isDeveloper(30) {
		t.Fatalf("developer gating broken")
	}
}
