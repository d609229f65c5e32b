package render

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"tg-quiz-bot/internal/domain"
)

func newTestService() *Service {
	svc := NewService()
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	svc.newID = func() string { return "fixed-id" }
	return svc
}

func TestStage_PlainBody(t *testing.T) {
	svc := newTestService()

	spec, err := svc.Stage("Привет, {name}!", domain.Attachment{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Body != "Привет, {name}!" {
		t.Fatalf("body changed: %q", spec.Body)
	}
	if len(spec.Buttons) != 0 {
		t.Fatalf("expected no buttons, got %d rows", len(spec.Buttons))
	}
}

func TestStage_ButtonMatrix(t *testing.T) {
	svc := newTestService()

	buttons := "Сайт | https://example.com && Канал | tg://resolve?domain=quiz\nЕщё | http://example.org"
	spec, err := svc.Stage("body", domain.Attachment{}, buttons)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.Buttons) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(spec.Buttons))
	}
	if len(spec.Buttons[0]) != 2 || len(spec.Buttons[1]) != 1 {
		t.Fatalf("unexpected row sizes: %v", spec.Buttons)
	}
	if spec.Buttons[0][0].Label != "Сайт" || spec.Buttons[0][0].URL != "https://example.com" {
		t.Fatalf("unexpected first button: %+v", spec.Buttons[0][0])
	}
}

func TestStage_NineButtonsInRow(t *testing.T) {
	svc := newTestService()

	parts := make([]string, 9)
	for i := range parts {
		parts[i] = "Кнопка | https://example.com"
	}
	_, err := svc.Stage("body", domain.Attachment{}, strings.Join(parts, " && "))
	if !errors.Is(err, ErrButtonLimitExceeded) {
		t.Fatalf("expected ErrButtonLimitExceeded, got %v", err)
	}
}

func TestStage_TotalButtonLimit(t *testing.T) {
	svc := newTestService()

	var rows []string
	for i := 0; i < 13; i++ {
		row := make([]string, 8)
		for j := range row {
			row[j] = "Кнопка | https://example.com"
		}
		rows = append(rows, strings.Join(row, " && "))
	}
	// 13 рядов по 8 кнопок = 104 > 100.
	_, err := svc.Stage("body", domain.Attachment{}, strings.Join(rows, "\n"))
	if !errors.Is(err, ErrButtonLimitExceeded) {
		t.Fatalf("expected ErrButtonLimitExceeded, got %v", err)
	}
}

func TestStage_DisallowedScheme(t *testing.T) {
	svc := newTestService()

	for _, u := range []string{"ftp://example.com", "javascript:alert(1)", "file:///etc/passwd"} {
		_, err := svc.Stage("body", domain.Attachment{}, "Кнопка | "+u)
		if !errors.Is(err, ErrDisallowedURIScheme) {
			t.Fatalf("url %q: expected ErrDisallowedURIScheme, got %v", u, err)
		}
	}
}

func TestStage_MalformedButton(t *testing.T) {
	svc := newTestService()

	for _, bad := range []string{"без разделителя", "Текст |", "| https://example.com", "Текст | не-ссылка"} {
		_, err := svc.Stage("body", domain.Attachment{}, bad)
		if !errors.Is(err, ErrMalformedButtonSyntax) {
			t.Fatalf("spec %q: expected ErrMalformedButtonSyntax, got %v", bad, err)
		}
	}
}

func TestStage_UnknownPlaceholder(t *testing.T) {
	svc := newTestService()

	if _, err := svc.Stage("Привет, {nickname}!", domain.Attachment{}, ""); !errors.Is(err, ErrUnknownPlaceholder) {
		t.Fatalf("expected ErrUnknownPlaceholder, got %v", err)
	}
	if _, err := svc.Stage("", domain.Attachment{Kind: domain.AttachmentPhoto, FileID: "f", Caption: "{user}"}, ""); !errors.Is(err, ErrUnknownPlaceholder) {
		t.Fatalf("expected ErrUnknownPlaceholder in caption, got %v", err)
	}
}

func TestStage_LiteralBracesPass(t *testing.T) {
	svc := newTestService()

	// Скобки вне формы {word} — не токены: сниппеты и смайлики проходят.
	for _, body := range []string{
		"func main() { println(1) }",
		`¯\_{ツ}_/¯`,
		"открытая {name скобка",
		"{ name }",
	} {
		spec, err := svc.Stage(body, domain.Attachment{}, "")
		if err != nil {
			t.Fatalf("body %q: unexpected error: %v", body, err)
		}
		if spec.Body != body {
			t.Fatalf("body %q changed to %q", body, spec.Body)
		}
	}
}

func TestStage_CaptionClamp(t *testing.T) {
	svc := newTestService()

	long := strings.Repeat("ж", 1500)
	spec, err := svc.Stage("", domain.Attachment{Kind: domain.AttachmentPhoto, FileID: "f1", Caption: long}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := utf8.RuneCountInString(spec.Attachment.Caption); got != captionLimit {
		t.Fatalf("caption length = %d, want %d", got, captionLimit)
	}
	if !strings.HasSuffix(spec.Attachment.Caption, truncationMark) {
		t.Fatalf("caption lacks truncation marker")
	}
}

func TestStage_BodyNotTruncated(t *testing.T) {
	svc := newTestService()

	long := strings.Repeat("a", 10000)
	spec, err := svc.Stage(long, domain.Attachment{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.Body) != 10000 {
		t.Fatalf("plain body must not be truncated, got len %d", len(spec.Body))
	}
}

func TestStage_EmptySpec(t *testing.T) {
	svc := newTestService()

	if _, err := svc.Stage("   ", domain.Attachment{}, ""); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}

func TestStage_Deterministic(t *testing.T) {
	svc := newTestService()

	a, err := svc.Stage("Тело {name}", domain.Attachment{Kind: domain.AttachmentPhoto, FileID: "f", Caption: "подпись"}, "Сайт | https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := svc.Stage("Тело {name}", domain.Attachment{Kind: domain.AttachmentPhoto, FileID: "f", Caption: "подпись"}, "Сайт | https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Body != b.Body || a.Attachment != b.Attachment || len(a.Buttons) != len(b.Buttons) {
		t.Fatalf("staging is not deterministic: %+v vs %+v", a, b)
	}
}
