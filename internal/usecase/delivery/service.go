package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-quiz-bot/internal/domain"
)

const (
	// SmallBatchThreshold — до этого размера батча паузы между
	// отправками не вставляются.
	SmallBatchThreshold = 10
	// InterSendDelay — пауза между отправками в больших батчах.
	InterSendDelay = 50 * time.Millisecond
)

// Классы ошибок доставки, фиксируемые в леджере.
const (
	classBlocked      = "blocked"
	classDeactivated  = "deactivated"
	classChatNotFound = "chat_not_found"
	classKicked       = "kicked"
	classError        = "error"
)

// permanentSignatures — закрытый набор сигнатур Bot API, означающих,
// что получатель недоступен навсегда. Всё остальное считается
// временной ошибкой и получателя не трогает.
var permanentSignatures = map[string]string{
	"bot was blocked by the user": classBlocked,
	"user is deactivated":         classDeactivated,
	"chat not found":              classChatNotFound,
	"bot was kicked":              classKicked,
}

// Service — движок фан-аута: последовательная доставка, синхронный
// леджер, отзыв рассылок.
type Service struct {
	messenger  domain.Messenger
	ledger     domain.Ledger
	recipients domain.RecipientRepo
	log        zerolog.Logger

	threshold int
	delay     time.Duration
	sleep     func(time.Duration)
}

// NewService создаёт движок доставки.
func NewService(messenger domain.Messenger, ledger domain.Ledger, recipients domain.RecipientRepo, log zerolog.Logger) *Service {
	return &Service{
		messenger:  messenger,
		ledger:     ledger,
		recipients: recipients,
		log:        log,
		threshold:  SmallBatchThreshold,
		delay:      InterSendDelay,
		sleep:      time.Sleep,
	}
}

// Execute рассылает подтверждённую спецификацию строго в порядке списка
// получателей. Запись леджера делается синхронно после каждой отправки,
// до перехода к следующему получателю. Сводка строится только по леджеру.
func (s *Service) Execute(ctx context.Context, spec domain.BroadcastSpec, recipients []domain.Recipient) (domain.DeliveryReport, error) {
	botName, err := s.messenger.Self(ctx)
	if err != nil {
		return domain.DeliveryReport{}, fmt.Errorf("resolve bot identity: %w", err)
	}

	throttle := len(recipients) > s.threshold
	for i, r := range recipients {
		if err := ctx.Err(); err != nil {
			// Отчёт по записанному префиксу читается уже вне умершего контекста.
			report, repErr := s.ledger.Report(context.WithoutCancel(ctx), spec.ID)
			if repErr != nil {
				return domain.DeliveryReport{}, fmt.Errorf("interrupted, report unavailable: %w", repErr)
			}
			return report, err
		}
		if throttle && i > 0 {
			s.sleep(s.delay)
		}

		body := resolvePlaceholders(spec.Body, r, botName)
		attachment := spec.Attachment
		attachment.Caption = resolvePlaceholders(attachment.Caption, r, botName)

		rec := domain.DeliveryRecord{BroadcastID: spec.ID, RecipientID: r.ID}
		messageID, sendErr := s.messenger.Send(ctx, r, body, attachment, spec.Buttons)
		var class string
		if sendErr != nil {
			class = classify(sendErr)
		}
		switch {
		case sendErr == nil:
			rec.MessageID = &messageID
			rec.Outcome = domain.OutcomeSent
		case class != classError:
			rec.Outcome = domain.OutcomeSkipped
			rec.ErrorClass = class
			if err := s.recipients.SetActive(ctx, r.ID, false); err != nil {
				s.log.Error().Err(err).Int64("recipient_id", r.ID).Msg("не удалось деактивировать получателя")
			}
			s.log.Info().Int64("recipient_id", r.ID).Str("class", rec.ErrorClass).Msg("получатель недоступен, деактивирован")
		default:
			rec.Outcome = domain.OutcomeFailed
			rec.ErrorClass = classError
			s.log.Warn().Err(sendErr).Int64("recipient_id", r.ID).Str("broadcast_id", spec.ID).Msg("ошибка доставки")
		}

		if err := s.ledger.Record(ctx, rec); err != nil {
			report, repErr := s.ledger.Report(ctx, spec.ID)
			if repErr != nil {
				report = domain.DeliveryReport{}
			}
			return report, fmt.Errorf("record delivery outcome: %w", err)
		}
	}

	return s.ledger.Report(ctx, spec.ID)
}

// Retract отзывает рассылку: удаляет доставленные сообщения независимыми
// вызовами, затем выносит рассылку из активного хранилища, оставляя
// счётную запись аудита. Повторный отзыв — no-op без внешних вызовов.
func (s *Service) Retract(ctx context.Context, broadcastID string) (domain.RetractionReport, error) {
	if _, err := s.ledger.GetSpec(ctx, broadcastID); err != nil {
		if errors.Is(err, domain.ErrSpecNotFound) {
			return domain.RetractionReport{NothingToRetract: true}, nil
		}
		return domain.RetractionReport{}, fmt.Errorf("load broadcast: %w", err)
	}

	delivered, err := s.ledger.ListDelivered(ctx, broadcastID)
	if err != nil {
		return domain.RetractionReport{}, fmt.Errorf("list delivered messages: %w", err)
	}

	report := domain.RetractionReport{}
	for _, rec := range delivered {
		if rec.MessageID == nil {
			continue
		}
		if err := s.messenger.Delete(ctx, rec.RecipientID, *rec.MessageID); err != nil {
			// Частные отказы считаем, но отзыв не прерываем.
			report.Failed++
			s.log.Warn().Err(err).Int64("recipient_id", rec.RecipientID).Str("broadcast_id", broadcastID).Msg("не удалось удалить сообщение")
			continue
		}
		report.Deleted++
	}

	delivery, err := s.ledger.Report(ctx, broadcastID)
	if err != nil {
		return report, fmt.Errorf("read delivery report: %w", err)
	}
	audit := domain.BroadcastAudit{
		BroadcastID: broadcastID,
		Sent:        delivery.SentDirect + delivery.SentGroup,
		Failed:      delivery.Failed,
		Skipped:     delivery.Skipped,
		Deleted:     report.Deleted,
	}
	if err := s.ledger.Purge(ctx, broadcastID, audit); err != nil {
		return report, fmt.Errorf("purge broadcast: %w", err)
	}

	s.log.Info().Str("broadcast_id", broadcastID).Int("deleted", report.Deleted).Int("failed", report.Failed).Msg("рассылка отозвана")
	return report, nil
}

// classify сопоставляет ошибку отправки с классом по закрытому набору
// сигнатур. Таймауты и прочие неизвестные ошибки — временные.
func classify(err error) string {
	msg := strings.ToLower(err.Error())
	for sig, class := range permanentSignatures {
		if strings.Contains(msg, sig) {
			return class
		}
	}
	return classError
}

// resolvePlaceholders подставляет значения токенов по уже загруженным
// полям получателя и кэшированному имени бота.
func resolvePlaceholders(text string, r domain.Recipient, botName string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	replacer := strings.NewReplacer(
		"{name}", r.DisplayName,
		"{chat_id}", strconv.FormatInt(r.ID, 10),
		"{bot_name}", botName,
	)
	return replacer.Replace(text)
}
