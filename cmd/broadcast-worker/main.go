package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-quiz-bot/internal/adapters/repo"
	"tg-quiz-bot/internal/adapters/telegram"
	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/infra/config"
	"tg-quiz-bot/internal/infra/db"
	"tg-quiz-bot/internal/infra/log"
	"tg-quiz-bot/internal/infra/metrics"
	"tg-quiz-bot/internal/infra/queue"
	"tg-quiz-bot/internal/usecase/delivery"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "broadcast-worker")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}

	repoAdapter := repo.NewPostgres(pool)
	messenger := telegram.NewMessenger(botAPI)
	jobQueue := queue.NewRedisBroadcastQueue(redisClient, cfg.Broadcast.QueueKey)
	deliveryService := delivery.NewService(messenger, repoAdapter, repoAdapter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	logger.Info().Msg("воркер рассылок запущен")
	for {
		job, err := jobQueue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("остановка воркера")
				return
			}
			logger.Error().Err(err).Msg("не удалось прочитать задание")
			continue
		}
		runBroadcast(ctx, logger, repoAdapter, deliveryService, messenger, job)
	}
}

// runBroadcast исполняет одно задание: загружает спецификацию и активных
// получателей, делает фан-аут и шлёт отчёт оператору.
func runBroadcast(ctx context.Context, logger zerolog.Logger, repoAdapter *repo.Postgres, deliveryService *delivery.Service, messenger domain.Messenger, job domain.BroadcastJob) {
	jobLog := logger.With().Str("job_id", job.JobID).Str("broadcast_id", job.BroadcastID).Logger()

	spec, err := repoAdapter.GetSpec(ctx, job.BroadcastID)
	if err != nil {
		jobLog.Error().Err(err).Msg("рассылка не найдена")
		return
	}
	recipients, err := repoAdapter.ListActive(ctx)
	if err != nil {
		jobLog.Error().Err(err).Msg("не удалось загрузить получателей")
		return
	}
	// Доставляем только аудитории, зафиксированной при подтверждении.
	// Деактивированные после подтверждения уже выпали из ListActive.
	recipients = domain.FilterRecipients(recipients, job.RecipientIDs)

	start := time.Now()
	report, err := deliveryService.Execute(ctx, spec, recipients)
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		jobLog.Error().Err(err).Msg("рассылка прервана")
	}
	observeReport(report)

	jobLog.Info().
		Int("sent_direct", report.SentDirect).
		Int("sent_group", report.SentGroup).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("рассылка завершена")

	if job.OperatorID != 0 {
		summary := fmt.Sprintf(
			"Рассылка %s завершена.\nЛичных: %d, групповых: %d.\nОшибок: %d, пропущено: %d.",
			job.BroadcastID, report.SentDirect, report.SentGroup, report.Failed, report.Skipped,
		)
		operator := domain.Recipient{ID: job.OperatorID, Kind: domain.RecipientDirect}
		if _, err := messenger.Send(ctx, operator, summary, domain.Attachment{Kind: domain.AttachmentNone}, nil); err != nil {
			jobLog.Error().Err(err).Msg("не удалось отправить отчёт оператору")
		}
	}
}

func observeReport(report domain.DeliveryReport) {
	metrics.BroadcastSendsTotal.WithLabelValues(string(domain.OutcomeSent)).Add(float64(report.SentDirect + report.SentGroup))
	metrics.BroadcastSendsTotal.WithLabelValues(string(domain.OutcomeFailed)).Add(float64(report.Failed))
	metrics.BroadcastSendsTotal.WithLabelValues(string(domain.OutcomeSkipped)).Add(float64(report.Skipped))
}
