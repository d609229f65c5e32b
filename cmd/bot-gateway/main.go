package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-quiz-bot/internal/adapters/bot"
	"tg-quiz-bot/internal/adapters/repo"
	"tg-quiz-bot/internal/adapters/telegram"
	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/infra/cache"
	"tg-quiz-bot/internal/infra/config"
	"tg-quiz-bot/internal/infra/db"
	"tg-quiz-bot/internal/infra/log"
	"tg-quiz-bot/internal/infra/metrics"
	"tg-quiz-bot/internal/infra/queue"
	"tg-quiz-bot/internal/usecase/delivery"
	"tg-quiz-bot/internal/usecase/ranking"
	"tg-quiz-bot/internal/usecase/render"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "bot-gateway")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	repoAdapter := repo.NewPostgres(pool)
	specStore := cache.NewRedisSpecStore(redisClient)
	jobQueue := queue.NewRedisBroadcastQueue(redisClient, cfg.Broadcast.QueueKey)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	messenger := telegram.NewMessenger(botAPI)

	renderService := render.NewService()
	deliveryService := delivery.NewService(messenger, repoAdapter, repoAdapter, logger)
	rankingService := ranking.NewService(repoAdapter, cfg.Ranking.SnapshotTTL)

	h := bot.NewHandler(
		botAPI, logger,
		renderService, deliveryService, rankingService,
		repoAdapter, repoAdapter,
		specStore, jobQueue,
		cfg.Developers, cfg.Broadcast.SpecTTL, cfg.Ranking.PageSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	r := chi.NewRouter()
	r.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	// Граница источника квизов: ответы приходят снаружи готовыми событиями.
	r.Post("/events/answer", func(w http.ResponseWriter, r *http.Request) {
		var ev domain.AnswerEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		inserted, err := rankingService.Append(r.Context(), ev)
		if err != nil {
			logger.Error().Err(err).Int64("user_id", ev.UserID).Msg("не удалось записать событие ответа")
			http.Error(w, "append failed", http.StatusInternalServerError)
			return
		}
		metrics.ObserveAnswerEvent(inserted)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"inserted": inserted})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: r}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("бот-гейтвей запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

var _ domain.RecipientRepo = (*repo.Postgres)(nil)
var _ domain.EventLog = (*repo.Postgres)(nil)
var _ domain.Ledger = (*repo.Postgres)(nil)
var _ domain.SpecStore = (*cache.RedisSpecStore)(nil)
var _ domain.BroadcastQueue = (*queue.RedisBroadcastQueue)(nil)
