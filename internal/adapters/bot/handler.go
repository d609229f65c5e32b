package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-quiz-bot/internal/adapters/telegram"
	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/infra/metrics"
	"tg-quiz-bot/internal/usecase/delivery"
	"tg-quiz-bot/internal/usecase/ranking"
	"tg-quiz-bot/internal/usecase/render"
)

// buttonSeparator отделяет тело рассылки от описания кнопок.
const buttonSeparator = "\n---\n"

// retractWindow — сколько действует запрос на отзыв до подтверждения.
const retractWindow = 10 * time.Minute

type pendingRetract struct {
	broadcastID string
	requestedAt time.Time
}

// Handler обслуживает вебхук бота: регистрацию получателей, двухшаговые
// команды рассылки и постраничный рейтинг.
type Handler struct {
	bot        *tgbotapi.BotAPI
	log        zerolog.Logger
	renderUC   *render.Service
	deliveryUC *delivery.Service
	rankingUC  *ranking.Service
	recipients domain.RecipientRepo
	ledger     domain.Ledger
	specs      domain.SpecStore
	jobs       domain.BroadcastQueue
	developers []int64
	specTTL    time.Duration
	pageSize   int

	mu             sync.Mutex
	pendingRetract map[int64]pendingRetract
}

// NewHandler создаёт обработчик.
func NewHandler(
	bot *tgbotapi.BotAPI,
	log zerolog.Logger,
	renderUC *render.Service,
	deliveryUC *delivery.Service,
	rankingUC *ranking.Service,
	recipients domain.RecipientRepo,
	ledger domain.Ledger,
	specs domain.SpecStore,
	jobs domain.BroadcastQueue,
	developers []int64,
	specTTL time.Duration,
	pageSize int,
) *Handler {
	if pageSize <= 0 {
		pageSize = ranking.DefaultPageSize
	}
	return &Handler{
		bot:            bot,
		log:            log,
		renderUC:       renderUC,
		deliveryUC:     deliveryUC,
		rankingUC:      rankingUC,
		recipients:     recipients,
		ledger:         ledger,
		specs:          specs,
		jobs:           jobs,
		developers:     developers,
		specTTL:        specTTL,
		pageSize:       pageSize,
		pendingRetract: make(map[int64]pendingRetract),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.MyChatMember != nil:
		h.handleMembership(ctx, upd.MyChatMember)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if msg.From == nil || text == "" {
		return
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, h.buildHelpMessage(), nil)
	case strings.HasPrefix(text, "/broadcast_confirm"):
		h.handleBroadcastConfirm(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/broadcast"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/broadcast"))
		h.handleBroadcast(ctx, msg, payload)
	case strings.HasPrefix(text, "/delbroadcast_confirm"):
		h.handleRetractConfirm(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/delbroadcast"):
		arg := strings.TrimSpace(strings.TrimPrefix(text, "/delbroadcast"))
		h.handleRetract(ctx, msg.Chat.ID, msg.From.ID, arg)
	case strings.HasPrefix(text, "/top"):
		h.sendRankingPage(ctx, msg.Chat.ID, 0, 0)
	case strings.HasPrefix(text, "/mystats"):
		h.handleMyStats(ctx, msg.Chat.ID, msg.From.ID)
	default:
		if msg.Chat.IsPrivate() {
			h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
		}
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	switch {
	case strings.HasPrefix(data, "top:"):
		offset, err := strconv.Atoi(strings.TrimPrefix(data, "top:"))
		if err == nil && cb.Message != nil {
			h.sendRankingPage(ctx, cb.Message.Chat.ID, offset, cb.Message.MessageID)
		}
	}
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(cb.From.ID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

// handleMembership держит директорию получателей в актуальном состоянии
// по событиям членства бота в чатах.
func (h *Handler) handleMembership(ctx context.Context, upd *tgbotapi.ChatMemberUpdated) {
	status := upd.NewChatMember.Status
	chat := upd.Chat
	switch status {
	case "kicked", "left":
		if err := h.recipients.SetActive(ctx, chat.ID, false); err != nil {
			h.log.Error().Err(err).Int64("chat_id", chat.ID).Msg("не удалось деактивировать чат")
		}
	case "member", "administrator":
		if chat.IsPrivate() {
			return
		}
		if _, err := h.recipients.Upsert(ctx, domain.Recipient{
			ID:          chat.ID,
			Kind:        domain.RecipientGroup,
			DisplayName: chat.Title,
		}); err != nil {
			h.log.Error().Err(err).Int64("chat_id", chat.ID).Msg("не удалось зарегистрировать чат")
		}
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	recipient := domain.Recipient{
		ID:          msg.Chat.ID,
		Kind:        domain.RecipientDirect,
		DisplayName: displayName(msg.From),
	}
	if !msg.Chat.IsPrivate() {
		recipient.Kind = domain.RecipientGroup
		recipient.DisplayName = msg.Chat.Title
	}
	if _, err := h.recipients.Upsert(ctx, recipient); err != nil {
		h.log.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("не удалось сохранить получателя")
		h.reply(msg.Chat.ID, "Не удалось сохранить профиль, попробуйте позже", nil)
		return
	}
	h.reply(msg.Chat.ID, "Привет! Я квиз-бот. Команды: /top — рейтинг, /mystats — ваша статистика, /help — справка.", nil)
}

// handleBroadcast готовит рассылку и просит подтверждение. Сама отправка
// начинается только после /broadcast_confirm.
func (h *Handler) handleBroadcast(ctx context.Context, msg *tgbotapi.Message, payload string) {
	operatorID := msg.From.ID
	if !h.isDeveloper(operatorID) {
		h.reply(msg.Chat.ID, "Команда доступна только разработчикам", nil)
		return
	}

	body, buttonSpec := splitPayload(payload)
	attachment := extractAttachment(msg)
	if attachment.Kind != domain.AttachmentNone {
		attachment.Caption = body
		body = ""
	}

	spec, err := h.renderUC.Stage(body, attachment, buttonSpec)
	if err != nil {
		h.reply(msg.Chat.ID, renderErrorMessage(err), nil)
		return
	}
	spec.CreatedBy = operatorID

	if err := h.specs.Put(ctx, operatorID, spec, h.specTTL); err != nil {
		h.log.Error().Err(err).Msg("не удалось сохранить подготовленную рассылку")
		h.reply(msg.Chat.ID, "Не удалось подготовить рассылку, попробуйте позже", nil)
		return
	}

	direct, group, err := h.recipients.CountActive(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось посчитать получателей")
		h.reply(msg.Chat.ID, "Не удалось посчитать получателей, попробуйте позже", nil)
		return
	}

	var b strings.Builder
	b.WriteString("Рассылка подготовлена.\n")
	fmt.Fprintf(&b, "Получатели: %d личных, %d групповых.\n", direct, group)
	if spec.Attachment.Kind != domain.AttachmentNone {
		fmt.Fprintf(&b, "Вложение: %s.\n", spec.Attachment.Kind)
	}
	if n := spec.ButtonCount(); n > 0 {
		fmt.Fprintf(&b, "Кнопок: %d.\n", n)
	}
	fmt.Fprintf(&b, "Отправьте /broadcast_confirm в течение %s.", h.specTTL)
	h.reply(msg.Chat.ID, b.String(), nil)
}

func (h *Handler) handleBroadcastConfirm(ctx context.Context, chatID, operatorID int64) {
	if !h.isDeveloper(operatorID) {
		h.reply(chatID, "Команда доступна только разработчикам", nil)
		return
	}

	spec, ok, err := h.specs.Get(ctx, operatorID)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось прочитать подготовленную рассылку")
		h.reply(chatID, "Не удалось прочитать подготовленную рассылку", nil)
		return
	}
	if !ok {
		h.reply(chatID, "Нет подготовленной рассылки. Сначала отправьте /broadcast", nil)
		return
	}

	// Подтверждение замораживает спецификацию: дальше она не меняется.
	if err := h.ledger.SaveSpec(ctx, spec); err != nil {
		h.log.Error().Err(err).Str("broadcast_id", spec.ID).Msg("не удалось сохранить рассылку")
		h.reply(chatID, "Не удалось сохранить рассылку, попробуйте позже", nil)
		return
	}

	// Аудитория фиксируется здесь: присоединившиеся после подтверждения
	// в эту рассылку уже не попадают.
	audience, err := h.recipients.ListActive(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("broadcast_id", spec.ID).Msg("не удалось зафиксировать аудиторию")
		h.reply(chatID, "Не удалось зафиксировать список получателей", nil)
		return
	}
	ids := make([]int64, 0, len(audience))
	for _, r := range audience {
		ids = append(ids, r.ID)
	}

	job := domain.BroadcastJob{JobID: uuid.NewString(), BroadcastID: spec.ID, OperatorID: operatorID, RecipientIDs: ids}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.log.Error().Err(err).Str("broadcast_id", spec.ID).Msg("не удалось поставить рассылку в очередь")
		h.reply(chatID, "Не удалось поставить рассылку в очередь", nil)
		return
	}
	if err := h.specs.Drop(ctx, operatorID); err != nil {
		h.log.Warn().Err(err).Msg("не удалось очистить подготовленную рассылку")
	}
	h.reply(chatID, fmt.Sprintf("Рассылка %s поставлена в очередь. Отчёт придёт после отправки.", spec.ID), nil)
}

func (h *Handler) handleRetract(ctx context.Context, chatID, operatorID int64, arg string) {
	if !h.isDeveloper(operatorID) {
		h.reply(chatID, "Команда доступна только разработчикам", nil)
		return
	}

	broadcastID := arg
	if broadcastID == "" {
		latest, err := h.ledger.LatestBroadcastID(ctx)
		if errors.Is(err, domain.ErrSpecNotFound) {
			h.reply(chatID, "Активных рассылок нет", nil)
			return
		}
		if err != nil {
			h.log.Error().Err(err).Msg("не удалось найти последнюю рассылку")
			h.reply(chatID, "Не удалось найти последнюю рассылку", nil)
			return
		}
		broadcastID = latest
	}

	if _, err := h.ledger.GetSpec(ctx, broadcastID); err != nil {
		if errors.Is(err, domain.ErrSpecNotFound) {
			h.reply(chatID, "Такой рассылки нет или она уже отозвана", nil)
			return
		}
		h.log.Error().Err(err).Str("broadcast_id", broadcastID).Msg("не удалось прочитать рассылку")
		h.reply(chatID, "Не удалось прочитать рассылку", nil)
		return
	}
	report, err := h.ledger.Report(ctx, broadcastID)
	if err != nil {
		h.log.Error().Err(err).Str("broadcast_id", broadcastID).Msg("не удалось построить отчёт")
		h.reply(chatID, "Не удалось построить отчёт по рассылке", nil)
		return
	}

	h.mu.Lock()
	h.pendingRetract[operatorID] = pendingRetract{broadcastID: broadcastID, requestedAt: time.Now()}
	h.mu.Unlock()

	h.reply(chatID, fmt.Sprintf(
		"Рассылка %s: доставлено %d, ошибок %d, пропущено %d.\nОтправьте /delbroadcast_confirm в течение %s, чтобы удалить доставленные сообщения.",
		broadcastID, report.SentDirect+report.SentGroup, report.Failed, report.Skipped, retractWindow,
	), nil)
}

func (h *Handler) handleRetractConfirm(ctx context.Context, chatID, operatorID int64) {
	if !h.isDeveloper(operatorID) {
		h.reply(chatID, "Команда доступна только разработчикам", nil)
		return
	}

	h.mu.Lock()
	pending, ok := h.pendingRetract[operatorID]
	delete(h.pendingRetract, operatorID)
	h.mu.Unlock()
	if !ok || time.Since(pending.requestedAt) > retractWindow {
		h.reply(chatID, "Нет запроса на отзыв. Сначала отправьте /delbroadcast", nil)
		return
	}

	report, err := h.deliveryUC.Retract(ctx, pending.broadcastID)
	if err != nil {
		h.log.Error().Err(err).Str("broadcast_id", pending.broadcastID).Msg("отзыв рассылки не удался")
		h.reply(chatID, "Отзыв не удался, попробуйте позже", nil)
		return
	}
	if report.NothingToRetract {
		h.reply(chatID, "Отзывать нечего: рассылка не найдена или уже отозвана", nil)
		return
	}
	metrics.BroadcastRetractionsTotal.Inc()
	h.reply(chatID, fmt.Sprintf("Рассылка отозвана. Удалено сообщений: %d, не удалось удалить: %d.", report.Deleted, report.Failed), nil)
}

// sendRankingPage отвечает страницей рейтинга. При messageID > 0
// редактирует существующее сообщение вместо отправки нового.
func (h *Handler) sendRankingPage(ctx context.Context, chatID int64, offset, messageID int) {
	snap, err := h.rankingUC.Snapshot(ctx, domain.WindowAllTime, domain.OrderByScore)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось построить рейтинг")
		h.reply(chatID, "Не удалось построить рейтинг, попробуйте позже", nil)
		return
	}
	page := h.rankingUC.Page(snap, offset, h.pageSize)
	if page.TotalCount == 0 {
		h.reply(chatID, "Рейтинг пока пуст: никто не ответил ни на один квиз.", nil)
		return
	}

	text := h.formatRankingPage(ctx, page)
	keyboard := rankingKeyboard(page, offset, h.pageSize)

	if messageID > 0 {
		edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
		if keyboard != nil {
			edit.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(edit)
		metrics.ObserveNetworkRequest("telegram_bot", "edit_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("не удалось обновить страницу рейтинга")
		}
		return
	}
	h.reply(chatID, text, keyboard)
}

func (h *Handler) handleMyStats(ctx context.Context, chatID, userID int64) {
	snap, err := h.rankingUC.Snapshot(ctx, domain.WindowAllTime, domain.OrderByScore)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось построить рейтинг")
		h.reply(chatID, "Не удалось получить статистику, попробуйте позже", nil)
		return
	}
	entry, ok := h.rankingUC.Position(snap, userID)
	if !ok {
		h.reply(chatID, "Вы ещё не отвечали на квизы. Статистика появится после первого ответа.", nil)
		return
	}
	h.reply(chatID, fmt.Sprintf(
		"Ваше место: %d из %d\nОчки: %d\nОтветов: %d, верных: %d (%.0f%%)",
		entry.Rank, len(snap.Entries), entry.Score, entry.Answered, entry.Correct, entry.Accuracy*100,
	), nil)
}

func (h *Handler) formatRankingPage(ctx context.Context, page domain.RankingPage) string {
	var b strings.Builder
	b.WriteString("Рейтинг игроков\n")
	for _, e := range page.Entries {
		name := strconv.FormatInt(e.UserID, 10)
		if r, err := h.recipients.GetByID(ctx, e.UserID); err == nil && r.DisplayName != "" {
			name = r.DisplayName
		}
		fmt.Fprintf(&b, "%d. %s — %d очков (%.0f%%)\n", e.Rank, name, e.Score, e.Accuracy*100)
	}
	fmt.Fprintf(&b, "Всего участников: %d", page.TotalCount)
	return b.String()
}

func rankingKeyboard(page domain.RankingPage, offset, pageSize int) *tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	if page.HasPrev {
		prev := offset - pageSize
		if prev < 0 {
			prev = 0
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("⬅ Назад", "top:"+strconv.Itoa(prev)))
	}
	if page.HasNext {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Вперёд ➡", "top:"+strconv.Itoa(offset+len(page.Entries))))
	}
	if len(row) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(row)
	return &markup
}

func (h *Handler) isDeveloper(userID int64) bool {
	for _, id := range h.developers {
		if id == userID {
			return true
		}
	}
	return false
}

func (h *Handler) buildHelpMessage() string {
	return strings.Join([]string{
		"Команды:",
		"/top — рейтинг игроков",
		"/mystats — ваша статистика",
		"",
		"Для разработчиков:",
		"/broadcast <текст> — подготовить рассылку (кнопки после строки ---)",
		"/broadcast_confirm — подтвердить и отправить",
		"/delbroadcast [id] — запросить отзыв рассылки",
		"/delbroadcast_confirm — подтвердить отзыв",
	}, "\n")
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

// splitPayload отделяет тело рассылки от описания кнопок.
func splitPayload(payload string) (body, buttons string) {
	if idx := strings.Index(payload, buttonSeparator); idx >= 0 {
		return strings.TrimSpace(payload[:idx]), strings.TrimSpace(payload[idx+len(buttonSeparator):])
	}
	return payload, ""
}

// extractAttachment достаёт медиа из сообщения оператора.
func extractAttachment(msg *tgbotapi.Message) domain.Attachment {
	switch {
	case len(msg.Photo) > 0:
		return domain.Attachment{Kind: domain.AttachmentPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Video != nil:
		return domain.Attachment{Kind: domain.AttachmentVideo, FileID: msg.Video.FileID}
	case msg.Animation != nil:
		return domain.Attachment{Kind: domain.AttachmentAnimation, FileID: msg.Animation.FileID}
	case msg.Document != nil:
		return domain.Attachment{Kind: domain.AttachmentDocument, FileID: msg.Document.FileID}
	default:
		return domain.Attachment{Kind: domain.AttachmentNone}
	}
}

func renderErrorMessage(err error) string {
	switch {
	case errors.Is(err, render.ErrMalformedButtonSyntax):
		return "Кнопки не разобраны. Формат: \"Текст | URL\", кнопки в ряду через &&, ряды с новой строки."
	case errors.Is(err, render.ErrButtonLimitExceeded):
		return "Слишком много кнопок: максимум 8 в ряду и 100 всего."
	case errors.Is(err, render.ErrDisallowedURIScheme):
		return "Ссылки в кнопках могут быть только http, https или tg."
	case errors.Is(err, render.ErrUnknownPlaceholder):
		return "В тексте есть неизвестный плейсхолдер. Доступны {name}, {chat_id}, {bot_name}."
	case errors.Is(err, render.ErrEmptyBody):
		return "Рассылка пуста. Добавьте текст или вложение."
	default:
		return fmt.Sprintf("Не удалось подготовить рассылку: %v", err)
	}
}

func displayName(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.UserName
	}
	return name
}
