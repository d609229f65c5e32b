package domain

import "time"

// RecipientKind различает личные и групповые чаты.
type RecipientKind string

const (
	RecipientDirect RecipientKind = "direct"
	RecipientGroup  RecipientKind = "group"
)

// Recipient описывает известный чат-получатель рассылок.
type Recipient struct {
	ID          int64
	Kind        RecipientKind
	DisplayName string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttachmentKind — закрытый набор типов вложений.
type AttachmentKind string

const (
	AttachmentNone      AttachmentKind = "none"
	AttachmentPhoto     AttachmentKind = "photo"
	AttachmentVideo     AttachmentKind = "video"
	AttachmentDocument  AttachmentKind = "document"
	AttachmentAnimation AttachmentKind = "animation"
)

// Attachment описывает медиа рассылки. Kind определяет метод отправки,
// динамической проверки типов нет.
type Attachment struct {
	Kind    AttachmentKind `json:"kind"`
	FileID  string         `json:"file_id,omitempty"`
	Caption string         `json:"caption,omitempty"`
}

// Button — одна инлайн-кнопка рассылки.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ButtonRow — ряд кнопок, порядок сохраняется как задал оператор.
type ButtonRow []Button

// BroadcastSpec — подготовленная рассылка. После подтверждения
// не изменяется; леджер ссылается на неё до отзыва.
type BroadcastSpec struct {
	ID         string      `json:"id"`
	Body       string      `json:"body"`
	Attachment Attachment  `json:"attachment"`
	Buttons    []ButtonRow `json:"buttons,omitempty"`
	CreatedBy  int64       `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ButtonCount возвращает суммарное число кнопок.
func (s BroadcastSpec) ButtonCount() int {
	n := 0
	for _, row := range s.Buttons {
		n += len(row)
	}
	return n
}

// DeliveryOutcome — итог доставки одному получателю.
type DeliveryOutcome string

const (
	// OutcomeSent — сообщение доставлено, message_id записан.
	OutcomeSent DeliveryOutcome = "sent"
	// OutcomeFailed — временная ошибка, получатель остаётся активным.
	OutcomeFailed DeliveryOutcome = "failed"
	// OutcomeSkipped — получатель подтверждённо недоступен и деактивирован.
	OutcomeSkipped DeliveryOutcome = "skipped"
)

// DeliveryRecord — запись леджера, одна на пару (рассылка, получатель).
type DeliveryRecord struct {
	BroadcastID string
	RecipientID int64
	MessageID   *int
	Outcome     DeliveryOutcome
	ErrorClass  string
}

// DeliveryReport — сводка фан-аута, строится только по леджеру.
type DeliveryReport struct {
	SentDirect int
	SentGroup  int
	Failed     int
	Skipped    int
}

// Total возвращает число учтённых получателей.
func (r DeliveryReport) Total() int {
	return r.SentDirect + r.SentGroup + r.Failed + r.Skipped
}

// RetractionReport — итог массового отзыва рассылки.
type RetractionReport struct {
	Deleted          int
	Failed           int
	NothingToRetract bool
}

// AnswerEvent — ответ на квиз, единственный источник правды для рейтинга.
// Пара (UserID, QuizInstanceID) образует ключ дедупликации.
type AnswerEvent struct {
	UserID         int64     `json:"user_id"`
	QuizID         int64     `json:"quiz_id"`
	QuizInstanceID string    `json:"quiz_instance_id"`
	ChatID         int64     `json:"chat_id"`
	Correct        bool      `json:"correct"`
	AnsweredAt     time.Time `json:"answered_at"`
	LatencyMS      int64     `json:"latency_ms"`
}

// RankingWindow задаёт период агрегации событий.
type RankingWindow struct {
	// Rolling — длительность скользящего окна; ноль означает all-time.
	Rolling time.Duration
}

// WindowAllTime — окно без ограничения по времени.
var WindowAllTime = RankingWindow{}

// OrderKey — ключ сортировки рейтинга.
type OrderKey string

const (
	OrderByScore    OrderKey = "score"
	OrderByAccuracy OrderKey = "accuracy"
)

// RankEntry — позиция пользователя в снимке рейтинга.
type RankEntry struct {
	UserID   int64
	Rank     int
	Score    int
	Correct  int
	Answered int
	Accuracy float64
}

// RankingSnapshot — вычисленный рейтинг с жёстким TTL. Снимок хранит
// полную отсортированную популяцию, а не усечённый топ.
type RankingSnapshot struct {
	AsOf     time.Time
	TTL      time.Duration
	Window   RankingWindow
	OrderKey OrderKey
	Entries  []RankEntry

	positions map[int64]int
}

// NewRankingSnapshot строит снимок и индекс позиций по пользователям.
func NewRankingSnapshot(asOf time.Time, ttl time.Duration, window RankingWindow, key OrderKey, entries []RankEntry) *RankingSnapshot {
	positions := make(map[int64]int, len(entries))
	for i, e := range entries {
		positions[e.UserID] = i
	}
	return &RankingSnapshot{AsOf: asOf, TTL: ttl, Window: window, OrderKey: key, Entries: entries, positions: positions}
}

// Fresh сообщает, не истёк ли TTL снимка.
func (s *RankingSnapshot) Fresh(now time.Time) bool {
	return now.Sub(s.AsOf) <= s.TTL
}

// Position возвращает запись пользователя в снимке за O(1).
func (s *RankingSnapshot) Position(userID int64) (RankEntry, bool) {
	idx, ok := s.positions[userID]
	if !ok {
		return RankEntry{}, false
	}
	return s.Entries[idx], true
}

// RankingPage — страница рейтинга поверх полной популяции.
type RankingPage struct {
	Entries    []RankEntry
	TotalCount int
	HasPrev    bool
	HasNext    bool
}

// BroadcastAudit — счётная запись, остающаяся после отзыва рассылки.
type BroadcastAudit struct {
	BroadcastID string
	Sent        int
	Failed      int
	Skipped     int
	Deleted     int
	CreatedAt   time.Time
}
