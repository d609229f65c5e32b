package domain

import (
	"context"
	"errors"
	"time"
)

// ErrRecipientNotFound возвращается при отсутствии получателя в директории.
var ErrRecipientNotFound = errors.New("получатель не найден")

// ErrSpecNotFound возвращается при отсутствии подтверждённой рассылки.
var ErrSpecNotFound = errors.New("рассылка не найдена")

// RecipientRepo управляет директорией получателей.
type RecipientRepo interface {
	Upsert(ctx context.Context, r Recipient) (Recipient, error)
	GetByID(ctx context.Context, id int64) (Recipient, error)
	ListActive(ctx context.Context) ([]Recipient, error)
	SetActive(ctx context.Context, id int64, active bool) error
	CountActive(ctx context.Context) (direct int, group int, err error)
}

// EventLog хранит историю ответов на квизы. Append обязан быть
// идемпотентным по ключу (user_id, quiz_instance_id).
type EventLog interface {
	Append(ctx context.Context, ev AnswerEvent) (inserted bool, err error)
	ListSince(ctx context.Context, since time.Time) ([]AnswerEvent, error)
}

// Ledger — долговременная карта рассылка → доставленные message_id.
type Ledger interface {
	SaveSpec(ctx context.Context, spec BroadcastSpec) error
	GetSpec(ctx context.Context, broadcastID string) (BroadcastSpec, error)
	Record(ctx context.Context, rec DeliveryRecord) error
	ListDelivered(ctx context.Context, broadcastID string) ([]DeliveryRecord, error)
	Report(ctx context.Context, broadcastID string) (DeliveryReport, error)
	// Purge удаляет рассылку и её записи из активного хранилища,
	// оставляя только счётную запись аудита.
	Purge(ctx context.Context, broadcastID string, audit BroadcastAudit) error
	LatestBroadcastID(ctx context.Context) (string, error)
}

// Messenger — внешний Bot API: отправка, удаление, личность бота.
type Messenger interface {
	Send(ctx context.Context, recipient Recipient, body string, attachment Attachment, buttons []ButtonRow) (messageID int, err error)
	Delete(ctx context.Context, recipientID int64, messageID int) error
	// Self возвращает отображаемое имя бота; реализация кэширует его,
	// чтобы на батч приходился максимум один внешний вызов.
	Self(ctx context.Context) (string, error)
}

// SpecStore хранит подготовленные, но ещё не подтверждённые рассылки.
type SpecStore interface {
	Put(ctx context.Context, operatorID int64, spec BroadcastSpec, ttl time.Duration) error
	Get(ctx context.Context, operatorID int64) (BroadcastSpec, bool, error)
	Drop(ctx context.Context, operatorID int64) error
}
