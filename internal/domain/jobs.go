package domain

import "context"

// BroadcastJob — задание на исполнение подтверждённой рассылки.
// RecipientIDs — срез аудитории на момент подтверждения: кто
// присоединился позже, в эту рассылку не попадает.
type BroadcastJob struct {
	JobID        string  `json:"job_id"`
	BroadcastID  string  `json:"broadcast_id"`
	OperatorID   int64   `json:"operator_id"`
	RecipientIDs []int64 `json:"recipient_ids,omitempty"`
}

// FilterRecipients оставляет только получателей из снимка задания,
// сохраняя порядок списка. Пустой снимок означает всю аудиторию.
func FilterRecipients(recipients []Recipient, ids []int64) []Recipient {
	if len(ids) == 0 {
		return recipients
	}
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	out := make([]Recipient, 0, len(ids))
	for _, r := range recipients {
		if _, ok := allowed[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// BroadcastQueue — очередь заданий между шлюзом и воркером.
type BroadcastQueue interface {
	Enqueue(ctx context.Context, job BroadcastJob) error
	// Pop блокируется до появления задания или отмены контекста.
	Pop(ctx context.Context) (BroadcastJob, error)
}
