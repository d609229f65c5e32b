package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.RecipientRepo = (*Postgres)(nil)
	_ domain.EventLog      = (*Postgres)(nil)
	_ domain.Ledger        = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Upsert реализует domain.RecipientRepo. Повторная регистрация чата
// реактивирует получателя и обновляет отображаемое имя.
func (p *Postgres) Upsert(ctx context.Context, r domain.Recipient) (domain.Recipient, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO recipients (id, kind, display_name, active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (id) DO UPDATE SET
    kind = EXCLUDED.kind,
    display_name = EXCLUDED.display_name,
    active = TRUE,
    updated_at = now()
RETURNING id, kind, display_name, active, created_at, updated_at
`, r.ID, r.Kind, r.DisplayName)
	var out domain.Recipient
	err := row.Scan(&out.ID, &out.Kind, &out.DisplayName, &out.Active, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "recipients_upsert", "recipients", start, err)
	if err != nil {
		return domain.Recipient{}, fmt.Errorf("upsert recipient: %w", err)
	}
	return out, nil
}

// GetByID реализует domain.RecipientRepo.
func (p *Postgres) GetByID(ctx context.Context, id int64) (domain.Recipient, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, kind, display_name, active, created_at, updated_at
FROM recipients
WHERE id = $1
`, id)
	var out domain.Recipient
	err := row.Scan(&out.ID, &out.Kind, &out.DisplayName, &out.Active, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "recipients_get", "recipients", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Recipient{}, domain.ErrRecipientNotFound
	}
	if err != nil {
		return domain.Recipient{}, fmt.Errorf("get recipient: %w", err)
	}
	return out, nil
}

// ListActive реализует domain.RecipientRepo. Порядок фиксирован по id,
// чтобы фан-аут был воспроизводимым.
func (p *Postgres) ListActive(ctx context.Context) ([]domain.Recipient, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, kind, display_name, active, created_at, updated_at
FROM recipients
WHERE active
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "recipients_list_active", "recipients", start, err)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.Kind, &r.DisplayName, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetActive реализует domain.RecipientRepo.
func (p *Postgres) SetActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE recipients SET active = $2, updated_at = now() WHERE id = $1
`, id, active)
	metrics.ObserveNetworkRequest("postgres", "recipients_set_active", "recipients", start, err)
	if err != nil {
		return fmt.Errorf("set recipient active: %w", err)
	}
	return nil
}

// CountActive реализует domain.RecipientRepo.
func (p *Postgres) CountActive(ctx context.Context) (int, int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE kind = 'direct'),
    COUNT(*) FILTER (WHERE kind = 'group')
FROM recipients
WHERE active
`)
	var direct, group int
	err := row.Scan(&direct, &group)
	metrics.ObserveNetworkRequest("postgres", "recipients_count_active", "recipients", start, err)
	if err != nil {
		return 0, 0, fmt.Errorf("count recipients: %w", err)
	}
	return direct, group, nil
}

// Append реализует domain.EventLog. Повтор по паре
// (user_id, quiz_instance_id) молча не вставляется.
func (p *Postgres) Append(ctx context.Context, ev domain.AnswerEvent) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	ct, err := p.pool.Exec(ctx, `
INSERT INTO answer_events (user_id, quiz_id, quiz_instance_id, chat_id, correct, answered_at, latency_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, quiz_instance_id) DO NOTHING
`, ev.UserID, ev.QuizID, ev.QuizInstanceID, ev.ChatID, ev.Correct, ev.AnsweredAt, ev.LatencyMS)
	metrics.ObserveNetworkRequest("postgres", "answer_events_insert", "answer_events", start, err)
	if err != nil {
		return false, fmt.Errorf("insert answer event: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListSince реализует domain.EventLog. Нулевое время означает всю историю.
func (p *Postgres) ListSince(ctx context.Context, since time.Time) ([]domain.AnswerEvent, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := `
SELECT user_id, quiz_id, quiz_instance_id, chat_id, correct, answered_at, latency_ms
FROM answer_events
ORDER BY answered_at
`
	args := []any{}
	if !since.IsZero() {
		query = `
SELECT user_id, quiz_id, quiz_instance_id, chat_id, correct, answered_at, latency_ms
FROM answer_events
WHERE answered_at >= $1
ORDER BY answered_at
`
		args = append(args, since)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "answer_events_list", "answer_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("list answer events: %w", err)
	}
	defer rows.Close()

	var out []domain.AnswerEvent
	for rows.Next() {
		var ev domain.AnswerEvent
		if err := rows.Scan(&ev.UserID, &ev.QuizID, &ev.QuizInstanceID, &ev.ChatID, &ev.Correct, &ev.AnsweredAt, &ev.LatencyMS); err != nil {
			return nil, fmt.Errorf("scan answer event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSpec реализует domain.Ledger. Спецификация после подтверждения
// не меняется, поэтому повторная вставка того же id запрещена.
func (p *Postgres) SaveSpec(ctx context.Context, spec domain.BroadcastSpec) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	buttons, err := json.Marshal(spec.Buttons)
	if err != nil {
		return fmt.Errorf("marshal buttons: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO broadcast_specs (id, body, attachment_kind, attachment_file_id, caption, buttons_json, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, spec.ID, spec.Body, spec.Attachment.Kind, spec.Attachment.FileID, spec.Attachment.Caption, buttons, spec.CreatedBy, spec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "broadcast_specs_insert", "broadcast_specs", start, err)
	if err != nil {
		return fmt.Errorf("save broadcast spec: %w", err)
	}
	return nil
}

// GetSpec реализует domain.Ledger.
func (p *Postgres) GetSpec(ctx context.Context, broadcastID string) (domain.BroadcastSpec, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, body, attachment_kind, attachment_file_id, caption, buttons_json, created_by, created_at
FROM broadcast_specs
WHERE id = $1
`, broadcastID)
	var spec domain.BroadcastSpec
	var buttons []byte
	err := row.Scan(&spec.ID, &spec.Body, &spec.Attachment.Kind, &spec.Attachment.FileID, &spec.Attachment.Caption, &buttons, &spec.CreatedBy, &spec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "broadcast_specs_get", "broadcast_specs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BroadcastSpec{}, domain.ErrSpecNotFound
	}
	if err != nil {
		return domain.BroadcastSpec{}, fmt.Errorf("get broadcast spec: %w", err)
	}
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &spec.Buttons); err != nil {
			return domain.BroadcastSpec{}, fmt.Errorf("decode buttons: %w", err)
		}
	}
	return spec, nil
}

// Record реализует domain.Ledger. Запись write-once: конфликт по паре
// (broadcast_id, recipient_id) игнорируется.
func (p *Postgres) Record(ctx context.Context, rec domain.DeliveryRecord) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var messageID sql.NullInt64
	if rec.MessageID != nil {
		messageID = sql.NullInt64{Int64: int64(*rec.MessageID), Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO broadcast_ledger (broadcast_id, recipient_id, message_id, outcome, error_class)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (broadcast_id, recipient_id) DO NOTHING
`, rec.BroadcastID, rec.RecipientID, messageID, rec.Outcome, rec.ErrorClass)
	metrics.ObserveNetworkRequest("postgres", "broadcast_ledger_insert", "broadcast_ledger", start, err)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListDelivered реализует domain.Ledger: только успешные доставки
// с известным message_id, в порядке записи.
func (p *Postgres) ListDelivered(ctx context.Context, broadcastID string) ([]domain.DeliveryRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT broadcast_id, recipient_id, message_id, outcome, error_class
FROM broadcast_ledger
WHERE broadcast_id = $1 AND outcome = 'sent' AND message_id IS NOT NULL
ORDER BY created_at
`, broadcastID)
	metrics.ObserveNetworkRequest("postgres", "broadcast_ledger_list", "broadcast_ledger", start, err)
	if err != nil {
		return nil, fmt.Errorf("list delivered: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		var rec domain.DeliveryRecord
		var messageID sql.NullInt64
		if err := rows.Scan(&rec.BroadcastID, &rec.RecipientID, &messageID, &rec.Outcome, &rec.ErrorClass); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		if messageID.Valid {
			id := int(messageID.Int64)
			rec.MessageID = &id
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Report реализует domain.Ledger: сводка всегда пересчитывается по
// записям леджера, отдельных счётчиков нет.
func (p *Postgres) Report(ctx context.Context, broadcastID string) (domain.DeliveryReport, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT l.outcome, COALESCE(r.kind, 'direct'), COUNT(*)
FROM broadcast_ledger l
LEFT JOIN recipients r ON r.id = l.recipient_id
WHERE l.broadcast_id = $1
GROUP BY l.outcome, COALESCE(r.kind, 'direct')
`, broadcastID)
	metrics.ObserveNetworkRequest("postgres", "broadcast_ledger_report", "broadcast_ledger", start, err)
	if err != nil {
		return domain.DeliveryReport{}, fmt.Errorf("build delivery report: %w", err)
	}
	defer rows.Close()

	var report domain.DeliveryReport
	for rows.Next() {
		var outcome, kind string
		var count int
		if err := rows.Scan(&outcome, &kind, &count); err != nil {
			return domain.DeliveryReport{}, fmt.Errorf("scan report row: %w", err)
		}
		switch domain.DeliveryOutcome(outcome) {
		case domain.OutcomeSent:
			if domain.RecipientKind(kind) == domain.RecipientGroup {
				report.SentGroup += count
			} else {
				report.SentDirect += count
			}
		case domain.OutcomeFailed:
			report.Failed += count
		case domain.OutcomeSkipped:
			report.Skipped += count
		}
	}
	return report, rows.Err()
}

// Purge реализует domain.Ledger: в одной транзакции пишет счётную
// запись аудита и удаляет рассылку со всеми записями доставки.
func (p *Postgres) Purge(ctx context.Context, broadcastID string, audit domain.BroadcastAudit) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO broadcast_audit (broadcast_id, sent, failed, skipped, deleted)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (broadcast_id) DO UPDATE SET
    sent = EXCLUDED.sent,
    failed = EXCLUDED.failed,
    skipped = EXCLUDED.skipped,
    deleted = EXCLUDED.deleted
`, audit.BroadcastID, audit.Sent, audit.Failed, audit.Skipped, audit.Deleted); err != nil {
			return err
		}
		// Записи леджера уходят каскадом вместе со спецификацией.
		_, err := tx.Exec(ctx, `DELETE FROM broadcast_specs WHERE id = $1`, broadcastID)
		return err
	})
	metrics.ObserveNetworkRequest("postgres", "broadcast_purge", "broadcast_specs", start, err)
	if err != nil {
		return fmt.Errorf("purge broadcast: %w", err)
	}
	return nil
}

// LatestBroadcastID реализует domain.Ledger.
func (p *Postgres) LatestBroadcastID(ctx context.Context) (string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id FROM broadcast_specs ORDER BY created_at DESC LIMIT 1
`)
	var id string
	err := row.Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "broadcast_specs_latest", "broadcast_specs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrSpecNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest broadcast: %w", err)
	}
	return id, nil
}
