package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tg-quiz-bot/internal/domain"
	"tg-quiz-bot/internal/infra/metrics"
)

// DefaultSnapshotTTL — время жизни вычисленного снимка рейтинга.
const DefaultSnapshotTTL = 5 * time.Minute

// DefaultPageSize — размер страницы рейтинга по умолчанию.
const DefaultPageSize = 20

// ErrInvalidEvent возвращается при событии без обязательных полей.
var ErrInvalidEvent = errors.New("некорректное событие ответа")

type cacheKey struct {
	window domain.RankingWindow
	order  domain.OrderKey
}

// Service объединяет журнал событий, кэш снимков и постраничные запросы.
// Записи сериализуются мьютексом, чтение снимков конкурентное.
type Service struct {
	events domain.EventLog
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	snapshots map[cacheKey]*domain.RankingSnapshot
}

// NewService создаёт сервис рейтинга поверх журнала событий.
func NewService(events domain.EventLog, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Service{
		events:    events,
		ttl:       ttl,
		now:       time.Now,
		snapshots: make(map[cacheKey]*domain.RankingSnapshot),
	}
}

// Append фиксирует ответ на квиз. Повтор по паре (user_id, quiz_instance_id)
// не вставляется и не трогает кэш; принятая запись жёстко сбрасывает
// все снимки.
func (s *Service) Append(ctx context.Context, ev domain.AnswerEvent) (bool, error) {
	if ev.UserID == 0 || ev.QuizInstanceID == "" {
		return false, ErrInvalidEvent
	}
	if ev.AnsweredAt.IsZero() {
		ev.AnsweredAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted, err := s.events.Append(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("append answer event: %w", err)
	}
	if inserted {
		s.snapshots = make(map[cacheKey]*domain.RankingSnapshot)
	}
	return inserted, nil
}

// Snapshot возвращает свежий снимок рейтинга: из кэша, пока жив TTL,
// иначе синхронно пересчитывает по журналу. Снимок содержит полную
// отсортированную популяцию.
func (s *Service) Snapshot(ctx context.Context, window domain.RankingWindow, order domain.OrderKey) (*domain.RankingSnapshot, error) {
	key := cacheKey{window: window, order: order}

	s.mu.RLock()
	snap, ok := s.snapshots[key]
	s.mu.RUnlock()
	if ok && snap.Fresh(s.now()) {
		return snap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Пока брали эксклюзивную блокировку, снимок мог пересчитать сосед.
	if snap, ok := s.snapshots[key]; ok && snap.Fresh(s.now()) {
		return snap, nil
	}

	snap, err := s.recompute(ctx, window, order)
	if err != nil {
		return nil, err
	}
	s.snapshots[key] = snap
	return snap, nil
}

func (s *Service) recompute(ctx context.Context, window domain.RankingWindow, order domain.OrderKey) (*domain.RankingSnapshot, error) {
	now := s.now()
	var since time.Time
	if window.Rolling > 0 {
		since = now.Add(-window.Rolling)
	}

	events, err := s.events.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list answer events: %w", err)
	}
	metrics.RankingRebuildsTotal.Inc()

	byUser := make(map[int64]*domain.RankEntry)
	for _, ev := range events {
		e, ok := byUser[ev.UserID]
		if !ok {
			e = &domain.RankEntry{UserID: ev.UserID}
			byUser[ev.UserID] = e
		}
		e.Answered++
		if ev.Correct {
			e.Correct++
		}
	}

	entries := make([]domain.RankEntry, 0, len(byUser))
	for _, e := range byUser {
		e.Score = e.Correct
		if e.Answered > 0 {
			e.Accuracy = float64(e.Correct) / float64(e.Answered)
		}
		entries = append(entries, *e)
	}

	// Порядок полный и детерминированный: ключ, затем точность,
	// затем id пользователя. Ничьих не бывает.
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch order {
		case domain.OrderByAccuracy:
			if a.Accuracy != b.Accuracy {
				return a.Accuracy > b.Accuracy
			}
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		default:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			if a.Accuracy != b.Accuracy {
				return a.Accuracy > b.Accuracy
			}
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return domain.NewRankingSnapshot(now, s.ttl, window, order, entries), nil
}

// Page нарезает страницу поверх полной популяции снимка. Признаки
// навигации считаются от общего числа участников, а не от длины страницы.
func (s *Service) Page(snap *domain.RankingSnapshot, offset, pageSize int) domain.RankingPage {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	total := len(snap.Entries)
	if offset >= total {
		return domain.RankingPage{TotalCount: total, HasPrev: offset > 0 && total > 0}
	}
	end := offset + pageSize
	if end > total {
		end = total
	}
	return domain.RankingPage{
		Entries:    snap.Entries[offset:end],
		TotalCount: total,
		HasPrev:    offset > 0,
		HasNext:    end < total,
	}
}

// Position возвращает собственную позицию пользователя в снимке.
func (s *Service) Position(snap *domain.RankingSnapshot, userID int64) (domain.RankEntry, bool) {
	return snap.Position(userID)
}
