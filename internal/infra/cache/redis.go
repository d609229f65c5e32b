package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-quiz-bot/internal/domain"
)

// RedisSpecStore хранит подготовленные рассылки до подтверждения.
// Ключ привязан к оператору, TTL играет роль окна подтверждения.
type RedisSpecStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSpecStore создаёт хранилище подготовленных рассылок.
func NewRedisSpecStore(client *redis.Client) *RedisSpecStore {
	return &RedisSpecStore{client: client, prefix: "staged_broadcast:"}
}

func (s *RedisSpecStore) key(operatorID int64) string {
	return s.prefix + strconv.FormatInt(operatorID, 10)
}

// Put сохраняет подготовленную рассылку оператора, затирая предыдущую.
func (s *RedisSpecStore) Put(ctx context.Context, operatorID int64, spec domain.BroadcastSpec, ttl time.Duration) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal staged spec: %w", err)
	}
	if err := s.client.Set(ctx, s.key(operatorID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store staged spec: %w", err)
	}
	return nil
}

// Get возвращает подготовленную рассылку оператора, если окно ещё открыто.
func (s *RedisSpecStore) Get(ctx context.Context, operatorID int64) (domain.BroadcastSpec, bool, error) {
	payload, err := s.client.Get(ctx, s.key(operatorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BroadcastSpec{}, false, nil
	}
	if err != nil {
		return domain.BroadcastSpec{}, false, fmt.Errorf("load staged spec: %w", err)
	}
	var spec domain.BroadcastSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return domain.BroadcastSpec{}, false, fmt.Errorf("decode staged spec: %w", err)
	}
	return spec, true, nil
}

// Drop удаляет подготовленную рассылку оператора.
func (s *RedisSpecStore) Drop(ctx context.Context, operatorID int64) error {
	return s.client.Del(ctx, s.key(operatorID)).Err()
}
