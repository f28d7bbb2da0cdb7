package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProcessedNotificationsStore реализует service.ProcessedNotificationsStore
// используя Redis. Ключ — provider + transaction id + замапленный внутренний
// статус; TTL ограничивает окно дедупликации повторов webhook-ов.
type ProcessedNotificationsStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewProcessedNotificationsStore создаёт новый Redis store обработанных уведомлений
func NewProcessedNotificationsStore(client *redis.Client, logger *zap.Logger) *ProcessedNotificationsStore {
	return &ProcessedNotificationsStore{
		client: client,
		logger: logger,
	}
}

func notificationKey(key string) string {
	return fmt.Sprintf("notification:%s", key)
}

// MarkProcessed сохраняет ключ уведомления как обработанный. Идемпотентен.
func (s *ProcessedNotificationsStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, notificationKey(key), "1", ttl).Err(); err != nil {
		s.logger.Error("failed to mark notification processed in redis",
			zap.Error(err),
			zap.String("key", key),
		)
		return fmt.Errorf("failed to mark notification processed: %w", err)
	}
	return nil
}

// IsProcessed возвращает true если ключ уже обработан и TTL не истёк
func (s *ProcessedNotificationsStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, notificationKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed notification: %w", err)
	}
	return n > 0, nil
}
