package service

import (
	"context"
	"sync"
	"time"
)

// MemoryProcessedStore реализует ProcessedStore используя in-memory map.
// Используется для dev/test окружений. В production держит ключи Redis.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	keys map[string]time.Time // ключ -> expiresAt
}

// NewMemoryProcessedStore создаёт новый in-memory store
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{
		keys: make(map[string]time.Time),
	}
}

// MarkProcessed сохраняет ключ как обработанный с указанным ttl
func (s *MemoryProcessedStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked()
	s.keys[key] = time.Now().Add(ttl)
	return nil
}

// IsProcessed проверяет, был ли ключ уже обработан
func (s *MemoryProcessedStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked()

	expiresAt, exists := s.keys[key]
	if !exists {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(s.keys, key)
		return false, nil
	}
	return true, nil
}

// cleanupExpiredLocked удаляет протухшие записи (вызывается под lock)
func (s *MemoryProcessedStore) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiresAt := range s.keys {
		if now.After(expiresAt) {
			delete(s.keys, key)
		}
	}
}
