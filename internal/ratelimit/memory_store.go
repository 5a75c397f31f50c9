package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process memory. It is only correct for a
// single process and exists for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	attempts    int
	windowStart time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// CheckAndRecord implements Store.
func (s *MemoryStore) CheckAndRecord(_ context.Context, key string, maxAttempts int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		s.records[key] = memoryRecord{attempts: 1, windowStart: now}
		return Decision{Allowed: true, Attempts: 1}, nil
	}
	decision, attempts, windowStart := decide(record.attempts, record.windowStart, now, maxAttempts, window)
	s.records[key] = memoryRecord{attempts: attempts, windowStart: windowStart}
	return decision, nil
}
