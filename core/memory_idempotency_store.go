package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultIdempotencyTTL = 24 * time.Hour
const defaultIdempotencyMaxEntries = 16384

// MemoryIdempotencyStore is a process-local IdempotencyStore used as the
// default wiring and in tests. Durable deployments use the SQL store.
type MemoryIdempotencyStore struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	records    map[string]IdempotencyRecord
	Now        func() time.Time
}

func NewMemoryIdempotencyStore(defaultTTL time.Duration) *MemoryIdempotencyStore {
	return NewMemoryIdempotencyStoreWithLimits(defaultTTL, defaultIdempotencyMaxEntries)
}

func NewMemoryIdempotencyStoreWithLimits(defaultTTL time.Duration, maxEntries int) *MemoryIdempotencyStore {
	if defaultTTL <= 0 {
		defaultTTL = defaultIdempotencyTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultIdempotencyMaxEntries
	}
	return &MemoryIdempotencyStore{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		records:    map[string]IdempotencyRecord{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (IdempotencyRecord, bool, error) {
	if s == nil {
		return IdempotencyRecord{}, false, fmt.Errorf("core: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return IdempotencyRecord{}, false, fmt.Errorf("core: idempotency key is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return IdempotencyRecord{}, false, nil
	}
	if !now.Before(record.ExpiresAt) {
		delete(s.records, key)
		return IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (s *MemoryIdempotencyStore) Record(_ context.Context, record IdempotencyRecord) error {
	if s == nil {
		return fmt.Errorf("core: idempotency store is not configured")
	}
	record.Key = strings.TrimSpace(record.Key)
	if record.Key == "" {
		return fmt.Errorf("core: idempotency key is required")
	}
	now := s.now()
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(s.defaultTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.Key]; ok && now.Before(existing.ExpiresAt) {
		// Terminal results may replace a still-retrying record; once a
		// terminal result lands the row never mutates again.
		if !retryContinuation(existing.Result) {
			return nil
		}
	}
	s.enforceCapacityLocked(1)
	s.records[record.Key] = record
	return nil
}

func (s *MemoryIdempotencyStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: idempotency store is not configured")
	}
	if now.IsZero() {
		now = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, record := range s.records {
		if !now.Before(record.ExpiresAt) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryIdempotencyStore) Stats(_ context.Context) (IdempotencyStats, error) {
	if s == nil {
		return IdempotencyStats{}, fmt.Errorf("core: idempotency store is not configured")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := IdempotencyStats{
		ByResult:   map[ProcessingResult]int{},
		ByPlatform: map[Platform]int{},
	}
	for _, record := range s.records {
		stats.Total++
		stats.ByResult[record.Result]++
		stats.ByPlatform[record.Platform]++
		if !now.Before(record.ExpiresAt) {
			stats.Expired++
		}
	}
	return stats, nil
}

func (s *MemoryIdempotencyStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *MemoryIdempotencyStore) enforceCapacityLocked(incoming int) {
	if s.maxEntries <= 0 {
		return
	}
	target := s.maxEntries - incoming
	if target < 0 {
		target = 0
	}
	for len(s.records) > target {
		s.evictOldestLocked()
	}
}

func (s *MemoryIdempotencyStore) evictOldestLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	for key, record := range s.records {
		if oldestKey == "" || record.ExpiresAt.Before(oldestExpiry) {
			oldestKey = key
			oldestExpiry = record.ExpiresAt
		}
	}
	if oldestKey != "" {
		delete(s.records, oldestKey)
		return
	}
	for key := range s.records {
		delete(s.records, key)
		break
	}
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
