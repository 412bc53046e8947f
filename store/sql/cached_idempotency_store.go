package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-reliability/core"
)

const idempotencyCacheKeyPrefix = "go-webhook-reliability::idempotency::v1"

// CachedIdempotencyStore fronts the SQL idempotency store with a read-through
// cache. Check hits the cache first; Record writes through and invalidates so
// a stale negative entry never masks a freshly recorded key.
type CachedIdempotencyStore struct {
	base  core.IdempotencyStore
	cache repositorycache.CacheService
}

func NewCachedIdempotencyStore(
	base core.IdempotencyStore,
	cacheService repositorycache.CacheService,
) (*CachedIdempotencyStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base idempotency store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: idempotency cache service is required")
	}
	return &CachedIdempotencyStore{base: base, cache: cacheService}, nil
}

// IdempotencyCacheKey returns the deterministic cache key contract for
// idempotency reads: go-webhook-reliability::idempotency::v1::<key> with the
// key segment URL-path escaped.
func IdempotencyCacheKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("sqlstore: idempotency key is required")
	}
	return idempotencyCacheKeyPrefix + "::" + url.PathEscape(key), nil
}

type cachedIdempotencyEntry struct {
	Record core.IdempotencyRecord
	Found  bool
}

func (s *CachedIdempotencyStore) Check(ctx context.Context, key string) (core.IdempotencyRecord, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IdempotencyRecord{}, false, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	cacheKey, err := IdempotencyCacheKey(key)
	if err != nil {
		return core.IdempotencyRecord{}, false, err
	}

	entry, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (cachedIdempotencyEntry, error) {
		record, found, fetchErr := s.base.Check(ctx, key)
		if fetchErr != nil {
			return cachedIdempotencyEntry{}, fetchErr
		}
		return cachedIdempotencyEntry{Record: record, Found: found}, nil
	})
	if err != nil {
		return core.IdempotencyRecord{}, false, err
	}
	if entry.Found && !entry.Record.ExpiresAt.IsZero() && !entry.Record.ExpiresAt.After(time.Now().UTC()) {
		// cached hit outlived the record's own TTL
		return core.IdempotencyRecord{}, false, nil
	}
	return entry.Record, entry.Found, nil
}

func (s *CachedIdempotencyStore) Record(ctx context.Context, record core.IdempotencyRecord) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	if err := s.base.Record(ctx, record); err != nil {
		return err
	}
	cacheKey, err := IdempotencyCacheKey(record.Key)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func (s *CachedIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.base == nil {
		return 0, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	return s.base.PurgeExpired(ctx, now)
}

func (s *CachedIdempotencyStore) Stats(ctx context.Context) (core.IdempotencyStats, error) {
	if s == nil || s.base == nil {
		return core.IdempotencyStats{}, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	return s.base.Stats(ctx)
}
