package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-reliability/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Processing results that mark an attempt chain still in flight; a record
// holding one of these may be replaced by a later terminal result.
var retryContinuationResults = []string{
	string(core.ProcessingResultTemporaryFailure),
	string(core.ProcessingResultRateLimited),
}

type IdempotencyStore struct {
	db   *bun.DB
	repo repository.Repository[*idempotencyRecord]
}

func NewIdempotencyStore(db *bun.DB) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*idempotencyRecord](db, idempotencyHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid idempotency repository wiring: %w", err)
		}
	}
	return &IdempotencyStore{db: db, repo: repo}, nil
}

func (s *IdempotencyStore) Check(ctx context.Context, key string) (core.IdempotencyRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyRecord{}, false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return core.IdempotencyRecord{}, false, fmt.Errorf("sqlstore: idempotency key is required")
	}

	record := &idempotencyRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", key).
		Where("?TableAlias.expires_at > ?", time.Now().UTC()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.IdempotencyRecord{}, false, nil
		}
		return core.IdempotencyRecord{}, false, err
	}
	return idempotencyToDomain(record), true, nil
}

func (s *IdempotencyStore) Record(ctx context.Context, record core.IdempotencyRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key := strings.TrimSpace(record.Key)
	if key == "" {
		return fmt.Errorf("sqlstore: idempotency key is required")
	}

	now := time.Now().UTC()
	expiresAt := record.ExpiresAt.UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(24 * time.Hour)
	}
	processedAt := record.ProcessedAt.UTC()
	if processedAt.IsZero() {
		processedAt = now
	}

	row := &idempotencyRecord{
		ID:               uuid.NewString(),
		IdempotencyKey:   key,
		Platform:         string(core.NormalizePlatform(string(record.Platform))),
		EventType:        strings.TrimSpace(record.EventType),
		Result:           string(record.Result),
		ProcessedAt:      processedAt,
		ProcessingTimeMS: record.ProcessingTimeMS,
		EventSummary:     copyAnyMap(record.EventSummary),
		OrganizationID:   record.Tenant.OrgID(),
		UserID:           strings.TrimSpace(record.Tenant.UserID),
		WebhookID:        strings.TrimSpace(record.WebhookID),
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race or an attempt chain is still retrying;
			// terminal results overwrite retrying records, anything else
			// leaves the first write untouched.
			return s.replaceRetryingRecord(ctx, row)
		}
		return err
	}
	return nil
}

func (s *IdempotencyStore) replaceRetryingRecord(ctx context.Context, row *idempotencyRecord) error {
	_, err := s.db.NewUpdate().
		Model(row).
		Column("result", "processed_at", "processing_time_ms", "event_summary", "webhook_id", "expires_at").
		Where("idempotency_key = ?", row.IdempotencyKey).
		Where("result IN (?)", bun.In(retryContinuationResults)).
		Exec(ctx)
	return err
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := s.db.NewDelete().
		Model((*idempotencyRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

func (s *IdempotencyStore) Stats(ctx context.Context) (core.IdempotencyStats, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyStats{}, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	now := time.Now().UTC()
	stats := core.IdempotencyStats{
		ByResult:   map[core.ProcessingResult]int{},
		ByPlatform: map[core.Platform]int{},
	}

	type groupedCount struct {
		Key   string `bun:"key"`
		Count int    `bun:"count"`
	}

	var byResult []groupedCount
	err := s.db.NewSelect().
		Model((*idempotencyRecord)(nil)).
		ColumnExpr("result AS key").
		ColumnExpr("COUNT(*) AS count").
		Group("result").
		Scan(ctx, &byResult)
	if err != nil {
		return core.IdempotencyStats{}, err
	}
	for _, row := range byResult {
		stats.ByResult[core.ProcessingResult(row.Key)] = row.Count
		stats.Total += row.Count
	}

	var byPlatform []groupedCount
	err = s.db.NewSelect().
		Model((*idempotencyRecord)(nil)).
		ColumnExpr("platform AS key").
		ColumnExpr("COUNT(*) AS count").
		Group("platform").
		Scan(ctx, &byPlatform)
	if err != nil {
		return core.IdempotencyStats{}, err
	}
	for _, row := range byPlatform {
		stats.ByPlatform[core.Platform(row.Key)] = row.Count
	}

	expired, err := s.db.NewSelect().
		Model((*idempotencyRecord)(nil)).
		Where("expires_at <= ?", now).
		Count(ctx)
	if err != nil {
		return core.IdempotencyStats{}, err
	}
	stats.Expired = expired

	return stats, nil
}

func idempotencyToDomain(record *idempotencyRecord) core.IdempotencyRecord {
	if record == nil {
		return core.IdempotencyRecord{}
	}
	return core.IdempotencyRecord{
		Key:              record.IdempotencyKey,
		Platform:         core.Platform(record.Platform),
		EventType:        record.EventType,
		Result:           core.ProcessingResult(record.Result),
		ProcessedAt:      record.ProcessedAt,
		ProcessingTimeMS: record.ProcessingTimeMS,
		EventSummary:     copyAnyMap(record.EventSummary),
		Tenant: core.TenantRef{
			OrganizationID: record.OrganizationID,
			UserID:         record.UserID,
		},
		WebhookID: record.WebhookID,
		ExpiresAt: record.ExpiresAt,
	}
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func rowsAffected(result sql.Result) int {
	if result == nil {
		return 0
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	return int(count)
}
