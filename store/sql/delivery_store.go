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

type DeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryRecord]
}

func NewDeliveryStore(db *bun.DB) (*DeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryRecord](db, deliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery repository wiring: %w", err)
		}
	}
	return &DeliveryStore{db: db, repo: repo}, nil
}

// Reserve claims the delivery row for one processing attempt. The unique
// constraint on webhook_id plus the status-guarded update give a single
// processing holder per webhook id under concurrent workers.
func (s *DeliveryStore) Reserve(
	ctx context.Context,
	webhookID string,
	platform core.Platform,
	eventType string,
	tenant core.TenantRef,
) (core.DeliveryRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, false, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return core.DeliveryRecord{}, false, fmt.Errorf("sqlstore: webhook id is required")
	}

	now := time.Now().UTC()
	record := &deliveryRecord{
		ID:               uuid.NewString(),
		WebhookID:        webhookID,
		Platform:         string(core.NormalizePlatform(string(platform))),
		EventType:        strings.TrimSpace(eventType),
		Status:           string(core.DeliveryStatusProcessing),
		AttemptCount:     1,
		MaxRetries:       core.DefaultMaxRetries,
		FirstAttemptedAt: now,
		LastAttemptedAt:  now,
		Headers:          map[string]string{},
		OrganizationID:   tenant.OrgID(),
		UserID:           strings.TrimSpace(tenant.UserID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.claimExisting(ctx, webhookID)
		}
		return core.DeliveryRecord{}, false, err
	}
	return deliveryToDomain(record), false, nil
}

func (s *DeliveryStore) claimExisting(ctx context.Context, webhookID string) (core.DeliveryRecord, bool, error) {
	now := time.Now().UTC()
	result, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusProcessing)).
		Set("attempt_count = attempt_count + 1").
		Set("last_attempted_at = ?", now).
		Set("updated_at = ?", now).
		Where("webhook_id = ?", webhookID).
		Where("status = ?", string(core.DeliveryStatusRetrying)).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, false, err
	}
	existing, err := s.Get(ctx, webhookID)
	if err != nil {
		return core.DeliveryRecord{}, false, err
	}
	if rowsAffected(result) == 0 {
		return existing, true, nil
	}
	return existing, false, nil
}

func (s *DeliveryStore) Get(ctx context.Context, webhookID string) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	record := &deliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.webhook_id = ?", strings.TrimSpace(webhookID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DeliveryRecord{}, core.ErrDeliveryNotFound
		}
		return core.DeliveryRecord{}, err
	}
	return deliveryToDomain(record), nil
}

func (s *DeliveryStore) MarkDelivered(
	ctx context.Context,
	webhookID string,
	processingTime time.Duration,
) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	webhookID = strings.TrimSpace(webhookID)
	now := time.Now().UTC()
	elapsed := processingTime.Milliseconds()
	result, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusDelivered)).
		Set("delivered_at = ?", now).
		Set("next_retry_at = NULL").
		Set("consecutive_failures = 0").
		Set("total_processing_time_ms = total_processing_time_ms + ?", elapsed).
		Set("avg_response_time_ms = (total_processing_time_ms + ?) / attempt_count", elapsed).
		Set("updated_at = ?", now).
		Where("webhook_id = ?", webhookID).
		Where("status = ?", string(core.DeliveryStatusProcessing)).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	if rowsAffected(result) == 0 {
		return core.DeliveryRecord{}, core.ErrDeliveryNotFound
	}
	return s.Get(ctx, webhookID)
}

func (s *DeliveryStore) MarkRetrying(
	ctx context.Context,
	webhookID string,
	reason core.FailureReason,
	errorMessage string,
	nextRetryAt time.Time,
) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	webhookID = strings.TrimSpace(webhookID)
	now := time.Now().UTC()
	result, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusRetrying)).
		Set("failure_reason = ?", string(reason)).
		Set("last_error_message = ?", strings.TrimSpace(errorMessage)).
		Set("consecutive_failures = consecutive_failures + 1").
		Set("next_retry_at = ?", nextRetryAt.UTC()).
		Set("updated_at = ?", now).
		Where("webhook_id = ?", webhookID).
		Where("status = ?", string(core.DeliveryStatusProcessing)).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	if rowsAffected(result) == 0 {
		return core.DeliveryRecord{}, core.ErrDeliveryNotFound
	}
	return s.Get(ctx, webhookID)
}

func (s *DeliveryStore) MarkAbandoned(
	ctx context.Context,
	webhookID string,
	reason core.FailureReason,
	errorMessage string,
) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	webhookID = strings.TrimSpace(webhookID)
	now := time.Now().UTC()
	result, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusAbandoned)).
		Set("failure_reason = ?", string(reason)).
		Set("last_error_message = ?", strings.TrimSpace(errorMessage)).
		Set("consecutive_failures = consecutive_failures + 1").
		Set("next_retry_at = NULL").
		Set("updated_at = ?", now).
		Where("webhook_id = ?", webhookID).
		Where("status IN (?)", bun.In([]string{
			string(core.DeliveryStatusProcessing),
			string(core.DeliveryStatusRetrying),
		})).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	if rowsAffected(result) == 0 {
		return core.DeliveryRecord{}, core.ErrDeliveryNotFound
	}
	return s.Get(ctx, webhookID)
}

func (s *DeliveryStore) MarkDuplicateIgnored(
	ctx context.Context,
	webhookID string,
	platform core.Platform,
	eventType string,
	tenant core.TenantRef,
) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	webhookID = strings.TrimSpace(webhookID)
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusDuplicateIgnored)).
		Set("updated_at = ?", now).
		Where("webhook_id = ?", webhookID).
		Where("status = ?", string(core.DeliveryStatusPending)).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	existing, err := s.Get(ctx, webhookID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, core.ErrDeliveryNotFound) {
		return core.DeliveryRecord{}, err
	}
	// No tracking row yet: the duplicate was caught before any reservation.
	record := &deliveryRecord{
		ID:               uuid.NewString(),
		WebhookID:        webhookID,
		Platform:         string(core.NormalizePlatform(string(platform))),
		EventType:        strings.TrimSpace(eventType),
		Status:           string(core.DeliveryStatusDuplicateIgnored),
		FirstAttemptedAt: now,
		LastAttemptedAt:  now,
		MaxRetries:       core.DefaultMaxRetries,
		Headers:          map[string]string{},
		OrganizationID:   tenant.OrgID(),
		UserID:           strings.TrimSpace(tenant.UserID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.Get(ctx, webhookID)
		}
		return core.DeliveryRecord{}, err
	}
	return deliveryToDomain(record), nil
}

func (s *DeliveryStore) DueForRetry(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []deliveryRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.DeliveryStatusRetrying)).
		Where("?TableAlias.next_retry_at IS NOT NULL").
		Where("?TableAlias.next_retry_at <= ?", now.UTC()).
		Where("?TableAlias.attempt_count < ?TableAlias.max_retries").
		Order("next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeliveryRecord, 0, len(records))
	for i := range records {
		out = append(out, deliveryToDomain(&records[i]))
	}
	return out, nil
}

// ReclaimStale flips processing rows abandoned by a crashed worker back to
// retrying so the scanner can re-dispatch them. Claimed atomically so
// concurrent scanners never double-reclaim.
func (s *DeliveryStore) ReclaimStale(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) ([]core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	var records []deliveryRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH stale AS (
	SELECT id
	FROM webhook_delivery_tracking
	WHERE status = ?
	  AND last_attempted_at <= ?
	ORDER BY last_attempted_at ASC
	LIMIT ?
)
UPDATE webhook_delivery_tracking
SET status = ?,
	failure_reason = ?,
	last_error_message = ?,
	next_retry_at = ?,
	updated_at = ?
WHERE id IN (SELECT id FROM stale)
  AND status = ?
RETURNING
	id,
	webhook_id,
	platform,
	event_type,
	status,
	attempt_count,
	max_retries,
	first_attempted_at,
	last_attempted_at,
	next_retry_at,
	delivered_at,
	failure_reason,
	last_error_message,
	consecutive_failures,
	total_processing_time_ms,
	avg_response_time_ms,
	payload,
	signature,
	headers,
	organization_id,
	user_id,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			string(core.DeliveryStatusProcessing),
			cutoff.UTC(),
			limit,
			string(core.DeliveryStatusRetrying),
			string(core.FailureReasonTimeout),
			"processing attempt went stale",
			now,
			now,
			string(core.DeliveryStatusProcessing),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.DeliveryRecord, 0, len(records))
	for i := range records {
		out = append(out, deliveryToDomain(&records[i]))
	}
	return out, nil
}

func (s *DeliveryStore) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteByStatusBefore(ctx, core.DeliveryStatusDelivered, cutoff)
}

func (s *DeliveryStore) DeleteAbandonedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteByStatusBefore(ctx, core.DeliveryStatusAbandoned, cutoff)
}

func (s *DeliveryStore) deleteByStatusBefore(
	ctx context.Context,
	status core.DeliveryStatus,
	cutoff time.Time,
) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*deliveryRecord)(nil)).
		Where("status = ?", string(status)).
		Where("updated_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

func (s *DeliveryStore) Stats(ctx context.Context) (core.DeliveryStats, error) {
	if s == nil || s.db == nil {
		return core.DeliveryStats{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	now := time.Now().UTC()
	stats := core.DeliveryStats{
		ByStatus:   map[core.DeliveryStatus]int{},
		ByPlatform: map[core.Platform]int{},
	}

	type groupedCount struct {
		Key   string `bun:"key"`
		Count int    `bun:"count"`
	}

	var byStatus []groupedCount
	err := s.db.NewSelect().
		Model((*deliveryRecord)(nil)).
		ColumnExpr("status AS key").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &byStatus)
	if err != nil {
		return core.DeliveryStats{}, err
	}
	for _, row := range byStatus {
		stats.ByStatus[core.DeliveryStatus(row.Key)] = row.Count
		stats.Total += row.Count
	}

	var byPlatform []groupedCount
	err = s.db.NewSelect().
		Model((*deliveryRecord)(nil)).
		ColumnExpr("platform AS key").
		ColumnExpr("COUNT(*) AS count").
		Group("platform").
		Scan(ctx, &byPlatform)
	if err != nil {
		return core.DeliveryStats{}, err
	}
	for _, row := range byPlatform {
		stats.ByPlatform[core.Platform(row.Key)] = row.Count
	}

	due, err := s.db.NewSelect().
		Model((*deliveryRecord)(nil)).
		Where("status = ?", string(core.DeliveryStatusRetrying)).
		Where("next_retry_at IS NOT NULL").
		Where("next_retry_at <= ?", now).
		Count(ctx)
	if err != nil {
		return core.DeliveryStats{}, err
	}
	stats.DueRetries = due

	return stats, nil
}

func (s *DeliveryStore) SavePayload(
	ctx context.Context,
	webhookID string,
	payload []byte,
	signature string,
	headers map[string]string,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	row := &deliveryRecord{
		Payload:   append([]byte(nil), payload...),
		Signature: strings.TrimSpace(signature),
		Headers:   copyStringMap(headers),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewUpdate().
		Model(row).
		Column("payload", "signature", "headers", "updated_at").
		Where("webhook_id = ?", strings.TrimSpace(webhookID)).
		Exec(ctx)
	return err
}

func (s *DeliveryStore) LoadPayload(
	ctx context.Context,
	webhookID string,
) ([]byte, string, map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, "", nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	record := &deliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Column("payload", "signature", "headers").
		Where("?TableAlias.webhook_id = ?", strings.TrimSpace(webhookID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil, core.ErrDeliveryNotFound
		}
		return nil, "", nil, err
	}
	if len(record.Payload) == 0 {
		return nil, "", nil, fmt.Errorf("sqlstore: no payload stored for webhook %q", webhookID)
	}
	return append([]byte(nil), record.Payload...), record.Signature, copyStringMap(record.Headers), nil
}

func deliveryToDomain(record *deliveryRecord) core.DeliveryRecord {
	if record == nil {
		return core.DeliveryRecord{}
	}
	result := core.DeliveryRecord{
		ID:                    record.ID,
		WebhookID:             record.WebhookID,
		Platform:              core.Platform(record.Platform),
		EventType:             record.EventType,
		Status:                core.DeliveryStatus(record.Status),
		AttemptCount:          record.AttemptCount,
		MaxRetries:            record.MaxRetries,
		FirstAttemptedAt:      record.FirstAttemptedAt,
		LastAttemptedAt:       record.LastAttemptedAt,
		FailureReason:         core.FailureReason(record.FailureReason),
		LastErrorMessage:      record.LastErrorMessage,
		ConsecutiveFailures:   record.ConsecutiveFailures,
		TotalProcessingTimeMS: record.TotalProcessingTimeMS,
		AvgResponseTimeMS:     record.AvgResponseTimeMS,
		Tenant: core.TenantRef{
			OrganizationID: record.OrganizationID,
			UserID:         record.UserID,
		},
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	if record.NextRetryAt != nil {
		value := *record.NextRetryAt
		result.NextRetryAt = &value
	}
	if record.DeliveredAt != nil {
		value := *record.DeliveredAt
		result.DeliveredAt = &value
	}
	return result
}
