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

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

// RecordFailure upserts by task id: the first failure inserts the row, repeat
// failures of the same task refresh the error fields and retry count.
func (s *DeadLetterStore) RecordFailure(
	ctx context.Context,
	failure core.DeadLetterFailure,
) (core.DeadLetterTask, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterTask{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	taskID := strings.TrimSpace(failure.TaskID)
	if taskID == "" {
		return core.DeadLetterTask{}, fmt.Errorf("sqlstore: task id is required")
	}

	now := time.Now().UTC()
	record := &deadLetterRecord{
		ID:                   uuid.NewString(),
		TaskID:               taskID,
		TaskName:             strings.TrimSpace(failure.TaskName),
		QueueName:            strings.TrimSpace(failure.QueueName),
		OrganizationID:       failure.Tenant.OrgID(),
		UserID:               strings.TrimSpace(failure.Tenant.UserID),
		OriginalArgs:         copyAnyMap(failure.Args),
		OriginalKwargs:       copyAnyMap(failure.Kwargs),
		FailureReason:        string(failure.FailureReason),
		ErrorMessage:         strings.TrimSpace(failure.ErrorMessage),
		ErrorTraceback:       failure.ErrorTrace,
		RetryCount:           failure.RetryCount,
		FirstFailureAt:       now,
		MovedToDLQAt:         now,
		RequiresManualReview: failure.FailureReason.RequiresManualReview(),
		Metadata:             copyAnyMap(failure.Metadata),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.updateExisting(ctx, taskID, failure, now)
		}
		return core.DeadLetterTask{}, err
	}
	return deadLetterToDomain(record), nil
}

func (s *DeadLetterStore) updateExisting(
	ctx context.Context,
	taskID string,
	failure core.DeadLetterFailure,
	now time.Time,
) (core.DeadLetterTask, error) {
	_, err := s.db.NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("failure_reason = ?", string(failure.FailureReason)).
		Set("error_message = ?", strings.TrimSpace(failure.ErrorMessage)).
		Set("error_traceback = ?", failure.ErrorTrace).
		Set("retry_count = ?", failure.RetryCount).
		Set("last_retry_at = ?", now).
		Set("requires_manual_review = ?", failure.FailureReason.RequiresManualReview()).
		Set("is_requeued = ?", false).
		Set("requeued_at = NULL").
		Set("updated_at = ?", now).
		Where("task_id = ?", taskID).
		Exec(ctx)
	if err != nil {
		return core.DeadLetterTask{}, err
	}
	return s.Get(ctx, taskID)
}

func (s *DeadLetterStore) Get(ctx context.Context, taskID string) (core.DeadLetterTask, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterTask{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.task_id = ?", strings.TrimSpace(taskID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DeadLetterTask{}, core.ErrDeadLetterNotFound
		}
		return core.DeadLetterTask{}, err
	}
	return deadLetterToDomain(record), nil
}

func (s *DeadLetterStore) List(
	ctx context.Context,
	filter core.DeadLetterFilter,
) ([]core.DeadLetterTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	query := s.db.NewSelect().Model((*deadLetterRecord)(nil))
	if queue := strings.TrimSpace(filter.QueueName); queue != "" {
		query = query.Where("?TableAlias.queue_name = ?", queue)
	}
	if reason := strings.TrimSpace(string(filter.FailureReason)); reason != "" {
		query = query.Where("?TableAlias.failure_reason = ?", reason)
	}
	if org := strings.TrimSpace(filter.OrganizationID); org != "" {
		query = query.Where("?TableAlias.organization_id = ?", org)
	}
	if filter.RequiresManualReview != nil {
		query = query.Where("?TableAlias.requires_manual_review = ?", *filter.RequiresManualReview)
	}
	query = query.Order("moved_to_dlq_at DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []deadLetterRecord
	if err := query.Scan(ctx, &records); err != nil {
		return nil, err
	}
	out := make([]core.DeadLetterTask, 0, len(records))
	for i := range records {
		out = append(out, deadLetterToDomain(&records[i]))
	}
	return out, nil
}

// Requeue flips the requeued flag once. A second call for the same task is a
// no-op reporting false so callers do not double-dispatch.
func (s *DeadLetterStore) Requeue(ctx context.Context, taskID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	now := time.Now().UTC()
	result, err := s.db.NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("is_requeued = ?", true).
		Set("requeued_at = ?", now).
		Set("updated_at = ?", now).
		Where("task_id = ?", taskID).
		Where("is_requeued = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	if rowsAffected(result) > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// CleanupRequeued deletes requeued rows older than the cutoff. Rows still
// awaiting review are kept regardless of age.
func (s *DeadLetterStore) CleanupRequeued(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*deadLetterRecord)(nil)).
		Where("is_requeued = ?", true).
		Where("moved_to_dlq_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(result), nil
}

func (s *DeadLetterStore) HealthStats(ctx context.Context) (core.QueueHealthStats, error) {
	if s == nil || s.db == nil {
		return core.QueueHealthStats{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	now := time.Now().UTC()
	stats := core.QueueHealthStats{
		ByQueue:  map[string]int{},
		ByReason: map[core.FailureReason]int{},
	}

	type groupedCount struct {
		Key   string `bun:"key"`
		Count int    `bun:"count"`
	}

	var byQueue []groupedCount
	err := s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		ColumnExpr("queue_name AS key").
		ColumnExpr("COUNT(*) AS count").
		Group("queue_name").
		Scan(ctx, &byQueue)
	if err != nil {
		return core.QueueHealthStats{}, err
	}
	for _, row := range byQueue {
		stats.ByQueue[row.Key] = row.Count
		stats.Total += row.Count
	}

	var byReason []groupedCount
	err = s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		ColumnExpr("failure_reason AS key").
		ColumnExpr("COUNT(*) AS count").
		Group("failure_reason").
		Scan(ctx, &byReason)
	if err != nil {
		return core.QueueHealthStats{}, err
	}
	for _, row := range byReason {
		stats.ByReason[core.FailureReason(row.Key)] = row.Count
	}

	manual, err := s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		Where("requires_manual_review = ?", true).
		Where("is_requeued = ?", false).
		Count(ctx)
	if err != nil {
		return core.QueueHealthStats{}, err
	}
	stats.ManualReviewCount = manual

	recent, err := s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		Where("moved_to_dlq_at >= ?", now.Add(-24*time.Hour)).
		Count(ctx)
	if err != nil {
		return core.QueueHealthStats{}, err
	}
	stats.Recent24h = recent

	return stats, nil
}

func deadLetterToDomain(record *deadLetterRecord) core.DeadLetterTask {
	if record == nil {
		return core.DeadLetterTask{}
	}
	task := core.DeadLetterTask{
		TaskID:    record.TaskID,
		TaskName:  record.TaskName,
		QueueName: record.QueueName,
		Tenant: core.TenantRef{
			OrganizationID: record.OrganizationID,
			UserID:         record.UserID,
		},
		OriginalArgs:         copyAnyMap(record.OriginalArgs),
		OriginalKwargs:       copyAnyMap(record.OriginalKwargs),
		FailureReason:        core.FailureReason(record.FailureReason),
		ErrorMessage:         record.ErrorMessage,
		ErrorTraceback:       record.ErrorTraceback,
		RetryCount:           record.RetryCount,
		FirstFailureAt:       record.FirstFailureAt,
		MovedToDLQAt:         record.MovedToDLQAt,
		IsRequeued:           record.IsRequeued,
		RequiresManualReview: record.RequiresManualReview,
		Metadata:             copyAnyMap(record.Metadata),
	}
	if record.LastRetryAt != nil {
		value := *record.LastRetryAt
		task.LastRetryAt = &value
	}
	if record.RequeuedAt != nil {
		value := *record.RequeuedAt
		task.RequeuedAt = &value
	}
	return task
}
