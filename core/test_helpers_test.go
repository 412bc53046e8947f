package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type storedPayload struct {
	payload   []byte
	signature string
	headers   map[string]string
}

type memoryDeliveryStore struct {
	mu         sync.Mutex
	records    map[string]DeliveryRecord
	payloads   map[string]storedPayload
	maxRetries int
	now        func() time.Time
}

func newMemoryDeliveryStore() *memoryDeliveryStore {
	return &memoryDeliveryStore{
		records:    map[string]DeliveryRecord{},
		payloads:   map[string]storedPayload{},
		maxRetries: DefaultMaxRetries,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *memoryDeliveryStore) Reserve(
	_ context.Context,
	webhookID string,
	platform Platform,
	eventType string,
	tenant TenantRef,
) (DeliveryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	record, ok := s.records[webhookID]
	if !ok {
		record = DeliveryRecord{
			ID:               webhookID,
			WebhookID:        webhookID,
			Platform:         platform,
			EventType:        eventType,
			Status:           DeliveryStatusProcessing,
			AttemptCount:     1,
			MaxRetries:       s.maxRetries,
			FirstAttemptedAt: now,
			LastAttemptedAt:  now,
			Tenant:           tenant,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.records[webhookID] = record
		return record, false, nil
	}
	switch record.Status {
	case DeliveryStatusRetrying:
		record.Status = DeliveryStatusProcessing
		record.AttemptCount++
		record.LastAttemptedAt = now
		record.UpdatedAt = now
		s.records[webhookID] = record
		return record, false, nil
	default:
		return record, true, nil
	}
}

func (s *memoryDeliveryStore) Get(_ context.Context, webhookID string) (DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[webhookID]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	return record, nil
}

func (s *memoryDeliveryStore) MarkDelivered(
	_ context.Context,
	webhookID string,
	processingTime time.Duration,
) (DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[webhookID]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	now := s.now()
	record.Status = DeliveryStatusDelivered
	record.DeliveredAt = &now
	record.NextRetryAt = nil
	record.ConsecutiveFailures = 0
	record.TotalProcessingTimeMS += processingTime.Milliseconds()
	if record.AttemptCount > 0 {
		record.AvgResponseTimeMS = record.TotalProcessingTimeMS / int64(record.AttemptCount)
	}
	record.UpdatedAt = now
	s.records[webhookID] = record
	return record, nil
}

func (s *memoryDeliveryStore) MarkRetrying(
	_ context.Context,
	webhookID string,
	reason FailureReason,
	errorMessage string,
	nextRetryAt time.Time,
) (DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[webhookID]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	now := s.now()
	record.Status = DeliveryStatusRetrying
	record.FailureReason = reason
	record.LastErrorMessage = errorMessage
	record.ConsecutiveFailures++
	next := nextRetryAt.UTC()
	record.NextRetryAt = &next
	record.UpdatedAt = now
	s.records[webhookID] = record
	return record, nil
}

func (s *memoryDeliveryStore) MarkAbandoned(
	_ context.Context,
	webhookID string,
	reason FailureReason,
	errorMessage string,
) (DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[webhookID]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	now := s.now()
	record.Status = DeliveryStatusAbandoned
	record.FailureReason = reason
	record.LastErrorMessage = errorMessage
	record.ConsecutiveFailures++
	record.NextRetryAt = nil
	record.UpdatedAt = now
	s.records[webhookID] = record
	return record, nil
}

func (s *memoryDeliveryStore) MarkDuplicateIgnored(_ context.Context, webhookID string, platform Platform, eventType string, tenant TenantRef) (DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	record, ok := s.records[webhookID]
	if !ok {
		record = DeliveryRecord{
			ID:        webhookID,
			WebhookID: webhookID,
			Platform:  platform,
			EventType: eventType,
			Status:    DeliveryStatusDuplicateIgnored,
			Tenant:    tenant,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.records[webhookID] = record
		return record, nil
	}
	if record.Status == DeliveryStatusPending {
		record.Status = DeliveryStatusDuplicateIgnored
		record.UpdatedAt = now
		s.records[webhookID] = record
	}
	return record, nil
}

func (s *memoryDeliveryStore) DueForRetry(_ context.Context, now time.Time, limit int) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []DeliveryRecord{}
	for _, record := range s.records {
		if len(due) >= limit && limit > 0 {
			break
		}
		if record.Status != DeliveryStatusRetrying || record.NextRetryAt == nil {
			continue
		}
		if record.NextRetryAt.After(now) {
			continue
		}
		if record.AttemptCount >= record.MaxRetries {
			continue
		}
		due = append(due, record)
	}
	return due, nil
}

func (s *memoryDeliveryStore) ReclaimStale(_ context.Context, cutoff time.Time, limit int) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	reclaimed := []DeliveryRecord{}
	for id, record := range s.records {
		if len(reclaimed) >= limit && limit > 0 {
			break
		}
		if record.Status != DeliveryStatusProcessing || record.LastAttemptedAt.After(cutoff) {
			continue
		}
		record.Status = DeliveryStatusRetrying
		record.FailureReason = FailureReasonTimeout
		record.LastErrorMessage = "processing attempt went stale"
		record.NextRetryAt = &now
		record.UpdatedAt = now
		s.records[id] = record
		reclaimed = append(reclaimed, record)
	}
	return reclaimed, nil
}

func (s *memoryDeliveryStore) DeleteDeliveredBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.deleteByStatusBefore(DeliveryStatusDelivered, cutoff), nil
}

func (s *memoryDeliveryStore) DeleteAbandonedBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.deleteByStatusBefore(DeliveryStatusAbandoned, cutoff), nil
}

func (s *memoryDeliveryStore) deleteByStatusBefore(status DeliveryStatus, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, record := range s.records {
		if record.Status == status && record.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted
}

func (s *memoryDeliveryStore) Stats(_ context.Context) (DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stats := DeliveryStats{
		ByStatus:   map[DeliveryStatus]int{},
		ByPlatform: map[Platform]int{},
	}
	for _, record := range s.records {
		stats.Total++
		stats.ByStatus[record.Status]++
		stats.ByPlatform[record.Platform]++
		if record.Status == DeliveryStatusRetrying && record.NextRetryAt != nil && !record.NextRetryAt.After(now) {
			stats.DueRetries++
		}
	}
	return stats, nil
}

func (s *memoryDeliveryStore) SavePayload(
	_ context.Context,
	webhookID string,
	payload []byte,
	signature string,
	headers map[string]string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[webhookID] = storedPayload{
		payload:   append([]byte(nil), payload...),
		signature: signature,
		headers:   copyStringMap(headers),
	}
	return nil
}

func (s *memoryDeliveryStore) LoadPayload(
	_ context.Context,
	webhookID string,
) ([]byte, string, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.payloads[webhookID]
	if !ok {
		return nil, "", nil, fmt.Errorf("core: no payload stored for %q", webhookID)
	}
	return append([]byte(nil), stored.payload...), stored.signature, copyStringMap(stored.headers), nil
}

type memoryDeadLetterStore struct {
	mu    sync.Mutex
	tasks map[string]DeadLetterTask
	now   func() time.Time
}

func newMemoryDeadLetterStore() *memoryDeadLetterStore {
	return &memoryDeadLetterStore{
		tasks: map[string]DeadLetterTask{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *memoryDeadLetterStore) RecordFailure(_ context.Context, failure DeadLetterFailure) (DeadLetterTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	task, ok := s.tasks[failure.TaskID]
	if !ok {
		task = DeadLetterTask{
			TaskID:         failure.TaskID,
			TaskName:       failure.TaskName,
			QueueName:      failure.QueueName,
			Tenant:         failure.Tenant,
			OriginalArgs:   copyAnyMap(failure.Args),
			OriginalKwargs: copyAnyMap(failure.Kwargs),
			FirstFailureAt: now,
			MovedToDLQAt:   now,
			Metadata:       copyAnyMap(failure.Metadata),
		}
	}
	task.FailureReason = failure.FailureReason
	task.ErrorMessage = failure.ErrorMessage
	task.ErrorTraceback = failure.ErrorTrace
	task.RetryCount = failure.RetryCount
	task.RequiresManualReview = failure.FailureReason.RequiresManualReview()
	lastRetry := now
	task.LastRetryAt = &lastRetry
	s.tasks[failure.TaskID] = task
	return task, nil
}

func (s *memoryDeadLetterStore) Get(_ context.Context, taskID string) (DeadLetterTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return DeadLetterTask{}, ErrDeadLetterNotFound
	}
	return task, nil
}

func (s *memoryDeadLetterStore) List(_ context.Context, filter DeadLetterFilter) ([]DeadLetterTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := []DeadLetterTask{}
	for _, task := range s.tasks {
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
		if filter.QueueName != "" && task.QueueName != filter.QueueName {
			continue
		}
		if filter.FailureReason != "" && task.FailureReason != filter.FailureReason {
			continue
		}
		if filter.OrganizationID != "" && task.Tenant.OrgID() != filter.OrganizationID {
			continue
		}
		if filter.RequiresManualReview != nil && task.RequiresManualReview != *filter.RequiresManualReview {
			continue
		}
		matched = append(matched, task)
	}
	return matched, nil
}

func (s *memoryDeadLetterStore) Requeue(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrDeadLetterNotFound
	}
	if task.IsRequeued {
		return false, nil
	}
	now := s.now()
	task.IsRequeued = true
	task.RequeuedAt = &now
	s.tasks[taskID] = task
	return true, nil
}

func (s *memoryDeadLetterStore) CleanupRequeued(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, task := range s.tasks {
		if task.IsRequeued && task.MovedToDLQAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryDeadLetterStore) HealthStats(_ context.Context) (QueueHealthStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stats := QueueHealthStats{
		ByQueue:  map[string]int{},
		ByReason: map[FailureReason]int{},
	}
	for _, task := range s.tasks {
		stats.Total++
		stats.ByQueue[task.QueueName]++
		stats.ByReason[task.FailureReason]++
		if task.RequiresManualReview {
			stats.ManualReviewCount++
		}
		if task.MovedToDLQAt.After(now.Add(-24 * time.Hour)) {
			stats.Recent24h++
		}
	}
	return stats, nil
}

type stubProcessor struct {
	mu      sync.Mutex
	summary ProcessingSummary
	errs    []error
	calls   int
}

func (p *stubProcessor) Process(context.Context, InboundEvent) (ProcessingSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if call < len(p.errs) && p.errs[call] != nil {
		return ProcessingSummary{}, p.errs[call]
	}
	return p.summary, nil
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestService(t interface{ Fatalf(string, ...any) }, options ...Option) (*Service, *memoryDeliveryStore, *memoryDeadLetterStore) {
	deliveries := newMemoryDeliveryStore()
	deadLetters := newMemoryDeadLetterStore()
	base := []Option{
		WithDeliveryStore(deliveries),
		WithDeadLetterStore(deadLetters),
		WithIdempotencyStore(NewMemoryIdempotencyStore(time.Hour)),
	}
	service, err := NewService(DefaultConfig(), append(base, options...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, deliveries, deadLetters
}

var (
	_ DeliveryStore   = (*memoryDeliveryStore)(nil)
	_ PayloadStore    = (*memoryDeliveryStore)(nil)
	_ DeadLetterStore = (*memoryDeadLetterStore)(nil)
)
