package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type ScanStats struct {
	Reclaimed int
	Claimed   int
	Delivered int
	Retried   int
	Abandoned int
	Skipped   int
	Errors    int
}

type CleanupStats struct {
	IdempotencyPurged int
	DeliveredDeleted  int
	AbandonedDeleted  int
	DeadLettersPurged int
}

// RecoveryScanner periodically finds deliveries due for retry and pushes
// them back through the orchestrator, and expires aged records. Safe to run
// concurrently with live orchestration and with itself: all claims are
// optimistic guarded updates in the stores.
type RecoveryScanner struct {
	Service     *Service
	BatchSize   int
	Concurrency int
	// StaleAfter bounds how long a processing row may sit without an update
	// before it is treated as a crashed worker and rescheduled.
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewRecoveryScanner(service *Service) *RecoveryScanner {
	scanner := &RecoveryScanner{
		Service: service,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
	if service != nil {
		cfg := service.Config()
		scanner.BatchSize = cfg.Scanner.BatchSize
		scanner.Concurrency = cfg.Scanner.Concurrency
		scanner.StaleAfter = cfg.Scanner.StaleProcessingAfter
	}
	return scanner
}

// Scan performs one recovery pass: reclaim stale processing rows, then
// claim and re-dispatch deliveries whose next_retry_at has passed.
func (r *RecoveryScanner) Scan(ctx context.Context) (ScanStats, error) {
	return r.ScanWithBatch(ctx, 0)
}

// ScanWithBatch runs one pass with an explicit batch limit. A batchSize of
// zero or less falls back to the configured scanner batch size.
func (r *RecoveryScanner) ScanWithBatch(ctx context.Context, batchSize int) (ScanStats, error) {
	if r == nil || r.Service == nil || r.Service.deliveryStore == nil {
		return ScanStats{}, fmt.Errorf("core: recovery scanner requires a service with a delivery store")
	}
	if batchSize <= 0 {
		batchSize = r.batchSize()
	}
	startedAt := r.now()
	stats := ScanStats{}

	reclaimed, err := r.Service.deliveryStore.ReclaimStale(ctx, startedAt.Add(-r.staleAfter()), batchSize)
	if err != nil {
		r.Service.logError(ctx, "stale processing reclaim failed", map[string]any{"error": err.Error()})
	} else {
		stats.Reclaimed = len(reclaimed)
	}

	due, err := r.Service.deliveryStore.DueForRetry(ctx, startedAt, batchSize)
	if err != nil {
		r.Service.observeOperation(ctx, startedAt, "recovery.scan", err, map[string]any{})
		return stats, err
	}
	stats.Claimed = len(due)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.concurrency())
	for _, record := range due {
		record := record
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome, dispatchErr := r.Service.Redispatch(ctx, record)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(dispatchErr, ErrDeliveryInFlight):
				// Status changed out from under the scanner; nothing to do.
				stats.Skipped++
			case outcome.Duplicate:
				stats.Skipped++
			case outcome.Status == DeliveryStatusDelivered:
				stats.Delivered++
			case outcome.Status == DeliveryStatusRetrying:
				stats.Retried++
			case outcome.Status == DeliveryStatusAbandoned:
				stats.Abandoned++
			default:
				stats.Errors++
			}
		}()
	}
	wg.Wait()

	r.Service.observeOperation(ctx, startedAt, "recovery.scan", nil, map[string]any{
		"reclaimed": stats.Reclaimed,
		"claimed":   stats.Claimed,
		"delivered": stats.Delivered,
		"retried":   stats.Retried,
		"abandoned": stats.Abandoned,
	})
	return stats, nil
}

// Cleanup expires idempotency records past their TTL, aged delivery rows,
// and requeued dead letters past retention. Un-requeued dead letters are
// never deleted regardless of age.
func (r *RecoveryScanner) Cleanup(ctx context.Context) (CleanupStats, error) {
	if r == nil || r.Service == nil {
		return CleanupStats{}, fmt.Errorf("core: recovery scanner requires a service")
	}
	startedAt := r.now()
	cfg := r.Service.Config()
	stats := CleanupStats{}
	var cleanupErr error

	if r.Service.idempotencyStore != nil {
		purged, err := r.Service.idempotencyStore.PurgeExpired(ctx, startedAt)
		if err != nil {
			cleanupErr = joinErrors(cleanupErr, err)
		} else {
			stats.IdempotencyPurged = purged
		}
	}
	if r.Service.deliveryStore != nil {
		deleted, err := r.Service.deliveryStore.DeleteDeliveredBefore(ctx, startedAt.Add(-retentionOrDefault(cfg.Retention.Delivered, 7*24*time.Hour)))
		if err != nil {
			cleanupErr = joinErrors(cleanupErr, err)
		} else {
			stats.DeliveredDeleted = deleted
		}
		deleted, err = r.Service.deliveryStore.DeleteAbandonedBefore(ctx, startedAt.Add(-retentionOrDefault(cfg.Retention.Abandoned, 30*24*time.Hour)))
		if err != nil {
			cleanupErr = joinErrors(cleanupErr, err)
		} else {
			stats.AbandonedDeleted = deleted
		}
	}
	if r.Service.deadLetterStore != nil {
		purged, err := r.Service.deadLetterStore.CleanupRequeued(ctx, startedAt.Add(-retentionOrDefault(cfg.Retention.DeadLetter, 30*24*time.Hour)))
		if err != nil {
			cleanupErr = joinErrors(cleanupErr, err)
		} else {
			stats.DeadLettersPurged = purged
		}
	}

	r.Service.observeOperation(ctx, startedAt, "recovery.cleanup", cleanupErr, map[string]any{
		"idempotency_purged":  stats.IdempotencyPurged,
		"delivered_deleted":   stats.DeliveredDeleted,
		"abandoned_deleted":   stats.AbandonedDeleted,
		"dead_letters_purged": stats.DeadLettersPurged,
	})
	return stats, cleanupErr
}

// Run drives periodic scans until the context is cancelled. Deployments on
// go-job schedule Scan/Cleanup directly instead.
func (r *RecoveryScanner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil && r.Service != nil {
				r.Service.logError(ctx, "recovery scan pass failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (r *RecoveryScanner) batchSize() int {
	if r != nil && r.BatchSize > 0 {
		return r.BatchSize
	}
	return 100
}

func (r *RecoveryScanner) concurrency() int {
	if r != nil && r.Concurrency > 0 {
		return r.Concurrency
	}
	return 4
}

func (r *RecoveryScanner) staleAfter() time.Duration {
	if r != nil && r.StaleAfter > 0 {
		return r.StaleAfter
	}
	return 10 * time.Minute
}

func (r *RecoveryScanner) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func retentionOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
