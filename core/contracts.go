package core

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// BusinessProcessor is the external collaborator performing platform
// specific work. Implementations are invoked under a caller-supplied
// timeout; a deadline expiry is classified as TIMEOUT, not a distinct path.
type BusinessProcessor interface {
	Process(ctx context.Context, event InboundEvent) (ProcessingSummary, error)
}

type BusinessProcessorFunc func(ctx context.Context, event InboundEvent) (ProcessingSummary, error)

func (f BusinessProcessorFunc) Process(ctx context.Context, event InboundEvent) (ProcessingSummary, error) {
	return f(ctx, event)
}

// IdempotencyStore is the durable key -> result mapping. Check failures are
// handled fail-open by the service; Record must treat a unique violation as
// a lost race, not an error.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	Record(ctx context.Context, record IdempotencyRecord) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (IdempotencyStats, error)
}

// DeliveryStore tracks one row per webhook delivery id. Reserve must
// enforce a single processing holder per webhook id; the bool result
// reports an attempt already in flight. Attempt counts never decrease.
type DeliveryStore interface {
	Reserve(
		ctx context.Context,
		webhookID string,
		platform Platform,
		eventType string,
		tenant TenantRef,
	) (DeliveryRecord, bool, error)
	Get(ctx context.Context, webhookID string) (DeliveryRecord, error)
	MarkDelivered(ctx context.Context, webhookID string, processingTime time.Duration) (DeliveryRecord, error)
	MarkRetrying(
		ctx context.Context,
		webhookID string,
		reason FailureReason,
		errorMessage string,
		nextRetryAt time.Time,
	) (DeliveryRecord, error)
	MarkAbandoned(
		ctx context.Context,
		webhookID string,
		reason FailureReason,
		errorMessage string,
	) (DeliveryRecord, error)
	MarkDuplicateIgnored(
		ctx context.Context,
		webhookID string,
		platform Platform,
		eventType string,
		tenant TenantRef,
	) (DeliveryRecord, error)
	// DueForRetry lists retrying rows whose next_retry_at has passed. It is
	// a candidate read; Reserve performs the guarded claim, so concurrent
	// scanners race safely.
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]DeliveryRecord, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, limit int) ([]DeliveryRecord, error)
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteAbandonedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (DeliveryStats, error)
}

// DeadLetterStore holds permanently failed tasks. RecordFailure upserts by
// task id; CleanupRequeued never deletes un-requeued rows regardless of age.
type DeadLetterStore interface {
	RecordFailure(ctx context.Context, failure DeadLetterFailure) (DeadLetterTask, error)
	Get(ctx context.Context, taskID string) (DeadLetterTask, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterTask, error)
	Requeue(ctx context.Context, taskID string) (bool, error)
	CleanupRequeued(ctx context.Context, cutoff time.Time) (int, error)
	HealthStats(ctx context.Context) (QueueHealthStats, error)
}

// PayloadStore optionally persists raw event payloads so the recovery
// scanner can re-dispatch a stored delivery. The SQL delivery store
// implements it; deployments injecting their own can skip it, in which case
// scanner redispatch requires an EventLoader.
type PayloadStore interface {
	SavePayload(ctx context.Context, webhookID string, payload []byte, signature string, headers map[string]string) error
	LoadPayload(ctx context.Context, webhookID string) ([]byte, string, map[string]string, error)
}

// StoreProvider exposes constructed stores from a repository factory.
type StoreProvider interface {
	IdempotencyStore() IdempotencyStore
	DeliveryStore() DeliveryStore
	DeadLetterStore() DeadLetterStore
}

// RepositoryStoreFactory builds stores from a persistence client during
// service construction.
type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

// JobEnqueuer pushes recovery/cleanup job executions onto a work queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobExecutionMessage struct {
	JobID          string
	Parameters     map[string]any
	IdempotencyKey string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}
