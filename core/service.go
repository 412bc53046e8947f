package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

var (
	ErrProcessorRequired = errors.New("core: business processor is required")
	ErrDeliveryInFlight  = errors.New("core: delivery attempt already in flight")
)

// Service orchestrates webhook processing: idempotency check, delivery
// tracking, business-processor dispatch, and failure routing to retry or
// the dead-letter queue.
type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	persistenceClient any
	repositoryFactory any
	idempotencyStore  IdempotencyStore
	deliveryStore     DeliveryStore
	deadLetterStore   DeadLetterStore
	payloadStore      PayloadStore
	processor         BusinessProcessor
	retryPolicy       RetryPolicy
	now               func() time.Time
}

type ServiceDependencies struct {
	Logger           Logger
	LoggerProvider   LoggerProvider
	MetricsRecorder  MetricsRecorder
	ErrorFactory     ErrorFactory
	ErrorMapper      ErrorMapper
	ConfigProvider   ConfigProvider
	OptionsResolver  OptionsResolver
	IdempotencyStore IdempotencyStore
	DeliveryStore    DeliveryStore
	DeadLetterStore  DeadLetterStore
	PayloadStore     PayloadStore
	Processor        BusinessProcessor
	RetryPolicy      RetryPolicy
}

func NewService(cfg Config, options ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("reliability", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("reliability"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.repositoryFactory != nil &&
		(builder.idempotencyStore == nil || builder.deliveryStore == nil || builder.deadLetterStore == nil) {
		var storeProvider StoreProvider
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			built, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			storeProvider = built
		} else if provided, ok := builder.repositoryFactory.(StoreProvider); ok {
			storeProvider = provided
		}
		if storeProvider != nil {
			if builder.idempotencyStore == nil {
				builder.idempotencyStore = storeProvider.IdempotencyStore()
			}
			if builder.deliveryStore == nil {
				builder.deliveryStore = storeProvider.DeliveryStore()
			}
			if builder.deadLetterStore == nil {
				builder.deadLetterStore = storeProvider.DeadLetterStore()
			}
		}
	}
	if builder.payloadStore == nil {
		if payloads, ok := builder.deliveryStore.(PayloadStore); ok {
			builder.payloadStore = payloads
		}
	}

	if builder.idempotencyStore == nil {
		builder.idempotencyStore = NewMemoryIdempotencyStore(finalConfig.IdempotencyTTL)
	}
	if builder.retryPolicy == nil {
		builder.retryPolicy = LadderRetryPolicy{Delays: finalConfig.RetryLadder()}
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		idempotencyStore:  builder.idempotencyStore,
		deliveryStore:     builder.deliveryStore,
		deadLetterStore:   builder.deadLetterStore,
		payloadStore:      builder.payloadStore,
		processor:         builder.processor,
		retryPolicy:       builder.retryPolicy,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func Setup(cfg Config, options ...Option) (*Service, error) {
	return NewService(cfg, options...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:           s.logger,
		LoggerProvider:   s.loggerProvider,
		MetricsRecorder:  s.metricsRecorder,
		ErrorFactory:     s.errorFactory,
		ErrorMapper:      s.errorMapper,
		ConfigProvider:   s.configProvider,
		OptionsResolver:  s.optionsResolver,
		IdempotencyStore: s.idempotencyStore,
		DeliveryStore:    s.deliveryStore,
		DeadLetterStore:  s.deadLetterStore,
		PayloadStore:     s.payloadStore,
		Processor:        s.processor,
		RetryPolicy:      s.retryPolicy,
	}
}

// Process runs the full reliability pipeline for one inbound event. The
// delivery row, once in processing, is the durable checkpoint; a crash
// mid-flight is recovered by the scanner's stale-row sweep.
func (s *Service) Process(ctx context.Context, event InboundEvent) (outcome ProcessingOutcome, err error) {
	startedAt := s.timeNow()
	platform := NormalizePlatform(event.Platform)
	fields := map[string]any{
		"platform":        string(platform),
		"event_type":      strings.TrimSpace(event.EventType),
		"organization_id": event.Tenant.OrgID(),
	}
	defer func() {
		fields["webhook_id"] = outcome.WebhookID
		fields["result"] = string(outcome.Result)
		if outcome.FailureReason != "" {
			fields["failure_reason"] = string(outcome.FailureReason)
		}
		s.observeOperation(ctx, startedAt, "webhook.process", err, fields)
	}()

	if s == nil || s.deliveryStore == nil || s.idempotencyStore == nil {
		return ProcessingOutcome{}, fmt.Errorf("core: reliability service requires delivery and idempotency stores")
	}
	if s.processor == nil {
		return ProcessingOutcome{}, ErrProcessorRequired
	}

	webhookID := strings.TrimSpace(event.WebhookID)
	if webhookID == "" {
		webhookID = uuid.NewString()
	}
	event.WebhookID = webhookID
	event.Platform = string(platform)
	outcome.WebhookID = webhookID

	key, keyErr := GenerateIdempotencyKey(platform, event.Payload, event.Signature)
	if keyErr != nil {
		if !errors.Is(keyErr, ErrWeakIdempotencyKey) {
			return outcome, keyErr
		}
		s.logError(ctx, "idempotency key degraded to timestamp salt", map[string]any{
			"webhook_id": webhookID,
			"platform":   string(platform),
			"error":      keyErr.Error(),
		})
	}
	outcome.IdempotencyKey = key

	previous, duplicate, checkErr := s.idempotencyStore.Check(ctx, key)
	if checkErr != nil {
		// Fail-open: duplicate processing is recoverable, blocked processing
		// is not.
		s.logError(ctx, "idempotency check unavailable, continuing without dedup", map[string]any{
			"webhook_id": webhookID,
			"error":      checkErr.Error(),
		})
		duplicate = false
	}
	if duplicate && !retryContinuation(previous.Result) {
		if _, trackErr := s.deliveryStore.MarkDuplicateIgnored(ctx, webhookID, NormalizePlatform(event.Platform), event.EventType, event.Tenant); trackErr != nil &&
			!errors.Is(trackErr, ErrDeliveryNotFound) {
			s.logError(ctx, "duplicate tracking update failed", map[string]any{
				"webhook_id": webhookID,
				"error":      trackErr.Error(),
			})
		}
		outcome.Result = ProcessingResultIdempotentSkip
		outcome.Status = DeliveryStatusDuplicateIgnored
		outcome.Duplicate = true
		outcome.FailureReason = ""
		return outcome, nil
	}

	record, inFlight, reserveErr := s.deliveryStore.Reserve(ctx, webhookID, platform, event.EventType, event.Tenant)
	if reserveErr != nil {
		return outcome, reserveErr
	}
	if inFlight {
		outcome.Status = record.Status
		outcome.AttemptCount = record.AttemptCount
		if record.Status.Terminal() {
			// The delivery already finished; a redelivery that slipped past
			// the idempotency check is a duplicate, not a busy worker.
			outcome.Result = ProcessingResultIdempotentSkip
			outcome.Duplicate = true
			return outcome, nil
		}
		// Another worker holds the processing row for this delivery; the
		// source platform redelivered while an attempt is live.
		return outcome, ErrDeliveryInFlight
	}
	outcome.AttemptCount = record.AttemptCount

	if s.payloadStore != nil {
		if saveErr := s.payloadStore.SavePayload(ctx, webhookID, event.Payload, event.Signature, event.Headers); saveErr != nil {
			s.logError(ctx, "payload snapshot write failed", map[string]any{
				"webhook_id": webhookID,
				"error":      saveErr.Error(),
			})
		}
	}

	summary, processErr := s.invokeProcessor(ctx, event)
	processingTime := s.timeNow().Sub(startedAt)
	outcome.ProcessingTimeMS = processingTime.Milliseconds()

	if processErr == nil {
		return s.completeSuccess(ctx, event, key, summary, processingTime, outcome)
	}
	return s.completeFailure(ctx, event, key, record, processErr, processingTime, outcome)
}

// retryContinuation reports whether an existing idempotency record marks an
// attempt chain that is still retrying, in which case a redelivery or a
// scanner re-dispatch must reach the processor instead of short-circuiting.
func retryContinuation(result ProcessingResult) bool {
	return result == ProcessingResultTemporaryFailure || result == ProcessingResultRateLimited
}

func (s *Service) invokeProcessor(ctx context.Context, event InboundEvent) (ProcessingSummary, error) {
	timeout := s.config.ProcessorTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.processor.Process(ctx, event)
}

func (s *Service) completeSuccess(
	ctx context.Context,
	event InboundEvent,
	key string,
	summary ProcessingSummary,
	processingTime time.Duration,
	outcome ProcessingOutcome,
) (ProcessingOutcome, error) {
	record, trackErr := s.deliveryStore.MarkDelivered(ctx, event.WebhookID, processingTime)
	if trackErr != nil {
		s.logError(ctx, "delivered tracking update failed", map[string]any{
			"webhook_id": event.WebhookID,
			"error":      trackErr.Error(),
		})
	} else {
		outcome.AttemptCount = record.AttemptCount
	}

	s.recordIdempotency(ctx, event, key, ProcessingResultSuccess, processingTime, summary)

	outcome.Result = ProcessingResultSuccess
	outcome.Status = DeliveryStatusDelivered
	outcome.Summary = summary
	return outcome, nil
}

func (s *Service) completeFailure(
	ctx context.Context,
	event InboundEvent,
	key string,
	record DeliveryRecord,
	processErr error,
	processingTime time.Duration,
	outcome ProcessingOutcome,
) (ProcessingOutcome, error) {
	reason := CategorizeFailure(processErr)
	maxRetries := record.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.MaxRetries
	}
	retryable := reason.Retryable() && record.AttemptCount < maxRetries

	outcome.FailureReason = reason

	if retryable {
		nextRetryAt := s.timeNow().Add(s.retryDelay(record.AttemptCount))
		updated, trackErr := s.deliveryStore.MarkRetrying(ctx, event.WebhookID, reason, processErr.Error(), nextRetryAt)
		if trackErr != nil {
			s.logError(ctx, "retry tracking update failed", map[string]any{
				"webhook_id": event.WebhookID,
				"error":      trackErr.Error(),
			})
		} else {
			outcome.AttemptCount = updated.AttemptCount
			outcome.NextRetryAt = updated.NextRetryAt
		}
		result := ResultForFailure(reason, true)
		s.recordIdempotency(ctx, event, key, result, processingTime, ProcessingSummary{})
		outcome.Result = result
		outcome.Status = DeliveryStatusRetrying
		return outcome, processErr
	}

	// A retryable reason reaching this branch means the ladder ran out;
	// the dead letter keeps the classified reason and flags exhaustion.
	exhausted := reason.Retryable()

	updated, trackErr := s.deliveryStore.MarkAbandoned(ctx, event.WebhookID, reason, processErr.Error())
	if trackErr != nil {
		s.logError(ctx, "abandon tracking update failed", map[string]any{
			"webhook_id": event.WebhookID,
			"error":      trackErr.Error(),
		})
	} else {
		outcome.AttemptCount = updated.AttemptCount
	}

	result := ResultForFailure(reason, false)
	s.recordIdempotency(ctx, event, key, result, processingTime, ProcessingSummary{})
	s.deadLetter(ctx, event, record, reason, processErr, exhausted)

	outcome.Result = result
	outcome.Status = DeliveryStatusAbandoned
	return outcome, processErr
}

func (s *Service) recordIdempotency(
	ctx context.Context,
	event InboundEvent,
	key string,
	result ProcessingResult,
	processingTime time.Duration,
	summary ProcessingSummary,
) {
	if s.idempotencyStore == nil || strings.TrimSpace(key) == "" {
		return
	}
	now := s.timeNow()
	record := IdempotencyRecord{
		Key:              key,
		Platform:         NormalizePlatform(event.Platform),
		EventType:        strings.TrimSpace(event.EventType),
		Result:           result,
		ProcessedAt:      now,
		ProcessingTimeMS: processingTime.Milliseconds(),
		EventSummary: map[string]any{
			"events_processed": summary.EventsProcessed,
		},
		Tenant:    event.Tenant,
		WebhookID: event.WebhookID,
		ExpiresAt: now.Add(s.idempotencyTTL()),
	}
	if err := s.idempotencyStore.Record(ctx, record); err != nil && !errors.Is(err, ErrIdempotencyKeyExists) {
		// Fail-loud on the write path: losing dedup visibility is an
		// operational risk even though processing already finished.
		s.logError(ctx, "idempotency record write failed", map[string]any{
			"webhook_id": event.WebhookID,
			"key":        key,
			"error":      err.Error(),
		})
	}
}

func (s *Service) deadLetter(
	ctx context.Context,
	event InboundEvent,
	record DeliveryRecord,
	reason FailureReason,
	cause error,
	exhausted bool,
) {
	if s.deadLetterStore == nil {
		return
	}
	metadata := map[string]any{
		"headers": copyStringMap(event.Headers),
	}
	if exhausted {
		metadata["abandon_cause"] = string(FailureReasonMaxRetriesExceeded)
		metadata["retries_exhausted"] = true
	}
	failure := DeadLetterFailure{
		TaskID:        event.WebhookID,
		TaskName:      "webhook." + string(NormalizePlatform(event.Platform)) + ".process",
		QueueName:     "webhooks",
		Tenant:        event.Tenant,
		FailureReason: reason,
		ErrorMessage:  cause.Error(),
		Args: map[string]any{
			"platform":   event.Platform,
			"event_type": event.EventType,
		},
		Kwargs: map[string]any{
			"webhook_id": event.WebhookID,
		},
		RetryCount: record.AttemptCount,
		Metadata:   metadata,
	}
	task, err := s.deadLetterStore.RecordFailure(ctx, failure)
	if err != nil {
		// A failed DLQ write on an already-failed task must still surface.
		s.logError(ctx, "dead letter write failed", map[string]any{
			"webhook_id": event.WebhookID,
			"reason":     string(reason),
			"error":      err.Error(),
		})
		return
	}
	if reason == FailureReasonTenantIsolation {
		s.logError(ctx, "tenant isolation violation dead lettered", map[string]any{
			"security_event":  true,
			"task_id":         task.TaskID,
			"organization_id": event.Tenant.OrgID(),
		})
	}
}

// Redispatch replays a stored delivery through the pipeline; used by the
// recovery scanner for rows whose next_retry_at has passed.
func (s *Service) Redispatch(ctx context.Context, record DeliveryRecord) (ProcessingOutcome, error) {
	if s == nil || s.payloadStore == nil {
		return ProcessingOutcome{}, fmt.Errorf("core: redispatch requires a payload store")
	}
	payload, signature, headers, err := s.payloadStore.LoadPayload(ctx, record.WebhookID)
	if err != nil {
		return ProcessingOutcome{}, err
	}
	return s.Process(ctx, InboundEvent{
		WebhookID:  record.WebhookID,
		Platform:   string(record.Platform),
		EventType:  record.EventType,
		Payload:    payload,
		Signature:  signature,
		Headers:    headers,
		Tenant:     record.Tenant,
		ReceivedAt: s.timeNow(),
	})
}

// RequeueDeadLetter flags a DLQ task for re-dispatch. Idempotent: an
// already-requeued task reports false without erroring.
func (s *Service) RequeueDeadLetter(ctx context.Context, taskID string) (requeued bool, err error) {
	startedAt := s.timeNow()
	defer func() {
		s.observeOperation(ctx, startedAt, "deadletter.requeue", err, map[string]any{
			"task_id":  strings.TrimSpace(taskID),
			"requeued": requeued,
		})
	}()
	if s == nil || s.deadLetterStore == nil {
		return false, fmt.Errorf("core: dead letter store is required")
	}
	return s.deadLetterStore.Requeue(ctx, strings.TrimSpace(taskID))
}

func (s *Service) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterTask, error) {
	if s == nil || s.deadLetterStore == nil {
		return nil, fmt.Errorf("core: dead letter store is required")
	}
	return s.deadLetterStore.List(ctx, filter)
}

func (s *Service) QueueHealth(ctx context.Context) (QueueHealthStats, error) {
	if s == nil || s.deadLetterStore == nil {
		return QueueHealthStats{}, fmt.Errorf("core: dead letter store is required")
	}
	return s.deadLetterStore.HealthStats(ctx)
}

func (s *Service) DeliveryStatistics(ctx context.Context) (DeliveryStats, error) {
	if s == nil || s.deliveryStore == nil {
		return DeliveryStats{}, fmt.Errorf("core: delivery store is required")
	}
	return s.deliveryStore.Stats(ctx)
}

func (s *Service) IdempotencyStatistics(ctx context.Context) (IdempotencyStats, error) {
	if s == nil || s.idempotencyStore == nil {
		return IdempotencyStats{}, fmt.Errorf("core: idempotency store is required")
	}
	return s.idempotencyStore.Stats(ctx)
}

func (s *Service) retryDelay(attempt int) time.Duration {
	if s != nil && s.retryPolicy != nil {
		return s.retryPolicy.NextDelay(attempt)
	}
	return LadderRetryPolicy{}.NextDelay(attempt)
}

func (s *Service) idempotencyTTL() time.Duration {
	if s != nil && s.config.IdempotencyTTL > 0 {
		return s.config.IdempotencyTTL
	}
	return 24 * time.Hour
}

func (s *Service) timeNow() time.Time {
	if s != nil && s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}
