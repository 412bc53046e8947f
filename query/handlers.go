package query

import (
	"context"

	"github.com/goliatone/go-webhook-reliability/core"
)

type DeliveryReader interface {
	Get(ctx context.Context, webhookID string) (core.DeliveryRecord, error)
	Stats(ctx context.Context) (core.DeliveryStats, error)
}

type DeadLetterReader interface {
	Get(ctx context.Context, taskID string) (core.DeadLetterTask, error)
	List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterTask, error)
	HealthStats(ctx context.Context) (core.QueueHealthStats, error)
}

type IdempotencyReader interface {
	Stats(ctx context.Context) (core.IdempotencyStats, error)
}

type GetDeliveryQuery struct {
	reader DeliveryReader
}

func NewGetDeliveryQuery(reader DeliveryReader) *GetDeliveryQuery {
	return &GetDeliveryQuery{reader: reader}
}

func (q *GetDeliveryQuery) Query(ctx context.Context, msg GetDeliveryMessage) (core.DeliveryRecord, error) {
	if q == nil || q.reader == nil {
		return core.DeliveryRecord{}, queryDependencyError("query: delivery reader is required")
	}
	return q.reader.Get(ctx, msg.WebhookID)
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (core.DeadLetterTask, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterTask{}, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.Get(ctx, msg.TaskID)
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(
	ctx context.Context,
	msg ListDeadLettersMessage,
) ([]core.DeadLetterTask, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.List(ctx, msg.Filter)
}

type QueueHealthQuery struct {
	reader DeadLetterReader
}

func NewQueueHealthQuery(reader DeadLetterReader) *QueueHealthQuery {
	return &QueueHealthQuery{reader: reader}
}

func (q *QueueHealthQuery) Query(ctx context.Context, msg QueueHealthMessage) (core.QueueHealthStats, error) {
	if q == nil || q.reader == nil {
		return core.QueueHealthStats{}, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.HealthStats(ctx)
}

type DeliveryStatsQuery struct {
	reader DeliveryReader
}

func NewDeliveryStatsQuery(reader DeliveryReader) *DeliveryStatsQuery {
	return &DeliveryStatsQuery{reader: reader}
}

func (q *DeliveryStatsQuery) Query(ctx context.Context, msg DeliveryStatsMessage) (core.DeliveryStats, error) {
	if q == nil || q.reader == nil {
		return core.DeliveryStats{}, queryDependencyError("query: delivery reader is required")
	}
	return q.reader.Stats(ctx)
}

type IdempotencyStatsQuery struct {
	reader IdempotencyReader
}

func NewIdempotencyStatsQuery(reader IdempotencyReader) *IdempotencyStatsQuery {
	return &IdempotencyStatsQuery{reader: reader}
}

func (q *IdempotencyStatsQuery) Query(
	ctx context.Context,
	msg IdempotencyStatsMessage,
) (core.IdempotencyStats, error) {
	if q == nil || q.reader == nil {
		return core.IdempotencyStats{}, queryDependencyError("query: idempotency reader is required")
	}
	return q.reader.Stats(ctx)
}
