package query

import (
	"strings"

	"github.com/goliatone/go-webhook-reliability/core"
)

const (
	TypeGetDelivery      = "reliability.query.delivery.get"
	TypeGetDeadLetter    = "reliability.query.deadletter.get"
	TypeListDeadLetters  = "reliability.query.deadletter.list"
	TypeQueueHealth      = "reliability.query.deadletter.health"
	TypeDeliveryStats    = "reliability.query.delivery.stats"
	TypeIdempotencyStats = "reliability.query.idempotency.stats"
)

type GetDeliveryMessage struct {
	WebhookID string
}

func (GetDeliveryMessage) Type() string { return TypeGetDelivery }

func (m GetDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.WebhookID) == "" {
		return queryInvalidInputError("query: webhook id is required")
	}
	return nil
}

type GetDeadLetterMessage struct {
	TaskID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.TaskID) == "" {
		return queryInvalidInputError("query: task id is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryInvalidInputError("query: limit must be >= 0")
	}
	return nil
}

type QueueHealthMessage struct{}

func (QueueHealthMessage) Type() string { return TypeQueueHealth }

func (QueueHealthMessage) Validate() error { return nil }

type DeliveryStatsMessage struct{}

func (DeliveryStatsMessage) Type() string { return TypeDeliveryStats }

func (DeliveryStatsMessage) Validate() error { return nil }

type IdempotencyStatsMessage struct{}

func (IdempotencyStatsMessage) Type() string { return TypeIdempotencyStats }

func (IdempotencyStatsMessage) Validate() error { return nil }
