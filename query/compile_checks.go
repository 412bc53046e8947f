package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-webhook-reliability/core"
)

var (
	_ gocmd.Querier[GetDeliveryMessage, core.DeliveryRecord]        = (*GetDeliveryQuery)(nil)
	_ gocmd.Querier[GetDeadLetterMessage, core.DeadLetterTask]      = (*GetDeadLetterQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetterTask]  = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[QueueHealthMessage, core.QueueHealthStats]      = (*QueueHealthQuery)(nil)
	_ gocmd.Querier[DeliveryStatsMessage, core.DeliveryStats]       = (*DeliveryStatsQuery)(nil)
	_ gocmd.Querier[IdempotencyStatsMessage, core.IdempotencyStats] = (*IdempotencyStatsQuery)(nil)
)
