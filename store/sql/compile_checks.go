package sqlstore

import (
	"github.com/goliatone/go-webhook-reliability/core"
)

var (
	_ core.IdempotencyStore       = (*IdempotencyStore)(nil)
	_ core.IdempotencyStore       = (*CachedIdempotencyStore)(nil)
	_ core.DeliveryStore          = (*DeliveryStore)(nil)
	_ core.PayloadStore           = (*DeliveryStore)(nil)
	_ core.DeadLetterStore        = (*DeadLetterStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
