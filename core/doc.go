// Package core contains the canonical webhook reliability domain contracts,
// entities, and orchestration logic: idempotency keys, the delivery state
// machine, the dead-letter queue, and the recovery scanner. Storage and
// scheduling adapters must depend on this package; core must not depend on
// store-specific or transport-specific adapters.
package core
