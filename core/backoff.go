package core

import "time"

const DefaultMaxRetries = 5

// DefaultRetryLadder is the fixed delay ladder indexed by attempt number:
// 1m, 5m, 15m, 1h, 4h. Attempts beyond the ladder saturate at the last rung.
var DefaultRetryLadder = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// LadderRetryPolicy walks a fixed delay ladder. Jitter, when set, may spread
// retries without changing the externally observable ordering guarantees.
type LadderRetryPolicy struct {
	Delays []time.Duration
	Jitter func(delay time.Duration) time.Duration
}

func (p LadderRetryPolicy) NextDelay(attempt int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultRetryLadder
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(delays) {
		index = len(delays) - 1
	}
	delay := delays[index]
	if p.Jitter != nil {
		jittered := p.Jitter(delay)
		if jittered > 0 {
			return jittered
		}
	}
	return delay
}

var _ RetryPolicy = LadderRetryPolicy{}
