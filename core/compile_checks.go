package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ RetryPolicy      = LadderRetryPolicy{}
	_ MetricsRecorder  = NopMetricsRecorder{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
