package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ProcessWebhookMessage]    = (*ProcessWebhookCommand)(nil)
	_ gocmd.Commander[RequeueDeadLetterMessage] = (*RequeueDeadLetterCommand)(nil)
	_ gocmd.Commander[RunRecoveryScanMessage]   = (*RunRecoveryScanCommand)(nil)
	_ gocmd.Commander[RunCleanupMessage]        = (*RunCleanupCommand)(nil)
)
