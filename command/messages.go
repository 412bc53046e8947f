package command

import (
	"strings"

	"github.com/goliatone/go-webhook-reliability/core"
)

const (
	TypeProcessWebhook    = "reliability.command.webhook.process"
	TypeRequeueDeadLetter = "reliability.command.deadletter.requeue"
	TypeRunRecoveryScan   = "reliability.command.recovery.scan"
	TypeRunCleanup        = "reliability.command.recovery.cleanup"
)

type ProcessWebhookMessage struct {
	Event core.InboundEvent
}

func (ProcessWebhookMessage) Type() string { return TypeProcessWebhook }

func (m ProcessWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Event.Platform) == "" {
		return commandInvalidInputError("command: platform is required")
	}
	if strings.TrimSpace(m.Event.EventType) == "" {
		return commandInvalidInputError("command: event type is required")
	}
	if len(m.Event.Payload) == 0 {
		return commandInvalidInputError("command: payload is required")
	}
	return nil
}

type RequeueDeadLetterMessage struct {
	TaskID string
}

func (RequeueDeadLetterMessage) Type() string { return TypeRequeueDeadLetter }

func (m RequeueDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.TaskID) == "" {
		return commandInvalidInputError("command: task id is required")
	}
	return nil
}

type RunRecoveryScanMessage struct {
	BatchSize int
}

func (RunRecoveryScanMessage) Type() string { return TypeRunRecoveryScan }

func (m RunRecoveryScanMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandInvalidInputError("command: batch size must be >= 0")
	}
	return nil
}

type RunCleanupMessage struct{}

func (RunCleanupMessage) Type() string { return TypeRunCleanup }

func (RunCleanupMessage) Validate() error { return nil }
