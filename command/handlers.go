package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-webhook-reliability/core"
)

type MutatingService interface {
	Process(ctx context.Context, event core.InboundEvent) (core.ProcessingOutcome, error)
	RequeueDeadLetter(ctx context.Context, taskID string) (bool, error)
}

type RecoveryService interface {
	ScanWithBatch(ctx context.Context, batchSize int) (core.ScanStats, error)
	Cleanup(ctx context.Context) (core.CleanupStats, error)
}

type ProcessWebhookCommand struct {
	service MutatingService
}

func NewProcessWebhookCommand(service MutatingService) *ProcessWebhookCommand {
	return &ProcessWebhookCommand{service: service}
}

func (c *ProcessWebhookCommand) Execute(ctx context.Context, msg ProcessWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook processing service is required")
	}
	out, err := c.service.Process(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RequeueDeadLetterCommand struct {
	service MutatingService
}

func NewRequeueDeadLetterCommand(service MutatingService) *RequeueDeadLetterCommand {
	return &RequeueDeadLetterCommand{service: service}
}

func (c *RequeueDeadLetterCommand) Execute(ctx context.Context, msg RequeueDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	requeued, err := c.service.RequeueDeadLetter(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	storeResult(ctx, requeued)
	return nil
}

type RunRecoveryScanCommand struct {
	service RecoveryService
}

func NewRunRecoveryScanCommand(service RecoveryService) *RunRecoveryScanCommand {
	return &RunRecoveryScanCommand{service: service}
}

func (c *RunRecoveryScanCommand) Execute(ctx context.Context, msg RunRecoveryScanMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: recovery service is required")
	}
	out, err := c.service.ScanWithBatch(ctx, msg.BatchSize)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunCleanupCommand struct {
	service RecoveryService
}

func NewRunCleanupCommand(service RecoveryService) *RunCleanupCommand {
	return &RunCleanupCommand{service: service}
}

func (c *RunCleanupCommand) Execute(ctx context.Context, msg RunCleanupMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: recovery service is required")
	}
	out, err := c.service.Cleanup(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
