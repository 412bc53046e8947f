package reliability

import (
	"context"
	"fmt"

	reliabilitycommand "github.com/goliatone/go-webhook-reliability/command"
	"github.com/goliatone/go-webhook-reliability/core"
	reliabilityquery "github.com/goliatone/go-webhook-reliability/query"
)

type Commands struct {
	ProcessWebhook    *reliabilitycommand.ProcessWebhookCommand
	RequeueDeadLetter *reliabilitycommand.RequeueDeadLetterCommand
	RunRecoveryScan   *reliabilitycommand.RunRecoveryScanCommand
	RunCleanup        *reliabilitycommand.RunCleanupCommand
}

type Queries struct {
	GetDelivery      *reliabilityquery.GetDeliveryQuery
	GetDeadLetter    *reliabilityquery.GetDeadLetterQuery
	ListDeadLetters  *reliabilityquery.ListDeadLettersQuery
	QueueHealth      *reliabilityquery.QueueHealthQuery
	DeliveryStats    *reliabilityquery.DeliveryStatsQuery
	IdempotencyStats *reliabilityquery.IdempotencyStatsQuery
}

// Facade bundles the command and query handlers around one service so hosts
// wire a single dependency into their dispatcher.
type Facade struct {
	service  *core.Service
	scanner  *core.RecoveryScanner
	commands Commands
	queries  Queries
}

func NewFacade(service *core.Service) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("reliability: service is required")
	}
	scanner := core.NewRecoveryScanner(service)

	facade := &Facade{service: service, scanner: scanner}
	facade.commands = Commands{
		ProcessWebhook:    reliabilitycommand.NewProcessWebhookCommand(service),
		RequeueDeadLetter: reliabilitycommand.NewRequeueDeadLetterCommand(service),
		RunRecoveryScan:   reliabilitycommand.NewRunRecoveryScanCommand(scanner),
		RunCleanup:        reliabilitycommand.NewRunCleanupCommand(scanner),
	}
	facade.queries = Queries{
		GetDelivery:      reliabilityquery.NewGetDeliveryQuery(deliveryReader{service}),
		GetDeadLetter:    reliabilityquery.NewGetDeadLetterQuery(deadLetterReader{service}),
		ListDeadLetters:  reliabilityquery.NewListDeadLettersQuery(deadLetterReader{service}),
		QueueHealth:      reliabilityquery.NewQueueHealthQuery(deadLetterReader{service}),
		DeliveryStats:    reliabilityquery.NewDeliveryStatsQuery(deliveryReader{service}),
		IdempotencyStats: reliabilityquery.NewIdempotencyStatsQuery(idempotencyReader{service}),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() *core.Service {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) Scanner() *core.RecoveryScanner {
	if f == nil {
		return nil
	}
	return f.scanner
}

// deliveryReader narrows the service to the read-side delivery contract. The
// Get methods on the reader interfaces collide, so the service cannot
// implement them directly.
type deliveryReader struct {
	service *core.Service
}

func (r deliveryReader) Get(ctx context.Context, webhookID string) (core.DeliveryRecord, error) {
	store := r.service.Dependencies().DeliveryStore
	if store == nil {
		return core.DeliveryRecord{}, fmt.Errorf("reliability: delivery store is not configured")
	}
	return store.Get(ctx, webhookID)
}

func (r deliveryReader) Stats(ctx context.Context) (core.DeliveryStats, error) {
	return r.service.DeliveryStatistics(ctx)
}

type deadLetterReader struct {
	service *core.Service
}

func (r deadLetterReader) Get(ctx context.Context, taskID string) (core.DeadLetterTask, error) {
	store := r.service.Dependencies().DeadLetterStore
	if store == nil {
		return core.DeadLetterTask{}, fmt.Errorf("reliability: dead letter store is not configured")
	}
	return store.Get(ctx, taskID)
}

func (r deadLetterReader) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterTask, error) {
	return r.service.ListDeadLetters(ctx, filter)
}

func (r deadLetterReader) HealthStats(ctx context.Context) (core.QueueHealthStats, error) {
	return r.service.QueueHealth(ctx)
}

type idempotencyReader struct {
	service *core.Service
}

func (r idempotencyReader) Stats(ctx context.Context) (core.IdempotencyStats, error) {
	return r.service.IdempotencyStatistics(ctx)
}

var (
	_ reliabilityquery.DeliveryReader    = deliveryReader{}
	_ reliabilityquery.DeadLetterReader  = deadLetterReader{}
	_ reliabilityquery.IdempotencyReader = idempotencyReader{}
)
