package reliability

import "github.com/goliatone/go-webhook-reliability/core"

type Config = core.Config

type ScannerConfig = core.ScannerConfig

type RetentionConfig = core.RetentionConfig

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type RecoveryScanner = core.RecoveryScanner
type ScanStats = core.ScanStats
type CleanupStats = core.CleanupStats

type InboundEvent = core.InboundEvent
type ProcessingOutcome = core.ProcessingOutcome
type ProcessingSummary = core.ProcessingSummary
type DeliveryRecord = core.DeliveryRecord
type DeadLetterTask = core.DeadLetterTask
type DeadLetterFilter = core.DeadLetterFilter
type TenantRef = core.TenantRef

type BusinessProcessor = core.BusinessProcessor
type BusinessProcessorFunc = core.BusinessProcessorFunc
type IdempotencyStore = core.IdempotencyStore
type DeliveryStore = core.DeliveryStore
type DeadLetterStore = core.DeadLetterStore
type PayloadStore = core.PayloadStore

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithIdempotencyStore  = core.WithIdempotencyStore
	WithDeliveryStore     = core.WithDeliveryStore
	WithDeadLetterStore   = core.WithDeadLetterStore
	WithPayloadStore      = core.WithPayloadStore
	WithProcessor         = core.WithProcessor
	WithRetryPolicy       = core.WithRetryPolicy
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewService builds the reliability service from config plus options.
func NewService(cfg Config, options ...Option) (*Service, error) {
	return core.NewService(cfg, options...)
}

// Setup is an alias for NewService kept for callers wiring the module at
// application boot.
func Setup(cfg Config, options ...Option) (*Service, error) {
	return core.Setup(cfg, options...)
}

// NewRecoveryScanner builds a scanner bound to the service's configuration.
func NewRecoveryScanner(service *Service) *RecoveryScanner {
	return core.NewRecoveryScanner(service)
}
