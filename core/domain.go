package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidDeliveryStatusTransition = errors.New("core: invalid delivery status transition")
	ErrDeliveryNotFound                = errors.New("core: delivery not found")
	ErrDeadLetterNotFound              = errors.New("core: dead letter task not found")
	ErrIdempotencyKeyExists            = errors.New("core: idempotency key already recorded")
)

type Platform string

const (
	PlatformMeta     Platform = "meta"
	PlatformTwitter  Platform = "twitter"
	PlatformStripe   Platform = "stripe"
	PlatformLinkedIn Platform = "linkedin"
	PlatformGeneric  Platform = "generic"
)

// NormalizePlatform folds unknown platform identifiers into the generic
// bucket so storage and metrics stay bounded on known values.
func NormalizePlatform(value string) Platform {
	switch Platform(strings.TrimSpace(strings.ToLower(value))) {
	case PlatformMeta:
		return PlatformMeta
	case PlatformTwitter:
		return PlatformTwitter
	case PlatformStripe:
		return PlatformStripe
	case PlatformLinkedIn:
		return PlatformLinkedIn
	default:
		return PlatformGeneric
	}
}

type ProcessingResult string

const (
	ProcessingResultSuccess          ProcessingResult = "success"
	ProcessingResultIdempotentSkip   ProcessingResult = "idempotent_skip"
	ProcessingResultTemporaryFailure ProcessingResult = "temporary_failure"
	ProcessingResultPermanentFailure ProcessingResult = "permanent_failure"
	ProcessingResultRateLimited      ProcessingResult = "rate_limited"
	ProcessingResultAuthFailure      ProcessingResult = "auth_failure"
)

type DeliveryStatus string

const (
	DeliveryStatusPending          DeliveryStatus = "pending"
	DeliveryStatusProcessing       DeliveryStatus = "processing"
	DeliveryStatusDelivered        DeliveryStatus = "delivered"
	DeliveryStatusRetrying         DeliveryStatus = "retrying"
	DeliveryStatusAbandoned        DeliveryStatus = "abandoned"
	DeliveryStatusDuplicateIgnored DeliveryStatus = "duplicate_ignored"
)

// Terminal reports whether the status never transitions out.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusAbandoned, DeliveryStatusDuplicateIgnored:
		return true
	}
	return false
}

func deliveryTransitionAllowed(current, next DeliveryStatus) bool {
	allowed := map[DeliveryStatus]map[DeliveryStatus]struct{}{
		DeliveryStatusPending: {
			DeliveryStatusProcessing:       {},
			DeliveryStatusDuplicateIgnored: {},
		},
		DeliveryStatusProcessing: {
			DeliveryStatusDelivered: {},
			DeliveryStatusRetrying:  {},
			DeliveryStatusAbandoned: {},
		},
		DeliveryStatusRetrying: {
			DeliveryStatusProcessing: {},
			DeliveryStatusAbandoned:  {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// TenantRef scopes records to an organization and optionally a user. Both
// fields are optional at write time, but every multi-row read MUST apply the
// organization filter when the caller provides one.
type TenantRef struct {
	OrganizationID string
	UserID         string
}

func (t TenantRef) OrgID() string {
	return strings.TrimSpace(t.OrganizationID)
}

type IdempotencyRecord struct {
	Key              string
	Platform         Platform
	EventType        string
	Result           ProcessingResult
	ProcessedAt      time.Time
	ProcessingTimeMS int64
	EventSummary     map[string]any
	Tenant           TenantRef
	WebhookID        string
	ExpiresAt        time.Time
}

// DeliveryRecord is one row per webhook delivery id; every attempt of the
// same delivery updates this row rather than inserting a new one.
type DeliveryRecord struct {
	ID                    string
	WebhookID             string
	Platform              Platform
	EventType             string
	Status                DeliveryStatus
	AttemptCount          int
	MaxRetries            int
	FirstAttemptedAt      time.Time
	LastAttemptedAt       time.Time
	NextRetryAt           *time.Time
	DeliveredAt           *time.Time
	FailureReason         FailureReason
	LastErrorMessage      string
	ConsecutiveFailures   int
	TotalProcessingTimeMS int64
	AvgResponseTimeMS     int64
	Tenant                TenantRef
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TransitionTo validates the delivery state machine before mutating the
// record. Terminal states never transition out.
func (r *DeliveryRecord) TransitionTo(status DeliveryStatus, now time.Time) error {
	if r == nil {
		return nil
	}
	if r.Status == status {
		r.UpdatedAt = now
		return nil
	}
	if !deliveryTransitionAllowed(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidDeliveryStatusTransition, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = now
	return nil
}

type DeadLetterTask struct {
	TaskID               string
	TaskName             string
	QueueName            string
	Tenant               TenantRef
	OriginalArgs         map[string]any
	OriginalKwargs       map[string]any
	FailureReason        FailureReason
	ErrorMessage         string
	ErrorTraceback       string
	RetryCount           int
	FirstFailureAt       time.Time
	LastRetryAt          *time.Time
	MovedToDLQAt         time.Time
	IsRequeued           bool
	RequeuedAt           *time.Time
	RequiresManualReview bool
	Metadata             map[string]any
}

// DeadLetterFailure is the write-side payload for RecordFailure. Repeat
// failures of the same TaskID update the existing row.
type DeadLetterFailure struct {
	TaskID        string
	TaskName      string
	QueueName     string
	Tenant        TenantRef
	FailureReason FailureReason
	ErrorMessage  string
	ErrorTrace    string
	Args          map[string]any
	Kwargs        map[string]any
	RetryCount    int
	Metadata      map[string]any
}

type DeadLetterFilter struct {
	QueueName            string
	FailureReason        FailureReason
	OrganizationID       string
	RequiresManualReview *bool
	Limit                int
}

// InboundEvent is the raw webhook handed over by the (excluded) HTTP layer.
// Signature validity is assumed to be verified upstream; events rejected at
// the signature boundary never reach Process.
type InboundEvent struct {
	WebhookID  string
	Platform   string
	EventType  string
	Payload    []byte
	Signature  string
	Headers    map[string]string
	Tenant     TenantRef
	ReceivedAt time.Time
}

// ProcessingSummary is returned by the external business processor.
type ProcessingSummary struct {
	EventsProcessed int
	Detail          map[string]any
}

type ProcessingOutcome struct {
	WebhookID        string
	IdempotencyKey   string
	Result           ProcessingResult
	Status           DeliveryStatus
	AttemptCount     int
	NextRetryAt      *time.Time
	FailureReason    FailureReason
	ProcessingTimeMS int64
	Duplicate        bool
	Summary          ProcessingSummary
}

type IdempotencyStats struct {
	Total      int
	ByResult   map[ProcessingResult]int
	ByPlatform map[Platform]int
	Expired    int
}

type DeliveryStats struct {
	Total      int
	ByStatus   map[DeliveryStatus]int
	ByPlatform map[Platform]int
	DueRetries int
}

type QueueHealthStats struct {
	Total             int
	ByQueue           map[string]int
	ByReason          map[FailureReason]int
	ManualReviewCount int
	Recent24h         int
}

func copyAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return copied
}

func copyStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return copied
}
