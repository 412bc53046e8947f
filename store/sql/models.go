package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type idempotencyRecord struct {
	bun.BaseModel `bun:"table:webhook_idempotency_records,alias:wir"`

	ID               string         `bun:"id,pk"`
	IdempotencyKey   string         `bun:"idempotency_key,notnull"`
	Platform         string         `bun:"platform,notnull"`
	EventType        string         `bun:"event_type,notnull"`
	Result           string         `bun:"result,notnull"`
	ProcessedAt      time.Time      `bun:"processed_at,notnull"`
	ProcessingTimeMS int64          `bun:"processing_time_ms,notnull"`
	EventSummary     map[string]any `bun:"event_summary,type:jsonb,notnull"`
	OrganizationID   string         `bun:"organization_id"`
	UserID           string         `bun:"user_id"`
	WebhookID        string         `bun:"webhook_id"`
	ExpiresAt        time.Time      `bun:"expires_at,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryRecord struct {
	bun.BaseModel `bun:"table:webhook_delivery_tracking,alias:wdt"`

	ID                    string            `bun:"id,pk"`
	WebhookID             string            `bun:"webhook_id,notnull"`
	Platform              string            `bun:"platform,notnull"`
	EventType             string            `bun:"event_type,notnull"`
	Status                string            `bun:"status,notnull"`
	AttemptCount          int               `bun:"attempt_count,notnull"`
	MaxRetries            int               `bun:"max_retries,notnull"`
	FirstAttemptedAt      time.Time         `bun:"first_attempted_at,notnull"`
	LastAttemptedAt       time.Time         `bun:"last_attempted_at,notnull"`
	NextRetryAt           *time.Time        `bun:"next_retry_at,nullzero"`
	DeliveredAt           *time.Time        `bun:"delivered_at,nullzero"`
	FailureReason         string            `bun:"failure_reason"`
	LastErrorMessage      string            `bun:"last_error_message"`
	ConsecutiveFailures   int               `bun:"consecutive_failures,notnull"`
	TotalProcessingTimeMS int64             `bun:"total_processing_time_ms,notnull"`
	AvgResponseTimeMS     int64             `bun:"avg_response_time_ms,notnull"`
	Payload               []byte            `bun:"payload"`
	Signature             string            `bun:"signature"`
	Headers               map[string]string `bun:"headers,type:jsonb"`
	OrganizationID        string            `bun:"organization_id"`
	UserID                string            `bun:"user_id"`
	CreatedAt             time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:webhook_dead_letter_tasks,alias:wdlt"`

	ID                   string         `bun:"id,pk"`
	TaskID               string         `bun:"task_id,notnull"`
	TaskName             string         `bun:"task_name,notnull"`
	QueueName            string         `bun:"queue_name,notnull"`
	OrganizationID       string         `bun:"organization_id"`
	UserID               string         `bun:"user_id"`
	OriginalArgs         map[string]any `bun:"original_args,type:jsonb,notnull"`
	OriginalKwargs       map[string]any `bun:"original_kwargs,type:jsonb,notnull"`
	FailureReason        string         `bun:"failure_reason,notnull"`
	ErrorMessage         string         `bun:"error_message"`
	ErrorTraceback       string         `bun:"error_traceback"`
	RetryCount           int            `bun:"retry_count,notnull"`
	FirstFailureAt       time.Time      `bun:"first_failure_at,notnull"`
	LastRetryAt          *time.Time     `bun:"last_retry_at,nullzero"`
	MovedToDLQAt         time.Time      `bun:"moved_to_dlq_at,notnull"`
	RequiresManualReview bool           `bun:"requires_manual_review,notnull"`
	IsRequeued           bool           `bun:"is_requeued,notnull"`
	RequeuedAt           *time.Time     `bun:"requeued_at,nullzero"`
	Metadata             map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt            time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func copyAnyMap(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func copyStringMap(input map[string]string) map[string]string {
	if input == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
