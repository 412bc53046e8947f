package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ReliabilityErrorBadInput        = "RELIABILITY_BAD_INPUT"
	ReliabilityErrorNotFound        = "RELIABILITY_NOT_FOUND"
	ReliabilityErrorDuplicate       = "RELIABILITY_DUPLICATE_DELIVERY"
	ReliabilityErrorRateLimited     = "RELIABILITY_RATE_LIMITED"
	ReliabilityErrorAuthFailed      = "RELIABILITY_AUTH_FAILED"
	ReliabilityErrorStoreFailed     = "RELIABILITY_STORE_FAILED"
	ReliabilityErrorProcessorFailed = "RELIABILITY_PROCESSOR_FAILED"
	ReliabilityErrorInternal        = "RELIABILITY_INTERNAL_ERROR"
)

type FailureReason string

const (
	FailureReasonTimeout            FailureReason = "timeout"
	FailureReasonRateLimit          FailureReason = "rate_limit"
	FailureReasonAuthError          FailureReason = "auth_error"
	FailureReasonNetworkError       FailureReason = "network_error"
	FailureReasonInvalidData        FailureReason = "invalid_data"
	FailureReasonExternalAPIError   FailureReason = "external_api_error"
	FailureReasonInternalError      FailureReason = "internal_error"
	FailureReasonMaxRetriesExceeded FailureReason = "max_retries_exceeded"
	FailureReasonTenantIsolation    FailureReason = "tenant_isolation_violation"
)

// Retryable reports whether a failure is worth another attempt. Auth and
// validation failures will not fix themselves on retry.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureReasonTimeout, FailureReasonRateLimit, FailureReasonNetworkError, FailureReasonExternalAPIError:
		return true
	default:
		return false
	}
}

// RequiresManualReview reports whether a dead-lettered failure must be held
// for operator inspection. AUTH_ERROR and MAX_RETRIES_EXCEEDED are
// deliberately excluded; revising that set is a policy decision.
func (r FailureReason) RequiresManualReview() bool {
	switch r {
	case FailureReasonInvalidData, FailureReasonInternalError, FailureReasonTenantIsolation:
		return true
	default:
		return false
	}
}

// CategorizeFailure maps a processor error onto the failure taxonomy by
// inspecting its type and message. Tenant isolation is checked before auth
// so "organization isolation unauthorized" never degrades to AUTH_ERROR.
func CategorizeFailure(err error) FailureReason {
	if err == nil {
		return FailureReasonInternalError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureReasonTimeout
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryRateLimit:
			return FailureReasonRateLimit
		case goerrors.CategoryAuth, goerrors.CategoryAuthz:
			return FailureReasonAuthError
		case goerrors.CategoryBadInput, goerrors.CategoryValidation:
			return FailureReasonInvalidData
		case goerrors.CategoryExternal:
			return FailureReasonExternalAPIError
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "organization") && strings.Contains(msg, "isolation"):
		return FailureReasonTenantIsolation
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return FailureReasonTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return FailureReasonRateLimit
	case strings.Contains(msg, "auth"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return FailureReasonAuthError
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return FailureReasonNetworkError
	case strings.Contains(msg, "validation"), strings.Contains(msg, "invalid"):
		return FailureReasonInvalidData
	case strings.Contains(msg, "api"), strings.Contains(msg, "http "), strings.Contains(msg, "status 5"):
		return FailureReasonExternalAPIError
	default:
		return FailureReasonInternalError
	}
}

// ResultForFailure picks the idempotency-record outcome for a classified
// failure while attempts remain (retryable) or not (terminal).
func ResultForFailure(reason FailureReason, retryScheduled bool) ProcessingResult {
	switch {
	case reason == FailureReasonRateLimit && retryScheduled:
		return ProcessingResultRateLimited
	case reason == FailureReasonAuthError:
		return ProcessingResultAuthFailure
	case retryScheduled:
		return ProcessingResultTemporaryFailure
	default:
		return ProcessingResultPermanentFailure
	}
}

func reliabilityErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureReliabilityErrorEnvelope(richErr)
	}

	switch CategorizeFailure(err) {
	case FailureReasonRateLimit:
		return newReliabilityError(err.Error(), goerrors.CategoryRateLimit, ReliabilityErrorRateLimited)
	case FailureReasonAuthError, FailureReasonTenantIsolation:
		return newReliabilityError(err.Error(), goerrors.CategoryAuthz, ReliabilityErrorAuthFailed)
	case FailureReasonInvalidData:
		return newReliabilityError(err.Error(), goerrors.CategoryBadInput, ReliabilityErrorBadInput)
	case FailureReasonTimeout, FailureReasonNetworkError, FailureReasonExternalAPIError:
		return newReliabilityError(err.Error(), goerrors.CategoryExternal, ReliabilityErrorProcessorFailed)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureReliabilityErrorEnvelope(mapped)
}

func newReliabilityError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureReliabilityErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureReliabilityErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = reliabilityHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultReliabilityTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultReliabilityTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ReliabilityErrorBadInput
	case goerrors.CategoryNotFound:
		return ReliabilityErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ReliabilityErrorAuthFailed
	case goerrors.CategoryConflict:
		return ReliabilityErrorDuplicate
	case goerrors.CategoryRateLimit:
		return ReliabilityErrorRateLimited
	case goerrors.CategoryExternal:
		return ReliabilityErrorProcessorFailed
	default:
		return ReliabilityErrorInternal
	}
}

func reliabilityHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
