package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden     ErrCode = "FORBIDDEN"
	ErrCandidateOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorOnly   ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrAttemptScope  ErrCode = "ATTEMPT_SCOPE_MISMATCH"
	ErrTestScope     ErrCode = "TEST_SCOPE_MISMATCH"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrAttemptNotLoaded   ErrCode = "ATTEMPT_NOT_LOADED"
	ErrAttemptNotActive   ErrCode = "ATTEMPT_NOT_ACTIVE"
	ErrAttemptSuspended   ErrCode = "ATTEMPT_SUSPENDED"
	ErrCapabilityDenied   ErrCode = "CAPABILITY_DENIED"
	ErrSubmitInFlight     ErrCode = "SUBMIT_IN_FLIGHT"
	ErrAlreadySubmitted   ErrCode = "ALREADY_SUBMITTED"
	ErrRunInFlight        ErrCode = "RUN_IN_FLIGHT"
	ErrUnknownItem        ErrCode = "UNKNOWN_ITEM"
	ErrNoCode             ErrCode = "NO_CODE"
	ErrFinalizeInProgress ErrCode = "FINALIZE_IN_PROGRESS"
	ErrFinalSubmitFailed  ErrCode = "FINAL_SUBMIT_FAILED"
	ErrRetryExhausted     ErrCode = "RETRY_EXHAUSTED"
	ErrInvalidViolation   ErrCode = "INVALID_VIOLATION"
	ErrBackendUnavailable ErrCode = "BACKEND_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "This attempt is already open on another device."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrCandidateOnly:
		return "This resource is restricted to candidates."
	case ErrProctorOnly:
		return "This resource is restricted to proctors."
	case ErrAttemptScope:
		return "The token does not grant access to this attempt."
	case ErrTestScope:
		return "The token does not grant access to this test."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrUnknownAction:
		return "Unknown action."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrAttemptNotLoaded:
		return "The attempt has not been loaded yet."
	case ErrAttemptNotActive:
		return "The attempt is not active."
	case ErrAttemptSuspended:
		return "The attempt was reopened elsewhere. Please reconnect."
	case ErrCapabilityDenied:
		return "Camera access is required to start this test."
	case ErrSubmitInFlight:
		return "A submission is already in progress."
	case ErrAlreadySubmitted:
		return "This section has already been submitted."
	case ErrRunInFlight:
		return "A run is already in progress for this challenge."
	case ErrUnknownItem:
		return "Unknown question or challenge."
	case ErrNoCode:
		return "Write some code before running or submitting."
	case ErrFinalizeInProgress:
		return "The attempt is being submitted."
	case ErrFinalSubmitFailed:
		return "The final submission could not be delivered. You may retry once."
	case ErrRetryExhausted:
		return "The final submission could not be delivered. Please contact your proctor."
	case ErrInvalidViolation:
		return "Unknown integrity event."
	case ErrBackendUnavailable:
		return "The scoring service is unavailable. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
