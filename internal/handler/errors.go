package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/section"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

// classify maps a domain error to an HTTP status and error code. Order
// matters: wrapped session errors are checked before the backend causes
// they carry.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, session.ErrRetryExhausted):
		return http.StatusConflict, response.ErrRetryExhausted
	case errors.Is(err, session.ErrFinalSubmitFailed):
		return http.StatusBadGateway, response.ErrFinalSubmitFailed
	case errors.Is(err, session.ErrFinalizeInProgress):
		return http.StatusConflict, response.ErrFinalizeInProgress
	case errors.Is(err, session.ErrCapabilityDenied):
		return http.StatusForbidden, response.ErrCapabilityDenied
	case errors.Is(err, session.ErrNotLoaded):
		return http.StatusConflict, response.ErrAttemptNotLoaded
	case errors.Is(err, session.ErrSuspended):
		return http.StatusConflict, response.ErrAttemptSuspended
	case errors.Is(err, session.ErrNotActive), errors.Is(err, submission.ErrClosed):
		return http.StatusConflict, response.ErrAttemptNotActive
	case errors.Is(err, session.ErrInvalidViolation):
		return http.StatusBadRequest, response.ErrInvalidViolation

	case errors.Is(err, submission.ErrSubmitInFlight), errors.Is(err, section.ErrSectionLocked):
		return http.StatusConflict, response.ErrSubmitInFlight
	case errors.Is(err, submission.ErrAlreadySubmitted), errors.Is(err, section.ErrSectionSubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, submission.ErrRunInFlight):
		return http.StatusConflict, response.ErrRunInFlight
	case errors.Is(err, submission.ErrUnknownChallenge), errors.Is(err, section.ErrUnknownItem):
		return http.StatusNotFound, response.ErrUnknownItem
	case errors.Is(err, submission.ErrNoCode):
		return http.StatusBadRequest, response.ErrNoCode

	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable, response.ErrBackendUnavailable
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, response.ErrBackendUnavailable
	}
	return http.StatusInternalServerError, response.ErrInternal
}
