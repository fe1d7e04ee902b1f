// Package backend is the client side of the scoring and execution backend.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrNotFound    = errors.New("backend: not found")
	ErrUnavailable = errors.New("backend: unavailable")
)

// Backend is every operation the session consumes from the scoring backend.
type Backend interface {
	LoadTest(ctx context.Context, attemptRef string) (*model.TestDefinition, error)
	SubmitMcqBatch(ctx context.Context, attemptID string, items []model.McqSubmission) (model.McqResult, error)
	ExecuteCode(ctx context.Context, req model.ExecRequest) (model.ExecResult, error)
	SubmitChallenge(ctx context.Context, req model.SubmitChallengeRequest) (model.ChallengeResult, error)
	FlushAnalytics(ctx context.Context, attemptID string, snap model.AnalyticsSnapshot) error
	SubmitFinal(ctx context.Context, result model.FinalResult) error
}

// APIError is a non-2xx reply carrying the backend's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses onto sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == 404:
		return ErrNotFound
	case e.Status >= 500:
		return ErrUnavailable
	}
	return nil
}
