package model

import (
	"time"
)

// AttemptStatus enumerates the lifecycle of an assessment attempt.
type AttemptStatus string

const (
	AttemptStatusNotStarted   AttemptStatus = "NOT_STARTED"
	AttemptStatusInProgress   AttemptStatus = "IN_PROGRESS"
	AttemptStatusMcqSubmitted AttemptStatus = "MCQ_SUBMITTED"
	AttemptStatusCompleted    AttemptStatus = "COMPLETED"
	AttemptStatusExpired      AttemptStatus = "EXPIRED"
)

// Phase is the visible state of the session controller.
type Phase string

const (
	PhaseLoading      Phase = "LOADING"
	PhaseInstructions Phase = "INSTRUCTIONS"
	PhaseActive       Phase = "ACTIVE"
	PhaseSubmitting   Phase = "SUBMITTING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseExpired      Phase = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseExpired
}

// FinalizeReason records which exit ended the attempt.
type FinalizeReason string

const (
	FinalizeReasonExpired     FinalizeReason = "EXPIRED"
	FinalizeReasonForceSubmit FinalizeReason = "FORCE_SUBMIT"
	FinalizeReasonUser        FinalizeReason = "USER_SUBMIT"
)

// AssessmentSession is one candidate's attempt at a test.
type AssessmentSession struct {
	AttemptID string        `json:"attempt_id"`
	TestID    string        `json:"test_id"`
	Status    AttemptStatus `json:"status"`
	Deadline  time.Time     `json:"deadline"`
	// Section references.
	McqQuestionIDs []string `json:"mcq_question_ids"`
	ChallengeIDs   []string `json:"challenge_ids"`
}

// FinalResult is the combined outcome posted once an attempt ends.
type FinalResult struct {
	AttemptID      string             `json:"attempt_id"`
	TestID         string             `json:"test_id"`
	Reason         FinalizeReason     `json:"reason"`
	McqScore       float64            `json:"mcq_score"`
	CodingScore    float64            `json:"coding_score"`
	ChallengeScore map[string]float64 `json:"challenge_scores"`
	TotalScore     float64            `json:"total_score"`
	TotalMarks     float64            `json:"total_marks"`
	WarningCount   int                `json:"warning_count"`
	FinishedAt     time.Time          `json:"finished_at"`
	// Delivered is false when the backend never acknowledged the result.
	Delivered bool `json:"delivered"`
}
