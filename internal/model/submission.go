package model

// ChallengeStatus is the submit lifecycle of one coding challenge.
type ChallengeStatus string

const (
	ChallengeIdle       ChallengeStatus = "IDLE"
	ChallengeSubmitting ChallengeStatus = "SUBMITTING"
	ChallengeSubmitted  ChallengeStatus = "SUBMITTED"
)

// ExecStatus values reported by the execution backend.
const (
	ExecStatusOK                = "OK"
	ExecStatusCompileError      = "COMPILE_ERROR"
	ExecStatusRuntimeError      = "RUNTIME_ERROR"
	ExecStatusTimeLimitExceeded = "TIME_LIMIT_EXCEEDED"
)

// ExecRequest is a single code execution.
type ExecRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

// ExecResult is what the execution backend returns for one run.
type ExecResult struct {
	Output   string  `json:"output"`
	Error    string  `json:"error,omitempty"`
	TimeMs   float64 `json:"time_ms"`
	MemoryKB int     `json:"memory_kb"`
	Status   string  `json:"status"`
}

// CaseResult is the outcome of one test case.
type CaseResult struct {
	CaseID   string  `json:"case_id"`
	Passed   bool    `json:"passed"`
	Visible  bool    `json:"visible"`
	Output   string  `json:"output,omitempty"`
	Error    string  `json:"error,omitempty"`
	Status   string  `json:"status"`
	TimeMs   float64 `json:"time_ms"`
	MemoryKB int     `json:"memory_kb"`
}

// ChallengeSubmissionRecord tracks one challenge's runs and submission.
type ChallengeSubmissionRecord struct {
	ChallengeID string          `json:"challenge_id"`
	Status      ChallengeStatus `json:"status"`
	LastRun     []CaseResult    `json:"last_run,omitempty"`
	BestScore   float64         `json:"best_score"`
}

// SubmissionState is the persisted submit progress of an attempt, restored
// on reload so a submitted challenge stays submitted.
type SubmissionState struct {
	McqScore   float64                              `json:"mcq_score"`
	Challenges map[string]ChallengeSubmissionRecord `json:"challenges"`
}

// McqResult is the scoring backend's reply to a batch submit.
type McqResult struct {
	TotalScore float64 `json:"total_score"`
}

// SubmitChallengeRequest posts one challenge's full-case results.
type SubmitChallengeRequest struct {
	AttemptID   string       `json:"attempt_id"`
	ChallengeID string       `json:"challenge_id"`
	Code        string       `json:"code"`
	Language    string       `json:"language"`
	Results     []CaseResult `json:"test_case_results"`
}

// ChallengeResult is the scoring backend's reply to a challenge submit.
type ChallengeResult struct {
	ChallengeScore float64 `json:"challenge_score"`
	SectionStatus  string  `json:"section_status"`
}
