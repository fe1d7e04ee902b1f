package model

// AnalyticsSnapshot is the behavioural telemetry of one attempt.
type AnalyticsSnapshot struct {
	TimePerQuestionMs map[string]int64           `json:"time_per_question_ms"`
	ChangeCounts      map[string]int             `json:"change_counts"`
	Skipped           map[string]bool            `json:"skipped"`
	Challenges        map[string]ChallengeCounts `json:"challenges"`
	TotalWarnings     int                        `json:"total_warnings"`
}

// ChallengeCounts tracks compile/run/submit activity for one challenge.
type ChallengeCounts struct {
	Runs          int `json:"runs"`
	Submits       int `json:"submits"`
	CompileErrors int `json:"compile_errors"`
}

// NewAnalyticsSnapshot returns an empty snapshot with all maps allocated.
func NewAnalyticsSnapshot() AnalyticsSnapshot {
	return AnalyticsSnapshot{
		TimePerQuestionMs: make(map[string]int64),
		ChangeCounts:      make(map[string]int),
		Skipped:           make(map[string]bool),
		Challenges:        make(map[string]ChallengeCounts),
	}
}

// Clone deep-copies the snapshot.
func (s AnalyticsSnapshot) Clone() AnalyticsSnapshot {
	out := NewAnalyticsSnapshot()
	for k, v := range s.TimePerQuestionMs {
		out.TimePerQuestionMs[k] = v
	}
	for k, v := range s.ChangeCounts {
		out.ChangeCounts[k] = v
	}
	for k, v := range s.Skipped {
		out.Skipped[k] = v
	}
	for k, v := range s.Challenges {
		out.Challenges[k] = v
	}
	out.TotalWarnings = s.TotalWarnings
	return out
}
