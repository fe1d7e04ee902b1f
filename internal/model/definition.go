package model

import "time"

// TestDefinition is the loaded content of a test, as served by the scoring backend.
type TestDefinition struct {
	AttemptID         string       `json:"attempt_id"`
	TestID            string       `json:"test_id"`
	Title             string       `json:"title"`
	DurationMinutes   int          `json:"duration_minutes"`
	ProctoringEnabled bool         `json:"proctoring_enabled"`
	TotalMarks        float64      `json:"total_marks"`
	Sections          TestSections `json:"sections"`
}

// TestSections groups the two independent sections.
type TestSections struct {
	Mcq    []McqQuestion `json:"mcq"`
	Coding []Challenge   `json:"coding"`
}

// Duration returns the attempt length.
func (d *TestDefinition) Duration() time.Duration {
	return time.Duration(d.DurationMinutes) * time.Minute
}

// McqQuestionIDs returns question ids in presentation order.
func (d *TestDefinition) McqQuestionIDs() []string {
	ids := make([]string, len(d.Sections.Mcq))
	for i, q := range d.Sections.Mcq {
		ids[i] = q.ID
	}
	return ids
}

// ChallengeIDs returns challenge ids in presentation order.
func (d *TestDefinition) ChallengeIDs() []string {
	ids := make([]string, len(d.Sections.Coding))
	for i, c := range d.Sections.Coding {
		ids[i] = c.ID
	}
	return ids
}

// Challenge looks up a coding challenge by id.
func (d *TestDefinition) Challenge(id string) (*Challenge, bool) {
	for i := range d.Sections.Coding {
		if d.Sections.Coding[i].ID == id {
			return &d.Sections.Coding[i], true
		}
	}
	return nil, false
}

// McqQuestion is a multiple-choice question without its answer key.
type McqQuestion struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Options  []string `json:"options"`
	Multiple bool     `json:"multiple"`
	Marks    float64  `json:"marks"`
}

// Challenge is a coding problem with its test cases.
type Challenge struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Statement string     `json:"statement"`
	Languages []string   `json:"languages"`
	Marks     float64    `json:"marks"`
	TestCases []TestCase `json:"test_cases"`
}

// VisibleCases returns the cases shown to the candidate.
func (c *Challenge) VisibleCases() []TestCase {
	var out []TestCase
	for _, tc := range c.TestCases {
		if tc.Visible {
			out = append(out, tc)
		}
	}
	return out
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Visible        bool   `json:"visible"`
}

// CandidateCopy returns the definition as the candidate may see it: hidden
// test cases are removed from every challenge.
func (d *TestDefinition) CandidateCopy() TestDefinition {
	out := *d
	out.Sections.Mcq = append([]McqQuestion(nil), d.Sections.Mcq...)
	out.Sections.Coding = make([]Challenge, len(d.Sections.Coding))
	for i := range d.Sections.Coding {
		ch := d.Sections.Coding[i]
		ch.TestCases = ch.VisibleCases()
		out.Sections.Coding[i] = ch
	}
	return out
}
