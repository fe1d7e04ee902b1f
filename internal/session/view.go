package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// SectionProgress is the answered/total count of one section.
type SectionProgress struct {
	Answered  int  `json:"answered"`
	Total     int  `json:"total"`
	Submitted bool `json:"submitted"`
}

// View is everything the candidate UI renders.
type View struct {
	AttemptID         string              `json:"attempt_id"`
	TestID            string              `json:"test_id,omitempty"`
	Title             string              `json:"title,omitempty"`
	Phase             model.Phase         `json:"phase"`
	Status            model.AttemptStatus `json:"status"`
	ProctoringEnabled bool                `json:"proctoring_enabled"`
	Resumed           bool                `json:"resumed"`

	Deadline    time.Time `json:"deadline,omitempty"`
	RemainingMs int64     `json:"remaining_ms"`

	Mcq        SectionProgress                   `json:"mcq"`
	Coding     SectionProgress                   `json:"coding"`
	Challenges []model.ChallengeSubmissionRecord `json:"challenges,omitempty"`

	Warnings    int                `json:"warnings"`
	Threshold   int                `json:"threshold"`
	LastWarning *violation.Warning `json:"last_warning,omitempty"`

	CurrentView string `json:"current_view,omitempty"`
	// IncompleteSections feeds the final-submit confirmation. It warns, it
	// never blocks.
	IncompleteSections []string `json:"incomplete_sections,omitempty"`

	Result    *model.FinalResult `json:"result,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

// View snapshots the controller for the UI.
func (c *Controller) View() View {
	now := c.opts.Clock()

	c.mu.Lock()
	v := View{
		AttemptID:   c.attemptID,
		Phase:       c.phase,
		Resumed:     c.resumed,
		Threshold:   c.opts.WarningThreshold,
		LastWarning: c.lastWarning,
		CurrentView: c.view,
		Result:      c.result,
	}
	if c.finalErr != nil {
		v.LastError = c.finalErr.Error()
	}
	def := c.def
	c.mu.Unlock()

	v.Status = c.status()
	if def == nil {
		return v
	}
	v.TestID = def.TestID
	v.Title = def.Title
	v.ProctoringEnabled = def.ProctoringEnabled

	if c.timer != nil {
		v.Deadline = c.timer.Deadline()
		v.RemainingMs = c.timer.Remaining(now).Milliseconds()
	}

	answered, total := c.mcq.Counts()
	v.Mcq = SectionProgress{Answered: answered, Total: total, Submitted: c.mcq.Submitted()}
	answered, total = c.code.Counts()
	v.Coding = SectionProgress{Answered: answered, Total: total, Submitted: c.code.Submitted()}
	v.Challenges = c.coord.Records()
	v.Warnings = c.monitor.Record().WarningCount

	if v.Mcq.Total > 0 && !v.Mcq.Submitted {
		v.IncompleteSections = append(v.IncompleteSections, config.SectionMCQ)
	}
	if v.Coding.Total > 0 && !c.coord.SectionComplete() {
		v.IncompleteSections = append(v.IncompleteSections, config.SectionCoding)
	}
	return v
}

func (c *Controller) status() model.AttemptStatus {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	switch phase {
	case model.PhaseCompleted:
		return model.AttemptStatusCompleted
	case model.PhaseExpired:
		return model.AttemptStatusExpired
	case model.PhaseActive, model.PhaseSubmitting:
		if c.mcq != nil && c.mcq.Submitted() {
			return model.AttemptStatusMcqSubmitted
		}
		return model.AttemptStatusInProgress
	}
	return model.AttemptStatusNotStarted
}
