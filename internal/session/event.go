package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// EventType tags server-pushed events.
type EventType string

const (
	EventTick            EventType = "tick"
	EventPhase           EventType = "phase"
	EventWarning         EventType = "warning"
	EventSectionComplete EventType = "section_complete"
	EventFinalizeFailed  EventType = "finalize_failed"
	EventFinalized       EventType = "finalized"
)

// Event is pushed to the candidate's client.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// TickData carries the countdown.
type TickData struct {
	RemainingMs int64     `json:"remaining_ms"`
	Deadline    time.Time `json:"deadline"`
}

// PhaseData carries a phase change.
type PhaseData struct {
	Phase  model.Phase          `json:"phase"`
	Reason model.FinalizeReason `json:"reason,omitempty"`
}

// WarningData is the live warning banner.
type WarningData struct {
	violation.Warning
	Threshold int `json:"threshold"`
}

// SectionCompleteData names the completed section.
type SectionCompleteData struct {
	Section string `json:"section"`
}

// FinalizeFailedData tells the client whether a manual retry remains.
type FinalizeFailedData struct {
	Error    string `json:"error"`
	CanRetry bool   `json:"can_retry"`
}
