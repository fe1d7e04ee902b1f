package model

import "time"

// ViolationKind tags an integrity signal.
type ViolationKind string

const (
	ViolationTabHidden         ViolationKind = "tab_hidden"
	ViolationWindowBlur        ViolationKind = "window_blur"
	ViolationFullscreenExit    ViolationKind = "fullscreen_exit"
	ViolationCopy              ViolationKind = "copy"
	ViolationPaste             ViolationKind = "paste"
	ViolationDisallowedKey     ViolationKind = "disallowed_key"
	ViolationContextMenu       ViolationKind = "context_menu"
	ViolationDevTools          ViolationKind = "dev_tools"
	ViolationProctoringAlert   ViolationKind = "proctoring_alert"
	ViolationFullscreenRefused ViolationKind = "fullscreen_refused"
)

// Valid reports whether k is a known kind.
func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationTabHidden, ViolationWindowBlur, ViolationFullscreenExit,
		ViolationCopy, ViolationPaste, ViolationDisallowedKey, ViolationContextMenu,
		ViolationDevTools, ViolationProctoringAlert, ViolationFullscreenRefused:
		return true
	}
	return false
}

// ClientReportable reports whether a client may send k itself. Proctoring
// alerts and refused fullscreen are raised server-side only.
func (k ViolationKind) ClientReportable() bool {
	return k.Valid() && k != ViolationProctoringAlert && k != ViolationFullscreenRefused
}

// ViolationRecord is the attempt's running integrity state.
type ViolationRecord struct {
	WarningCount  int                   `json:"warning_count"`
	LastWarningAt time.Time             `json:"last_warning_at"`
	Kinds         map[ViolationKind]int `json:"kinds"`
}

// Violation is a single observed integrity event, counted or not.
type Violation struct {
	AttemptID  string        `json:"attempt_id"`
	TestID     string        `json:"test_id"`
	Kind       ViolationKind `json:"kind"`
	Detail     string        `json:"detail,omitempty"`
	Counted    bool          `json:"counted"`
	Count      int           `json:"warning_count"`
	OccurredAt time.Time     `json:"occurred_at"`
}
