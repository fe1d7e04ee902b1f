package model

import (
	"encoding/json"
	"time"
)

// AnswerEntry is one accepted answer change, journaled for durable storage.
// An entry with Cleared set removes the stored answer.
type AnswerEntry struct {
	AttemptID string          `json:"attempt_id"`
	TestID    string          `json:"test_id"`
	Section   string          `json:"section"`
	ItemID    string          `json:"item_id"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Cleared   bool            `json:"cleared"`
	SavedAt   time.Time       `json:"saved_at"`
}

// MonitorEventType tags messages on a test's live monitor channel.
type MonitorEventType string

const (
	MonitorViolation MonitorEventType = "violation"
	MonitorStatus    MonitorEventType = "status"
	MonitorAnswer    MonitorEventType = "answer"
	MonitorFinalized MonitorEventType = "finalized"
)

// MonitorEvent is published to proctors watching a test.
type MonitorEvent struct {
	Type      MonitorEventType `json:"type"`
	AttemptID string           `json:"attempt_id"`
	TestID    string           `json:"test_id"`
	Data      interface{}      `json:"data,omitempty"`
	At        time.Time        `json:"at"`
}

// AttemptProgress is one row of the proctor snapshot.
type AttemptProgress struct {
	AttemptID      string   `json:"attempt_id"`
	AnsweredCount  int64    `json:"answered_count"`
	ViolationCount int64    `json:"violation_count"`
	WarningCount   int64    `json:"warning_count"`
	Finalized      bool     `json:"finalized"`
	TotalScore     *float64 `json:"total_score,omitempty"`
}
