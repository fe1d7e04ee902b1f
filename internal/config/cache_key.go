package config

import (
	"fmt"
)

// SectionKind names used in attempt answer keys.
const (
	SectionMCQ    = "mcq"
	SectionCoding = "coding"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptDeadlineKey holds the absolute deadline (unix millis), written once per attempt.
func (r *CacheKeyStruct) AttemptDeadlineKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:deadline", attemptID)
}

// AttemptAnswersKey holds one section's answer map.
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID, section string) string {
	return fmt.Sprintf("attempt:%s:answers:%s", attemptID, section)
}

// AttemptViolationsKey holds the serialized violation record.
func (r *CacheKeyStruct) AttemptViolationsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:violations", attemptID)
}

// AttemptAnalyticsKey holds the latest analytics snapshot.
func (r *CacheKeyStruct) AttemptAnalyticsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:analytics", attemptID)
}

// AttemptSubmissionsKey holds the MCQ score and per-challenge submit records.
func (r *CacheKeyStruct) AttemptSubmissionsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:submissions", attemptID)
}

// AttemptViewKey holds the candidate's current UI sub-view.
func (r *CacheKeyStruct) AttemptViewKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:view", attemptID)
}

// AttemptKeys lists every attempt-scoped key cleared on finalize.
func (r *CacheKeyStruct) AttemptKeys(attemptID string) []string {
	return []string{
		r.AttemptDeadlineKey(attemptID),
		r.AttemptAnswersKey(attemptID, SectionMCQ),
		r.AttemptAnswersKey(attemptID, SectionCoding),
		r.AttemptViolationsKey(attemptID),
		r.AttemptAnalyticsKey(attemptID),
		r.AttemptSubmissionsKey(attemptID),
		r.AttemptViewKey(attemptID),
	}
}

// TestMonitorChannel returns the Redis PubSub channel name for a test's live proctor monitor
func (r *CacheKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

var CacheKey = NewCacheKeyStruct()

// AttemptDeviceKey pins an attempt to the token id that first opened it.
func (r *CacheKeyStruct) AttemptDeviceKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:device", attemptID)
}
