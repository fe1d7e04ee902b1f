// Package analytics accumulates behavioural telemetry for one attempt:
// time per question, answer churn, skips and coding activity.
package analytics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

// DefaultInterval is the snapshot persistence period.
const DefaultInterval = 5 * time.Second

// Flusher delivers the final snapshot to the scoring backend.
type Flusher interface {
	FlushAnalytics(ctx context.Context, attemptID string, snap model.AnalyticsSnapshot) error
}

// Options configures an Aggregator.
type Options struct {
	AttemptID string
	// Key is where snapshots are persisted.
	Key      string
	Interval time.Duration
	Clock    func() time.Time
}

// Aggregator is the single owner of an attempt's AnalyticsSnapshot.
type Aggregator struct {
	st      store.Store
	flusher Flusher
	opts    Options
	log     zerolog.Logger

	// writeMu orders snapshot writes against Flush so no write lands
	// after the attempt is closed.
	writeMu sync.Mutex

	mu           sync.Mutex
	snap         model.AnalyticsSnapshot
	answered     map[string]bool
	focused      string
	focusedSince time.Time
	flushed      bool
	closed       bool
}

// New creates an Aggregator.
func New(st store.Store, flusher Flusher, opts Options, log zerolog.Logger) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Aggregator{
		st:       st,
		flusher:  flusher,
		opts:     opts,
		log:      log.With().Str("component", "analytics").Logger(),
		snap:     model.NewAnalyticsSnapshot(),
		answered: make(map[string]bool),
	}
}

// Restore merges a persisted snapshot, so counters survive a reload.
func (a *Aggregator) Restore(ctx context.Context) error {
	var snap model.AnalyticsSnapshot
	if err := store.GetJSON(ctx, a.st, a.opts.Key, &snap); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	restored := snap.Clone()
	for k, v := range a.snap.TimePerQuestionMs {
		restored.TimePerQuestionMs[k] += v
	}
	for k, v := range a.snap.ChangeCounts {
		restored.ChangeCounts[k] += v
	}
	for k, v := range a.snap.Skipped {
		restored.Skipped[k] = v
	}
	for k, v := range a.snap.Challenges {
		c := restored.Challenges[k]
		c.Runs += v.Runs
		c.Submits += v.Submits
		c.CompileErrors += v.CompileErrors
		restored.Challenges[k] = c
	}
	if a.snap.TotalWarnings > restored.TotalWarnings {
		restored.TotalWarnings = a.snap.TotalWarnings
	}
	a.snap = restored
	return nil
}

// SeedAnswered marks ids as already answered, typically after the section
// stores were restored.
func (a *Aggregator) SeedAnswered(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.answered[id] = true
	}
}

// Focus moves the candidate to question id, closing the time slice of the
// previous one. Leaving a question without an answer marks it skipped.
func (a *Aggregator) Focus(id string) {
	now := a.opts.Clock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || id == a.focused {
		return
	}
	a.closeSliceLocked(now)
	a.focused = id
	a.focusedSince = now
}

// Blur stops timing without focusing another question.
func (a *Aggregator) Blur() {
	now := a.opts.Clock()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeSliceLocked(now)
	a.focused = ""
}

func (a *Aggregator) closeSliceLocked(now time.Time) {
	if a.focused == "" {
		return
	}
	if d := now.Sub(a.focusedSince); d > 0 {
		a.snap.TimePerQuestionMs[a.focused] += d.Milliseconds()
	}
	if a.answered[a.focused] {
		delete(a.snap.Skipped, a.focused)
	} else {
		a.snap.Skipped[a.focused] = true
	}
}

// RecordAnswer notes an accepted answer change. Changing an existing answer
// counts as churn; the first answer does not.
func (a *Aggregator) RecordAnswer(id string, answered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.answered[id] {
		a.snap.ChangeCounts[id]++
	}
	if answered {
		a.answered[id] = true
		delete(a.snap.Skipped, id)
	} else {
		delete(a.answered, id)
	}
}

// RecordRun counts a run of the candidate's code.
func (a *Aggregator) RecordRun(challengeID string, compileError bool) {
	a.updateChallenge(challengeID, func(c *model.ChallengeCounts) {
		c.Runs++
		if compileError {
			c.CompileErrors++
		}
	})
}

// RecordSubmit counts a submission attempt.
func (a *Aggregator) RecordSubmit(challengeID string, compileError bool) {
	a.updateChallenge(challengeID, func(c *model.ChallengeCounts) {
		c.Submits++
		if compileError {
			c.CompileErrors++
		}
	})
}

func (a *Aggregator) updateChallenge(id string, fn func(*model.ChallengeCounts)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	c := a.snap.Challenges[id]
	fn(&c)
	a.snap.Challenges[id] = c
}

// SetWarnings records the violation monitor's current count.
func (a *Aggregator) SetWarnings(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.snap.TotalWarnings {
		a.snap.TotalWarnings = n
	}
}

// Snapshot returns the current telemetry including the open time slice.
func (a *Aggregator) Snapshot() model.AnalyticsSnapshot {
	now := a.opts.Clock()
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.snap.Clone()
	if a.focused != "" {
		if d := now.Sub(a.focusedSince); d > 0 {
			snap.TimePerQuestionMs[a.focused] += d.Milliseconds()
		}
	}
	return snap
}

// Persist writes the snapshot to the attempt store.
func (a *Aggregator) Persist(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil
	}
	return store.SetJSON(ctx, a.st, a.opts.Key, a.Snapshot())
}

// Run persists the snapshot every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Persist(ctx); err != nil {
				a.log.Warn().Err(err).Msg("Persist analytics snapshot")
			}
		}
	}
}

// Flush sends the final snapshot to the backend. Only the first call does
// anything; failure is logged and returned but never retried. A Persist
// already writing completes before Flush closes the aggregator.
func (a *Aggregator) Flush(ctx context.Context) error {
	now := a.opts.Clock()
	a.writeMu.Lock()
	a.mu.Lock()
	if a.flushed {
		a.mu.Unlock()
		a.writeMu.Unlock()
		return nil
	}
	a.flushed = true
	a.closeSliceLocked(now)
	a.focused = ""
	a.closed = true
	snap := a.snap.Clone()
	a.mu.Unlock()
	a.writeMu.Unlock()

	if a.flusher == nil {
		return nil
	}
	if err := a.flusher.FlushAnalytics(ctx, a.opts.AttemptID, snap); err != nil {
		a.log.Warn().Err(err).Msg("Analytics flush failed, continuing")
		return err
	}
	a.log.Debug().Int("questions", len(snap.TimePerQuestionMs)).Msg("Analytics flushed")
	return nil
}
