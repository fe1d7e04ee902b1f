// Package session runs one candidate's proctored attempt. The Controller
// composes the deadline timer, violation monitor, proctoring feed, section
// stores, analytics and submission coordinator, and ends the attempt through
// a single-shot finalize.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/analytics"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/section"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/submission"
	"github.com/stemsi/exstem-proctor/internal/timer"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

var (
	ErrNotLoaded          = errors.New("session: test not loaded")
	ErrNotActive          = errors.New("session: attempt is not active")
	ErrCapabilityDenied   = errors.New("session: required capability denied")
	ErrFinalizeInProgress = errors.New("session: final submit in progress")
	ErrRetryExhausted     = errors.New("session: final submit retry exhausted")
	ErrFinalSubmitFailed  = errors.New("session: final submit failed")
	ErrSuspended          = errors.New("session: controller suspended")
	ErrInvalidViolation   = errors.New("session: unknown violation kind")
)

// maxFinalizeAttempts is the first try plus one manual retry.
const maxFinalizeAttempts = 2

// ResultSink journals the final result for durable storage.
type ResultSink interface {
	EnqueueResult(ctx context.Context, r model.FinalResult) error
}

// AnswerJournal receives every accepted answer change.
type AnswerJournal interface {
	JournalAnswer(ctx context.Context, e model.AnswerEntry)
}

// Capabilities are scoped to the Active phase: acquired on Begin, released
// on finalize.
type Capabilities struct {
	Feed       proctoring.FrameSource
	Classifier proctoring.Classifier
	Fullscreen violation.Fullscreen
}

// Options configures a Controller.
type Options struct {
	Clock             func() time.Time
	TickInterval      time.Duration
	WarningCooldown   time.Duration
	WarningThreshold  int
	FullscreenRetries int
	PersistDebounce   time.Duration
	AnalyticsInterval time.Duration

	Recorder violation.Recorder
	Results  ResultSink
	Journal  AnswerJournal

	// OnEvent receives every server-pushed event. It must not block.
	OnEvent func(Event)
	// OnFinalized fires once after a successful finalize.
	OnFinalized func(model.FinalResult)
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.WarningThreshold <= 0 {
		o.WarningThreshold = violation.DefaultThreshold
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = 500 * time.Millisecond
	}
}

// Controller is the state machine of one attempt.
type Controller struct {
	attemptID string
	st        store.Store
	be        backend.Backend
	caps      Capabilities
	opts      Options
	log       zerolog.Logger

	// Set once by Load.
	def     *model.TestDefinition
	deb     *store.Debouncer
	timer   *timer.Timer
	monitor *violation.Monitor
	adapter *proctoring.Adapter
	mcq     *section.Store[model.McqAnswer]
	code    *section.Store[model.CodeAnswer]
	agg     *analytics.Aggregator
	coord   *submission.Coordinator

	mu          sync.Mutex
	phase       model.Phase
	resumed     bool
	view        string
	lastWarning *violation.Warning
	suspended   bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
	finals     sync.WaitGroup

	// finalize latch
	finalizing  bool
	attempts    int
	reason      model.FinalizeReason
	pending     *model.FinalResult
	result      *model.FinalResult
	finalErr    error
	teardownRan bool
}

// NewController creates a controller in the Loading phase.
func NewController(attemptID string, st store.Store, be backend.Backend, caps Capabilities, opts Options, log zerolog.Logger) *Controller {
	opts.defaults()
	loopCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		attemptID:  attemptID,
		st:         st,
		be:         be,
		caps:       caps,
		opts:       opts,
		log:        logger.ForAttempt(log, "session", attemptID),
		phase:      model.PhaseLoading,
		loopCtx:    loopCtx,
		loopCancel: cancel,
	}
}

// AttemptID returns the attempt this controller runs.
func (c *Controller) AttemptID() string { return c.attemptID }

// Phase returns the current phase.
func (c *Controller) Phase() model.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Definition returns the loaded test, nil before Load.
func (c *Controller) Definition() *model.TestDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

// Load fetches the test, builds every component and restores persisted
// attempt state filtered against the fresh definition.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != model.PhaseLoading || c.def != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	def, err := c.be.LoadTest(ctx, c.attemptID)
	if err != nil {
		return fmt.Errorf("load test: %w", err)
	}
	if def.DurationMinutes <= 0 {
		return fmt.Errorf("load test: %w", timer.ErrInvalidDuration)
	}

	keys := config.CacheKey
	deb := store.NewDebouncer(c.st, c.opts.PersistDebounce, c.log)

	c.timer = timer.New(c.st, timer.Options{
		Key:      keys.AttemptDeadlineKey(c.attemptID),
		Interval: c.opts.TickInterval,
		Clock:    c.opts.Clock,
		OnTick:   c.onTick,
		OnExpire: func() { c.autoFinalize(model.FinalizeReasonExpired) },
	}, c.log)

	c.monitor = violation.New(c.st, violation.Options{
		AttemptID:         c.attemptID,
		TestID:            def.TestID,
		Key:               keys.AttemptViolationsKey(c.attemptID),
		Cooldown:          c.opts.WarningCooldown,
		Threshold:         c.opts.WarningThreshold,
		FullscreenRetries: c.opts.FullscreenRetries,
		Clock:             c.opts.Clock,
		OnWarning:         c.onWarning,
		OnForceSubmit:     c.forceSubmit,
		Fullscreen:        c.caps.Fullscreen,
		Recorder:          c.opts.Recorder,
		Debouncer:         deb,
	}, c.log)

	c.mcq = section.New[model.McqAnswer](config.SectionMCQ, def.McqQuestionIDs(), c.st,
		section.Options{Key: keys.AttemptAnswersKey(c.attemptID, config.SectionMCQ), Debouncer: deb}, c.log)
	c.code = section.New[model.CodeAnswer](config.SectionCoding, def.ChallengeIDs(), c.st,
		section.Options{Key: keys.AttemptAnswersKey(c.attemptID, config.SectionCoding), Debouncer: deb}, c.log)

	c.agg = analytics.New(c.st, c.be, analytics.Options{
		AttemptID: c.attemptID,
		Key:       keys.AttemptAnalyticsKey(c.attemptID),
		Interval:  c.opts.AnalyticsInterval,
		Clock:     c.opts.Clock,
	}, c.log)

	c.coord = submission.New(c.be, def, c.mcq, c.code, submission.Options{
		AttemptID: c.attemptID,
		Key:       keys.AttemptSubmissionsKey(c.attemptID),
		Store:     c.st,
		Debouncer: deb,
		OnRun:     c.agg.RecordRun,
		OnSubmit:  c.agg.RecordSubmit,
		OnSectionComplete: func() {
			c.emit(Event{Type: EventSectionComplete, Data: SectionCompleteData{Section: config.SectionCoding}})
		},
	}, c.log)

	if def.ProctoringEnabled {
		if c.caps.Feed == nil {
			c.log.Warn().Msg("Proctoring enabled but no camera feed attached")
		} else {
			c.adapter = proctoring.NewAdapter(c.caps.Feed, c.caps.Classifier, c.monitor, proctoring.Options{Clock: c.opts.Clock}, c.log)
		}
	}

	c.restore(ctx, def)
	c.wireSubscriptions(def.TestID)

	c.mu.Lock()
	c.def = def
	c.deb = deb
	c.phase = model.PhaseInstructions
	c.mu.Unlock()

	c.log.Info().
		Str("test_id", def.TestID).
		Bool("proctoring", def.ProctoringEnabled).
		Bool("resumed", c.resumed).
		Msg("Test loaded")
	c.emit(Event{Type: EventPhase, Data: PhaseData{Phase: model.PhaseInstructions}})
	return nil
}

// restore never fails the load: unreadable state is logged and skipped.
func (c *Controller) restore(ctx context.Context, def *model.TestDefinition) {
	if _, err := c.st.Get(ctx, config.CacheKey.AttemptDeadlineKey(c.attemptID)); err == nil {
		c.resumed = true
	}
	if err := c.mcq.Restore(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Restore MCQ answers")
	}
	if err := c.code.Restore(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Restore coding answers")
	}
	if err := c.coord.Restore(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Restore submission state")
	}
	if err := c.monitor.Restore(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Restore violation record")
	}
	if err := c.agg.Restore(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Restore analytics")
	}
	c.agg.SeedAnswered(c.mcq.Answered())
	c.agg.SeedAnswered(c.code.Answered())
	c.agg.SetWarnings(c.monitor.Record().WarningCount)

	if raw, err := c.st.Get(ctx, config.CacheKey.AttemptViewKey(c.attemptID)); err == nil {
		c.view = string(raw)
	}
}

func (c *Controller) wireSubscriptions(testID string) {
	c.mcq.Subscribe(func(ch section.Change[model.McqAnswer]) {
		c.agg.RecordAnswer(ch.ID, !ch.Current.Empty())
		c.journal(testID, config.SectionMCQ, ch.ID, ch.Current, ch.Current.Empty())
	})
	c.code.Subscribe(func(ch section.Change[model.CodeAnswer]) {
		c.agg.RecordAnswer(ch.ID, !ch.Current.Empty())
		c.journal(testID, config.SectionCoding, ch.ID, ch.Current, ch.Current.Empty())
	})
}

func (c *Controller) journal(testID, sectionName, itemID string, answer interface{}, cleared bool) {
	if c.opts.Journal == nil {
		return
	}
	e := model.AnswerEntry{
		AttemptID: c.attemptID,
		TestID:    testID,
		Section:   sectionName,
		ItemID:    itemID,
		Cleared:   cleared,
		SavedAt:   c.opts.Clock().UTC(),
	}
	if !cleared {
		raw, err := json.Marshal(answer)
		if err != nil {
			c.log.Warn().Err(err).Str("item_id", itemID).Msg("Encode journaled answer")
			return
		}
		e.Answer = raw
	}
	c.opts.Journal.JournalAnswer(c.loopCtx, e)
}

// Begin moves Instructions → Active. With proctoring enabled the camera feed
// must be granted first; a denial keeps the attempt in Instructions.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.suspended:
		c.mu.Unlock()
		return ErrSuspended
	case c.phase == model.PhaseLoading:
		c.mu.Unlock()
		return ErrNotLoaded
	case c.phase == model.PhaseActive:
		c.mu.Unlock()
		return nil
	case c.phase != model.PhaseInstructions:
		c.mu.Unlock()
		return ErrNotActive
	}
	def := c.def
	c.mu.Unlock()

	if def.ProctoringEnabled {
		if c.adapter == nil {
			return fmt.Errorf("%w: camera feed not attached", ErrCapabilityDenied)
		}
		if err := c.adapter.Acquire(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Camera feed denied")
			return fmt.Errorf("%w: %v", ErrCapabilityDenied, err)
		}
	}

	deadline, err := c.timer.Start(ctx, def.Duration())
	if err != nil {
		c.releaseCapabilities()
		return fmt.Errorf("start timer: %w", err)
	}

	c.mu.Lock()
	if c.phase != model.PhaseInstructions || c.suspended {
		c.mu.Unlock()
		return nil
	}
	c.phase = model.PhaseActive
	loopCtx := c.loopCtx
	c.mu.Unlock()

	c.log.Info().Time("deadline", deadline).Msg("Attempt active")
	c.emit(Event{Type: EventPhase, Data: PhaseData{Phase: model.PhaseActive}})

	c.startLoop(func() { c.timer.Run(loopCtx) })
	c.startLoop(func() { c.agg.Run(loopCtx) })
	if c.adapter != nil {
		c.startLoop(func() {
			if err := c.adapter.Run(loopCtx); err != nil {
				c.log.Warn().Err(err).Msg("Proctoring loop stopped")
			}
		})
	}

	// A restored record already past the threshold finalizes immediately.
	c.monitor.Start()
	return nil
}

func (c *Controller) startLoop(fn func()) {
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		fn()
	}()
}

func (c *Controller) requireActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.suspended:
		return ErrSuspended
	case c.phase == model.PhaseLoading:
		return ErrNotLoaded
	case c.phase != model.PhaseActive:
		return ErrNotActive
	}
	return nil
}

// SetMcqAnswer records the selection for a question.
func (c *Controller) SetMcqAnswer(questionID string, selected []string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	return c.mcq.SetAnswer(questionID, model.McqAnswer{SelectedOptions: selected})
}

// SetCode records the current source for a challenge. A challenge being
// submitted or already submitted is frozen.
func (c *Controller) SetCode(challengeID, code, language string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	return c.coord.SetCode(challengeID, model.CodeAnswer{Code: code, Language: language})
}

// Navigate moves the candidate's focus to a question or challenge.
func (c *Controller) Navigate(itemID string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if !c.mcq.Contains(itemID) && !c.code.Contains(itemID) {
		return section.ErrUnknownItem
	}
	c.agg.Focus(itemID)
	return nil
}

// SetView persists the candidate's current UI sub-view.
func (c *Controller) SetView(view string) error {
	c.mu.Lock()
	if c.suspended || c.phase.Terminal() || c.deb == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.view = view
	deb := c.deb
	c.mu.Unlock()
	deb.Put(config.CacheKey.AttemptViewKey(c.attemptID), []byte(view))
	return nil
}

// ReportViolation feeds one integrity signal to the monitor. It returns
// whether the signal counted as a new warning.
func (c *Controller) ReportViolation(kind model.ViolationKind, detail string) (bool, error) {
	if !kind.Valid() {
		return false, ErrInvalidViolation
	}
	if err := c.requireActive(); err != nil {
		return false, err
	}
	return c.monitor.Report(kind, detail), nil
}

// SubmitMcq posts the MCQ batch.
func (c *Controller) SubmitMcq(ctx context.Context) (model.McqResult, error) {
	if err := c.requireActive(); err != nil {
		return model.McqResult{}, err
	}
	return c.coord.SubmitMcq(ctx)
}

// RunChallenge runs the current code against the visible cases.
func (c *Controller) RunChallenge(ctx context.Context, challengeID string) ([]model.CaseResult, error) {
	if err := c.requireActive(); err != nil {
		return nil, err
	}
	return c.coord.RunChallenge(ctx, challengeID)
}

// SubmitChallenge submits one challenge against every case.
func (c *Controller) SubmitChallenge(ctx context.Context, challengeID string) (model.ChallengeResult, error) {
	if err := c.requireActive(); err != nil {
		return model.ChallengeResult{}, err
	}
	return c.coord.SubmitChallenge(ctx, challengeID)
}

// SubmitFinal is the candidate's confirmed final submit. Incomplete sections
// do not block it.
func (c *Controller) SubmitFinal(ctx context.Context) (*model.FinalResult, error) {
	return c.Finalize(ctx, model.FinalizeReasonUser)
}

// forceSubmit runs off the caller's goroutine: the violation that crosses
// the threshold arrives on the connection's read loop or the proctoring
// loop, and neither may wait on the final submit.
func (c *Controller) forceSubmit() {
	c.finals.Add(1)
	go func() {
		defer c.finals.Done()
		c.autoFinalize(model.FinalizeReasonForceSubmit)
	}()
}

func (c *Controller) autoFinalize(reason model.FinalizeReason) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := c.Finalize(ctx, reason); err != nil && !errors.Is(err, ErrFinalizeInProgress) {
		c.log.Error().Err(err).Str("reason", string(reason)).Msg("Automatic final submit failed")
	}
}

// Finalize ends the attempt. The body runs once no matter how many triggers
// fire; after a completed finalize every call returns the same result. A
// failed network submit may be retried exactly once more.
func (c *Controller) Finalize(ctx context.Context, reason model.FinalizeReason) (*model.FinalResult, error) {
	c.mu.Lock()
	switch {
	case c.result != nil:
		res := c.result
		c.mu.Unlock()
		return res, nil
	case c.suspended:
		c.mu.Unlock()
		return nil, ErrSuspended
	case c.phase == model.PhaseLoading:
		c.mu.Unlock()
		return nil, ErrNotLoaded
	case !c.teardownRan && c.phase != model.PhaseActive:
		c.mu.Unlock()
		return nil, ErrNotActive
	case c.finalizing:
		c.mu.Unlock()
		return nil, ErrFinalizeInProgress
	case c.attempts >= maxFinalizeAttempts:
		err := c.finalErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrRetryExhausted, err)
	}
	c.finalizing = true
	c.attempts++
	first := !c.teardownRan
	c.teardownRan = true
	if first {
		c.reason = reason
		c.phase = model.PhaseSubmitting
	}
	reason = c.reason
	c.mu.Unlock()

	if first {
		c.log.Info().Str("reason", string(reason)).Msg("Finalizing attempt")
		c.emit(Event{Type: EventPhase, Data: PhaseData{Phase: model.PhaseSubmitting, Reason: reason}})
		c.teardown(ctx, reason)
	}

	c.mu.Lock()
	pending := *c.pending
	c.mu.Unlock()

	err := c.be.SubmitFinal(ctx, pending)

	c.mu.Lock()
	c.finalizing = false
	if err != nil {
		c.finalErr = err
		canRetry := c.attempts < maxFinalizeAttempts
		c.mu.Unlock()

		c.log.Error().Err(err).Bool("can_retry", canRetry).Msg("Final submit failed")
		c.emit(Event{Type: EventFinalizeFailed, Data: FinalizeFailedData{Error: err.Error(), CanRetry: canRetry}})
		if !canRetry {
			c.journalResult(ctx, pending)
		}
		return nil, fmt.Errorf("%w: %v", ErrFinalSubmitFailed, err)
	}
	pending.Delivered = true
	c.result = &pending
	c.finalErr = nil
	if reason == model.FinalizeReasonExpired {
		c.phase = model.PhaseExpired
	} else {
		c.phase = model.PhaseCompleted
	}
	phase := c.phase
	c.mu.Unlock()

	c.deb.Close()
	if err := c.st.Delete(ctx, config.CacheKey.AttemptKeys(c.attemptID)...); err != nil {
		c.log.Warn().Err(err).Msg("Clear attempt state")
	}
	c.journalResult(ctx, pending)

	c.log.Info().
		Str("phase", string(phase)).
		Float64("total_score", pending.TotalScore).
		Int("warnings", pending.WarningCount).
		Msg("Attempt finalized")
	c.emit(Event{Type: EventPhase, Data: PhaseData{Phase: phase, Reason: reason}})
	c.emit(Event{Type: EventFinalized, Data: pending})
	if c.opts.OnFinalized != nil {
		c.opts.OnFinalized(pending)
	}
	return &pending, nil
}

// teardown latches every component, stops the loops, releases capabilities,
// flushes analytics once and computes the combined result.
func (c *Controller) teardown(ctx context.Context, reason model.FinalizeReason) {
	c.coord.Close()
	c.monitor.Close()
	c.timer.Stop()
	c.loopCancel()
	c.releaseCapabilities()

	if err := c.deb.Flush(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Flush attempt state")
	}
	// Best effort; a failure never blocks the final submit.
	_ = c.agg.Flush(ctx)

	mcqScore, challengeScores := c.coord.Scores()
	coding := 0.0
	for _, s := range challengeScores {
		coding += s
	}
	result := model.FinalResult{
		AttemptID:      c.attemptID,
		TestID:         c.def.TestID,
		Reason:         reason,
		McqScore:       mcqScore,
		CodingScore:    coding,
		ChallengeScore: challengeScores,
		TotalScore:     mcqScore + coding,
		TotalMarks:     c.def.TotalMarks,
		WarningCount:   c.monitor.Record().WarningCount,
		FinishedAt:     c.opts.Clock().UTC(),
	}

	c.mu.Lock()
	c.pending = &result
	c.mu.Unlock()
}

func (c *Controller) releaseCapabilities() {
	if c.adapter != nil {
		c.adapter.Release()
	}
}

func (c *Controller) journalResult(ctx context.Context, r model.FinalResult) {
	if c.opts.Results == nil {
		return
	}
	if err := c.opts.Results.EnqueueResult(ctx, r); err != nil {
		c.log.Error().Err(err).Msg("Journal final result")
	}
}

// Suspend tears the controller down without finalizing, as when the
// candidate's page goes away. Persisted state is flushed so a new controller
// resumes from it.
func (c *Controller) Suspend(ctx context.Context) {
	c.mu.Lock()
	if c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = true
	deb := c.deb
	c.mu.Unlock()

	c.loopCancel()
	if c.coord != nil {
		c.coord.Close()
		c.monitor.Close()
		c.timer.Stop()
		c.releaseCapabilities()
		if err := c.agg.Persist(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Persist analytics on suspend")
		}
	}
	if deb != nil {
		if err := deb.Flush(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Flush attempt state on suspend")
		}
		deb.Close()
	}
	c.loops.Wait()
	c.finals.Wait()
	c.log.Info().Msg("Session suspended")
}

func (c *Controller) onTick(remaining time.Duration) {
	c.emit(Event{Type: EventTick, Data: TickData{
		RemainingMs: remaining.Milliseconds(),
		Deadline:    c.timer.Deadline(),
	}})
}

func (c *Controller) onWarning(w violation.Warning) {
	c.mu.Lock()
	c.lastWarning = &w
	c.mu.Unlock()
	c.agg.SetWarnings(w.Count)
	c.emit(Event{Type: EventWarning, Data: WarningData{Warning: w, Threshold: c.opts.WarningThreshold}})
}

func (c *Controller) emit(e Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(e)
	}
}
