package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/section"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/submission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type resultSink struct {
	mu      sync.Mutex
	results []model.FinalResult
}

func (s *resultSink) EnqueueResult(_ context.Context, r model.FinalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *resultSink) All() []model.FinalResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FinalResult(nil), s.results...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func definition(proctored bool) *model.TestDefinition {
	return &model.TestDefinition{
		AttemptID:         "att-1",
		TestID:            "t-1",
		Title:             "Algorithms midterm",
		DurationMinutes:   30,
		ProctoringEnabled: proctored,
		TotalMarks:        300,
		Sections: model.TestSections{
			Mcq: []model.McqQuestion{{ID: "q1"}, {ID: "q2"}, {ID: "q3"}, {ID: "q4"}, {ID: "q5"}},
			Coding: []model.Challenge{
				{ID: "c1", TestCases: []model.TestCase{
					{ID: "c1-1", Input: "1 2", ExpectedOutput: "3", Visible: true},
					{ID: "c1-2", Input: "2 2", ExpectedOutput: "4"},
				}},
			},
		},
	}
}

type memJournal struct {
	mu      sync.Mutex
	entries []model.AnswerEntry
}

func (j *memJournal) JournalAnswer(_ context.Context, e model.AnswerEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *memJournal) All() []model.AnswerEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.AnswerEntry(nil), j.entries...)
}

type env struct {
	st      *store.MemoryStore
	be      *backend.Fake
	clock   *fakeClock
	sink    *resultSink
	journal *memJournal
	events  *eventLog
}

func newEnv(def *model.TestDefinition) *env {
	return &env{
		st:      store.NewMemoryStore(),
		be:      backend.NewFake(def),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		sink:    &resultSink{},
		journal: &memJournal{},
		events:  &eventLog{},
	}
}

func (e *env) controller(t *testing.T, caps Capabilities) *Controller {
	t.Helper()
	c := NewController("att-1", e.st, e.be, caps, Options{
		Clock:             e.clock.Now,
		TickInterval:      time.Hour,
		AnalyticsInterval: time.Hour,
		PersistDebounce:   time.Hour,
		Results:           e.sink,
		Journal:           e.journal,
		OnEvent:           e.events.add,
	}, zerolog.Nop())
	t.Cleanup(func() { c.Suspend(context.Background()) })
	return c
}

func (e *env) active(t *testing.T) *Controller {
	t.Helper()
	c := e.controller(t, Capabilities{})
	require.NoError(t, c.Load(context.Background()))
	require.NoError(t, c.Begin(context.Background()))
	require.Equal(t, model.PhaseActive, c.Phase())
	return c
}

func (e *env) keysCleared(t *testing.T) {
	t.Helper()
	for _, k := range config.CacheKey.AttemptKeys("att-1") {
		_, err := e.st.Get(context.Background(), k)
		assert.ErrorIs(t, err, store.ErrNotFound, k)
	}
}

func TestLoadAndBegin(t *testing.T) {
	e := newEnv(definition(false))
	c := e.controller(t, Capabilities{})
	assert.Equal(t, model.PhaseLoading, c.Phase())
	assert.ErrorIs(t, c.Begin(context.Background()), ErrNotLoaded)

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, model.PhaseInstructions, c.Phase())
	assert.ErrorIs(t, c.SetMcqAnswer("q1", []string{"a"}), ErrNotActive)

	require.NoError(t, c.Begin(context.Background()))
	assert.Equal(t, model.PhaseActive, c.Phase())
	assert.Equal(t, model.AttemptStatusInProgress, c.View().Status)

	_, err := e.st.Get(context.Background(), config.CacheKey.AttemptDeadlineKey("att-1"))
	assert.NoError(t, err, "deadline persisted on begin")
}

func TestLoad_UnknownAttempt(t *testing.T) {
	e := newEnv(definition(false))
	c := NewController("missing", e.st, e.be, Capabilities{}, Options{}, zerolog.Nop())
	assert.ErrorIs(t, c.Load(context.Background()), backend.ErrNotFound)
	assert.Equal(t, model.PhaseLoading, c.Phase())
}

func TestBegin_ProctoringRequiresCamera(t *testing.T) {
	e := newEnv(definition(true))
	feed := proctoring.NewPushSource(4)
	c := e.controller(t, Capabilities{Feed: feed})
	require.NoError(t, c.Load(context.Background()))

	err := c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	assert.Equal(t, model.PhaseInstructions, c.Phase())

	feed.Grant()
	require.NoError(t, c.Begin(context.Background()))
	assert.Equal(t, model.PhaseActive, c.Phase())

	// Detections on the feed arrive as proctoring alerts.
	feed.Push(proctoring.Frame{At: e.clock.Now(), Detection: &proctoring.Detection{FaceCount: 2}})
	assert.Eventually(t, func() bool { return c.View().Warnings == 1 }, time.Second, time.Millisecond)
}

func TestBegin_ProctoringDisabledSkipsCamera(t *testing.T) {
	e := newEnv(definition(false))
	feed := proctoring.NewPushSource(4)
	c := e.controller(t, Capabilities{Feed: feed})
	require.NoError(t, c.Load(context.Background()))
	require.NoError(t, c.Begin(context.Background()))
	assert.False(t, feed.Granted())
}

func TestScenario_TwoOfFiveMcq(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)

	require.NoError(t, c.SetMcqAnswer("q1", []string{"a"}))
	require.NoError(t, c.SetMcqAnswer("q3", []string{"c"}))

	_, err := c.SubmitMcq(context.Background())
	require.NoError(t, err)

	batches := e.be.McqBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)

	assert.Error(t, c.SetMcqAnswer("q2", []string{"b"}))
	v := c.View()
	assert.True(t, v.Mcq.Submitted)
	assert.Equal(t, 2, v.Mcq.Answered)
	assert.Equal(t, model.AttemptStatusMcqSubmitted, v.Status)
}

func TestScenario_ThreeSpacedTabHiddenForcesSubmit(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	require.NoError(t, c.SetMcqAnswer("q1", []string{"a"}))
	require.NoError(t, c.SetView("coding"))

	for i := 0; i < 3; i++ {
		counted, err := c.ReportViolation(model.ViolationTabHidden, "")
		require.NoError(t, err)
		assert.True(t, counted)
		e.clock.Advance(5 * time.Second)
	}

	assert.Eventually(t, func() bool { return e.events.count(EventFinalized) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, model.PhaseCompleted, c.Phase())
	finals := e.be.Finals()
	require.Len(t, finals, 1)
	assert.Equal(t, model.FinalizeReasonForceSubmit, finals[0].Reason)
	assert.Equal(t, 3, finals[0].WarningCount)
	assert.Equal(t, 1, e.be.Calls(backend.OpFlushAnalytics))
	e.keysCleared(t)

	// Late signals never re-trigger.
	_, err := c.ReportViolation(model.ViolationTabHidden, "")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, 1, e.be.Calls(backend.OpSubmitFinal))
	assert.Equal(t, 3, e.events.count(EventWarning))
}

func TestFinalize_ConcurrentTriggersRunOnce(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	release := e.be.Block(backend.OpSubmitFinal)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.clock.Advance(31 * time.Minute)
		c.timer.Tick(e.clock.Now())
	}()
	go func() {
		defer wg.Done()
		c.autoFinalize(model.FinalizeReasonForceSubmit)
	}()
	go func() {
		defer wg.Done()
		_, _ = c.SubmitFinal(context.Background())
	}()

	assert.Eventually(t, func() bool { return e.be.Calls(backend.OpSubmitFinal) == 1 }, time.Second, time.Millisecond)
	release()
	wg.Wait()

	_, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, e.be.Calls(backend.OpSubmitFinal))
	assert.Equal(t, 1, e.be.Calls(backend.OpFlushAnalytics))
	assert.True(t, c.Phase().Terminal())
	assert.Len(t, e.sink.All(), 1)
	assert.Equal(t, 1, e.events.count(EventFinalized))
}

func TestFinalize_IdempotentOnceCompleted(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)

	r1, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)
	r2, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, model.FinalizeReasonUser, r1.Reason)
	assert.True(t, r1.Delivered)
	assert.Equal(t, 1, e.be.Calls(backend.OpSubmitFinal))
}

func TestFinalize_AllowedWithIncompleteSections(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)

	assert.Equal(t, []string{config.SectionMCQ, config.SectionCoding}, c.View().IncompleteSections)
	_, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, c.Phase())
}

func TestFinalize_RequiresActiveAttempt(t *testing.T) {
	e := newEnv(definition(false))
	c := e.controller(t, Capabilities{})
	require.NoError(t, c.Load(context.Background()))

	_, err := c.SubmitFinal(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, model.PhaseInstructions, c.Phase())
	assert.Zero(t, e.be.Calls(backend.OpSubmitFinal))

	require.NoError(t, c.Begin(context.Background()))
	_, err = c.SubmitFinal(context.Background())
	assert.NoError(t, err)
}

func TestForceSubmit_DoesNotBlockReporter(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	release := e.be.Block(backend.OpSubmitFinal)

	reported := make(chan struct{})
	go func() {
		defer close(reported)
		for i := 0; i < 3; i++ {
			_, _ = c.ReportViolation(model.ViolationTabHidden, "")
			e.clock.Advance(5 * time.Second)
		}
	}()

	select {
	case <-reported:
	case <-time.After(time.Second):
		t.Fatal("violation report waited on the final submit")
	}
	assert.Eventually(t, func() bool { return e.be.Calls(backend.OpSubmitFinal) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, model.PhaseSubmitting, c.Phase())

	release()
	assert.Eventually(t, func() bool { return c.Phase() == model.PhaseCompleted }, time.Second, time.Millisecond)
}

func TestFinalize_TimerExpiry(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)

	e.clock.Advance(30 * time.Minute)
	c.timer.Tick(e.clock.Now())

	assert.Equal(t, model.PhaseExpired, c.Phase())
	finals := e.be.Finals()
	require.Len(t, finals, 1)
	assert.Equal(t, model.FinalizeReasonExpired, finals[0].Reason)
	e.keysCleared(t)
}

func TestFinalize_NetworkFailureAllowsOneRetry(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	e.be.FailNext(backend.OpSubmitFinal, backend.ErrUnavailable)

	_, err := c.SubmitFinal(context.Background())
	assert.ErrorIs(t, err, ErrFinalSubmitFailed)
	assert.Equal(t, model.PhaseSubmitting, c.Phase())
	assert.NotEmpty(t, c.View().LastError)
	_, err = e.st.Get(context.Background(), config.CacheKey.AttemptDeadlineKey("att-1"))
	assert.NoError(t, err, "state kept until the result is delivered")

	res, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, model.PhaseCompleted, c.Phase())
	assert.Equal(t, 1, e.be.Calls(backend.OpFlushAnalytics), "teardown runs once")
	e.keysCleared(t)
}

func TestFinalize_RetryExhausted(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	e.be.FailNext(backend.OpSubmitFinal, backend.ErrUnavailable)
	e.be.FailNext(backend.OpSubmitFinal, backend.ErrUnavailable)

	_, err := c.SubmitFinal(context.Background())
	assert.ErrorIs(t, err, ErrFinalSubmitFailed)
	_, err = c.SubmitFinal(context.Background())
	assert.ErrorIs(t, err, ErrFinalSubmitFailed)
	_, err = c.SubmitFinal(context.Background())
	assert.ErrorIs(t, err, ErrRetryExhausted)

	assert.Equal(t, 2, e.be.Calls(backend.OpSubmitFinal))
	journaled := e.sink.All()
	require.Len(t, journaled, 1)
	assert.False(t, journaled[0].Delivered)
}

func TestFinalize_DiscardsLateChallengeResponse(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	require.NoError(t, c.SetCode("c1", "solve()", "python"))
	release := e.be.Block(backend.OpSubmitChallenge)

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitChallenge(context.Background(), "c1")
		done <- err
	}()
	assert.Eventually(t, func() bool { return e.be.Calls(backend.OpSubmitChallenge) == 1 }, time.Second, time.Millisecond)

	res, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)
	release()

	assert.ErrorIs(t, <-done, submission.ErrClosed)
	assert.Equal(t, model.PhaseCompleted, c.Phase())
	assert.Zero(t, res.CodingScore)
}

func TestFinalize_CombinesSectionScores(t *testing.T) {
	e := newEnv(definition(false))
	e.be.McqScore = 40
	c := e.active(t)

	require.NoError(t, c.SetMcqAnswer("q1", []string{"a"}))
	_, err := c.SubmitMcq(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.SetCode("c1", "solve()", "python"))
	_, err = c.SubmitChallenge(context.Background(), "c1")
	require.NoError(t, err)
	assert.ErrorIs(t, c.SetCode("c1", "print()", "python"), submission.ErrAlreadySubmitted)
	assert.Equal(t, 1, e.events.count(EventSectionComplete))

	res, err := c.SubmitFinal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40.0, res.McqScore)
	assert.Equal(t, 100.0, res.CodingScore)
	assert.Equal(t, 140.0, res.TotalScore)
	assert.Equal(t, 300.0, res.TotalMarks)
}

func TestReload_ResumesSameDeadline(t *testing.T) {
	e := newEnv(definition(false))
	first := e.active(t)
	deadline := first.View().Deadline
	require.NoError(t, first.SetMcqAnswer("q2", []string{"b"}))
	require.NoError(t, first.SetView("mcq:q2"))
	_, err := first.ReportViolation(model.ViolationCopy, "")
	require.NoError(t, err)

	// The page goes away 20 minutes in.
	e.clock.Advance(20 * time.Minute)
	first.Suspend(context.Background())

	second := e.controller(t, Capabilities{})
	require.NoError(t, second.Load(context.Background()))
	v := second.View()
	assert.True(t, v.Resumed)
	assert.Equal(t, "mcq:q2", v.CurrentView)
	assert.Equal(t, 1, v.Mcq.Answered)
	assert.Equal(t, 1, v.Warnings)

	require.NoError(t, second.Begin(context.Background()))
	v = second.View()
	assert.True(t, deadline.Equal(v.Deadline))
	assert.Equal(t, (10 * time.Minute).Milliseconds(), v.RemainingMs)
}

func TestReload_KeepsSubmissionState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(definition(false))
	first := e.active(t)
	require.NoError(t, first.SetMcqAnswer("q1", []string{"a"}))
	require.NoError(t, first.SetMcqAnswer("q2", []string{"b"}))
	_, err := first.SubmitMcq(ctx)
	require.NoError(t, err)
	first.Suspend(ctx)

	second := e.active(t)
	assert.True(t, second.View().Mcq.Submitted)
	res, err := second.SubmitFinal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.McqScore)
	assert.Equal(t, 2.0, res.TotalScore)
	e.keysCleared(t)
}

func TestReload_SubmittedChallengeIsNotResubmitted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(definition(false))
	first := e.active(t)
	require.NoError(t, first.SetCode("c1", "solve()", "python"))
	_, err := first.SubmitChallenge(ctx, "c1")
	require.NoError(t, err)
	first.Suspend(ctx)

	second := e.active(t)
	_, err = second.SubmitChallenge(ctx, "c1")
	assert.ErrorIs(t, err, submission.ErrAlreadySubmitted)
	assert.Equal(t, 1, e.be.Calls(backend.OpSubmitChallenge))
	assert.ErrorIs(t, second.SetCode("c1", "print()", "python"), submission.ErrAlreadySubmitted)

	res, err := second.SubmitFinal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.CodingScore)
}

func TestSetMcqAnswer_RejectedWhileBatchInFlight(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	require.NoError(t, c.SetMcqAnswer("q1", []string{"a"}))
	release := e.be.Block(backend.OpSubmitMcqBatch)

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitMcq(context.Background())
		done <- err
	}()
	assert.Eventually(t, func() bool { return e.be.Calls(backend.OpSubmitMcqBatch) == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.SetMcqAnswer("q2", []string{"b"}), section.ErrSectionLocked)

	release()
	require.NoError(t, <-done)
	v := c.View()
	assert.True(t, v.Mcq.Submitted)
	assert.Equal(t, 1, v.Mcq.Answered)
}

func TestSetCode_RejectedWhileChallengeSubmitting(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	require.NoError(t, c.SetCode("c1", "solve()", "python"))
	release := e.be.Block(backend.OpSubmitChallenge)

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitChallenge(context.Background(), "c1")
		done <- err
	}()
	assert.Eventually(t, func() bool { return e.be.Calls(backend.OpSubmitChallenge) == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.SetCode("c1", "print()", "python"), submission.ErrSubmitInFlight)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, "solve()", e.be.ChallengeSubmits()[0].Code)
}

func TestReload_PastThresholdFinalizesOnBegin(t *testing.T) {
	e := newEnv(definition(false))
	require.NoError(t, store.SetJSON(context.Background(), e.st,
		config.CacheKey.AttemptViolationsKey("att-1"), model.ViolationRecord{WarningCount: 3}))

	c := e.controller(t, Capabilities{})
	require.NoError(t, c.Load(context.Background()))
	require.NoError(t, c.Begin(context.Background()))

	assert.Eventually(t, func() bool { return c.Phase() == model.PhaseCompleted }, time.Second, time.Millisecond)
	finals := e.be.Finals()
	require.Len(t, finals, 1)
	assert.Equal(t, model.FinalizeReasonForceSubmit, finals[0].Reason)
}

func TestReportViolation_RejectsUnknownKind(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	_, err := c.ReportViolation("screenshot", "")
	assert.ErrorIs(t, err, ErrInvalidViolation)
}

func TestNavigate(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	require.NoError(t, c.Navigate("q1"))
	e.clock.Advance(3 * time.Second)
	require.NoError(t, c.Navigate("c1"))
	assert.Error(t, c.Navigate("zz"))
	assert.Equal(t, int64(3000), c.agg.Snapshot().TimePerQuestionMs["q1"])
}

func TestSuspend_RejectsFurtherCalls(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)
	c.Suspend(context.Background())

	assert.ErrorIs(t, c.SetMcqAnswer("q1", []string{"a"}), ErrSuspended)
	_, err := c.SubmitFinal(context.Background())
	assert.True(t, errors.Is(err, ErrSuspended))
	assert.Zero(t, e.be.Calls(backend.OpSubmitFinal))
}

func TestAnswers_AreJournaled(t *testing.T) {
	e := newEnv(definition(false))
	c := e.active(t)

	require.NoError(t, c.SetMcqAnswer("q1", []string{"b"}))
	require.NoError(t, c.SetCode("c1", "print(1)", "python"))
	require.NoError(t, c.SetMcqAnswer("q1", nil))

	entries := e.journal.All()
	require.Len(t, entries, 3)

	assert.Equal(t, config.SectionMCQ, entries[0].Section)
	assert.Equal(t, "t-1", entries[0].TestID)
	assert.JSONEq(t, `{"selected_options":["b"]}`, string(entries[0].Answer))

	assert.Equal(t, config.SectionCoding, entries[1].Section)
	assert.JSONEq(t, `{"code":"print(1)","language":"python"}`, string(entries[1].Answer))

	assert.True(t, entries[2].Cleared)
	assert.Empty(t, entries[2].Answer)
}
