package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/section"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinition() *model.TestDefinition {
	return &model.TestDefinition{
		AttemptID:       "att-1",
		TestID:          "t-1",
		DurationMinutes: 30,
		Sections: model.TestSections{
			Mcq: []model.McqQuestion{{ID: "q1"}, {ID: "q2"}, {ID: "q3"}, {ID: "q4"}, {ID: "q5"}},
			Coding: []model.Challenge{
				{ID: "c1", TestCases: []model.TestCase{
					{ID: "c1-1", Input: "1 2", ExpectedOutput: "3", Visible: true},
					{ID: "c1-2", Input: "5 5", ExpectedOutput: "10"},
					{ID: "c1-3", Input: "0 0", ExpectedOutput: "0"},
				}},
				{ID: "c2", TestCases: []model.TestCase{
					{ID: "c2-1", Input: "abc", ExpectedOutput: "cba", Visible: true},
				}},
			},
		},
	}
}

type fixture struct {
	st   *store.MemoryStore
	def  *model.TestDefinition
	be   *backend.Fake
	mcq  *section.Store[model.McqAnswer]
	code *section.Store[model.CodeAnswer]
	c    *Coordinator

	mu       sync.Mutex
	complete int
	runs     []string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureOn(t, store.NewMemoryStore())
}

// newFixtureOn builds a coordinator persisting to st, as a reload would.
func newFixtureOn(t *testing.T, st *store.MemoryStore) *fixture {
	t.Helper()
	f := &fixture{st: st, def: testDefinition()}
	f.be = backend.NewFake(f.def)
	f.mcq = section.New[model.McqAnswer]("mcq", f.def.McqQuestionIDs(), st, section.Options{}, zerolog.Nop())
	f.code = section.New[model.CodeAnswer]("coding", f.def.ChallengeIDs(), st, section.Options{}, zerolog.Nop())
	f.c = New(f.be, f.def, f.mcq, f.code, Options{
		AttemptID: "att-1",
		Key:       "submissions",
		Store:     st,
		OnRun: func(id string, _ bool) {
			f.mu.Lock()
			f.runs = append(f.runs, id)
			f.mu.Unlock()
		},
		OnSectionComplete: func() {
			f.mu.Lock()
			f.complete++
			f.mu.Unlock()
		},
	}, zerolog.Nop())
	return f
}

func (f *fixture) write(t *testing.T, id, code string) {
	t.Helper()
	require.NoError(t, f.code.SetAnswer(id, model.CodeAnswer{Code: code, Language: "python"}))
}

func TestSubmitMcq_SendsOnlyAnsweredItems(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mcq.SetAnswer("q2", model.McqAnswer{SelectedOptions: []string{"b"}}))
	require.NoError(t, f.mcq.SetAnswer("q5", model.McqAnswer{SelectedOptions: []string{"a", "d"}}))

	res, err := f.c.SubmitMcq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.TotalScore)

	batches := f.be.McqBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "q2", batches[0][0].QuestionID)
	assert.Equal(t, "q5", batches[0][1].QuestionID)

	assert.True(t, f.mcq.Submitted())
	assert.ErrorIs(t, f.mcq.SetAnswer("q1", model.McqAnswer{SelectedOptions: []string{"a"}}), section.ErrSectionSubmitted)

	_, err = f.c.SubmitMcq(context.Background())
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, 1, f.be.Calls(backend.OpSubmitMcqBatch))
}

func TestSubmitMcq_FailureLeavesSectionOpen(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mcq.SetAnswer("q1", model.McqAnswer{SelectedOptions: []string{"a"}}))
	f.be.FailNext(backend.OpSubmitMcqBatch, backend.ErrUnavailable)

	_, err := f.c.SubmitMcq(context.Background())
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.False(t, f.mcq.Submitted())

	_, err = f.c.SubmitMcq(context.Background())
	assert.NoError(t, err)
	assert.True(t, f.mcq.Submitted())
}

func TestSubmitMcq_InFlightRejected(t *testing.T) {
	f := newFixture(t)
	release := f.be.Block(backend.OpSubmitMcqBatch)

	done := make(chan error, 1)
	go func() {
		_, err := f.c.SubmitMcq(context.Background())
		done <- err
	}()
	assert.Eventually(t, func() bool { return f.be.Calls(backend.OpSubmitMcqBatch) == 1 }, time.Second, time.Millisecond)

	_, err := f.c.SubmitMcq(context.Background())
	assert.ErrorIs(t, err, ErrSubmitInFlight)

	release()
	assert.NoError(t, <-done)
}

func TestSubmitMcq_AnswersLockedWhileInFlight(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mcq.SetAnswer("q1", model.McqAnswer{SelectedOptions: []string{"a"}}))
	release := f.be.Block(backend.OpSubmitMcqBatch)

	done := make(chan error, 1)
	go func() {
		_, err := f.c.SubmitMcq(context.Background())
		done <- err
	}()
	assert.Eventually(t, func() bool { return f.be.Calls(backend.OpSubmitMcqBatch) == 1 }, time.Second, time.Millisecond)

	err := f.mcq.SetAnswer("q2", model.McqAnswer{SelectedOptions: []string{"b"}})
	assert.ErrorIs(t, err, section.ErrSectionLocked)

	release()
	require.NoError(t, <-done)
	batches := f.be.McqBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
	assert.Equal(t, []string{"q1"}, f.mcq.Answered(), "frozen answers are the ones sent")
}

func TestSubmitMcq_FailureUnlocksAnswers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mcq.SetAnswer("q1", model.McqAnswer{SelectedOptions: []string{"a"}}))
	f.be.FailNext(backend.OpSubmitMcqBatch, backend.ErrUnavailable)

	_, err := f.c.SubmitMcq(context.Background())
	require.Error(t, err)
	assert.NoError(t, f.mcq.SetAnswer("q2", model.McqAnswer{SelectedOptions: []string{"b"}}))
}

func TestRunChallenge_VisibleCasesOnly(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c1", "solve()")

	results, err := f.c.RunChallenge(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.Equal(t, "3", results[0].Output)
	assert.Equal(t, 1, f.be.Calls(backend.OpExecuteCode))

	assert.Equal(t, model.ChallengeIdle, f.c.ChallengeStatus("c1"))
	_, scores := f.c.Scores()
	assert.Empty(t, scores)
	assert.Equal(t, []string{"c1"}, f.runs)
}

func TestRunChallenge_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.RunChallenge(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownChallenge)
	_, err = f.c.RunChallenge(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNoCode)
}

func TestSubmitChallenge_RunsFullCaseSet(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c1", "solve()")

	res, err := f.c.SubmitChallenge(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.ChallengeScore)

	subs := f.be.ChallengeSubmits()
	require.Len(t, subs, 1)
	require.Len(t, subs[0].Results, 3)
	assert.Empty(t, subs[0].Results[1].Output, "hidden case output is not exposed")
	assert.Equal(t, model.ChallengeSubmitted, f.c.ChallengeStatus("c1"))
}

func TestSubmitChallenge_DoubleSubmitMakesOneCall(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c2", "solve()")
	release := f.be.Block(backend.OpSubmitChallenge)

	first := make(chan error, 1)
	go func() {
		_, err := f.c.SubmitChallenge(context.Background(), "c2")
		first <- err
	}()
	assert.Eventually(t, func() bool {
		return f.c.ChallengeStatus("c2") == model.ChallengeSubmitting
	}, time.Second, time.Millisecond)

	_, err := f.c.SubmitChallenge(context.Background(), "c2")
	assert.ErrorIs(t, err, ErrSubmitInFlight)

	release()
	require.NoError(t, <-first)

	_, err = f.c.SubmitChallenge(context.Background(), "c2")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, 1, f.be.Calls(backend.OpSubmitChallenge))
	assert.Equal(t, model.ChallengeSubmitted, f.c.ChallengeStatus("c2"))
}

func TestSetCode_RejectedWhileSubmitting(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.SetCode("c2", model.CodeAnswer{Code: "solve()", Language: "python"}))
	release := f.be.Block(backend.OpSubmitChallenge)

	done := make(chan error, 1)
	go func() {
		_, err := f.c.SubmitChallenge(context.Background(), "c2")
		done <- err
	}()
	assert.Eventually(t, func() bool {
		return f.c.ChallengeStatus("c2") == model.ChallengeSubmitting
	}, time.Second, time.Millisecond)

	err := f.c.SetCode("c2", model.CodeAnswer{Code: "other()", Language: "python"})
	assert.ErrorIs(t, err, ErrSubmitInFlight)

	release()
	require.NoError(t, <-done)
	got, _ := f.code.Answer("c2")
	assert.Equal(t, "solve()", got.Code)
	assert.Equal(t, "solve()", f.be.ChallengeSubmits()[0].Code)
	assert.ErrorIs(t, f.c.SetCode("c2", model.CodeAnswer{Code: "x", Language: "python"}), ErrAlreadySubmitted)

	// Other challenges stay editable.
	assert.NoError(t, f.c.SetCode("c1", model.CodeAnswer{Code: "solve()", Language: "python"}))
}

func TestRestore_SubmittedChallengeStaysSubmitted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	first := newFixtureOn(t, st)
	require.NoError(t, first.mcq.SetAnswer("q1", model.McqAnswer{SelectedOptions: []string{"a"}}))
	require.NoError(t, first.mcq.SetAnswer("q2", model.McqAnswer{SelectedOptions: []string{"b"}}))
	_, err := first.c.SubmitMcq(ctx)
	require.NoError(t, err)
	first.write(t, "c1", "solve()")
	_, err = first.c.SubmitChallenge(ctx, "c1")
	require.NoError(t, err)
	first.write(t, "c2", "solve()")
	_, err = first.c.RunChallenge(ctx, "c2")
	require.NoError(t, err)

	second := newFixtureOn(t, st)
	require.NoError(t, second.mcq.Restore(ctx))
	require.NoError(t, second.code.Restore(ctx))
	require.NoError(t, second.c.Restore(ctx))

	mcqScore, scores := second.c.Scores()
	assert.Equal(t, 2.0, mcqScore)
	assert.Equal(t, map[string]float64{"c1": 100}, scores)
	assert.Equal(t, model.ChallengeSubmitted, second.c.ChallengeStatus("c1"))
	assert.Equal(t, model.ChallengeIdle, second.c.ChallengeStatus("c2"))
	assert.Len(t, second.c.Records()[1].LastRun, 1)

	_, err = second.c.SubmitChallenge(ctx, "c1")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Zero(t, second.be.Calls(backend.OpSubmitChallenge))
}

func TestRestore_InFlightSubmitReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, store.SetJSON(ctx, st, "submissions", model.SubmissionState{
		Challenges: map[string]model.ChallengeSubmissionRecord{
			"c1":   {Status: model.ChallengeSubmitting},
			"c2":   {Status: model.ChallengeSubmitted, BestScore: 50},
			"gone": {Status: model.ChallengeSubmitted, BestScore: 10},
		},
	}))

	f := newFixtureOn(t, st)
	require.NoError(t, f.c.Restore(ctx))
	assert.Equal(t, model.ChallengeIdle, f.c.ChallengeStatus("c1"))
	assert.Equal(t, model.ChallengeSubmitted, f.c.ChallengeStatus("c2"))
	_, scores := f.c.Scores()
	assert.Equal(t, map[string]float64{"c2": 50}, scores)

	// Completing the last challenge after a reload still fires once.
	f.write(t, "c1", "solve()")
	_, err := f.c.SubmitChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.complete)
	assert.True(t, f.code.Submitted())
}

func TestSubmitChallenge_FailureRevertsToIdle(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c2", "solve()")
	f.be.FailNext(backend.OpSubmitChallenge, errors.New("boom"))

	_, err := f.c.SubmitChallenge(context.Background(), "c2")
	assert.Error(t, err)
	assert.Equal(t, model.ChallengeIdle, f.c.ChallengeStatus("c2"))

	_, err = f.c.SubmitChallenge(context.Background(), "c2")
	assert.NoError(t, err)
}

func TestSubmitChallenge_ExecutionFailureRevertsToIdle(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c1", "solve()")
	f.be.FailNext(backend.OpExecuteCode, backend.ErrUnavailable)

	_, err := f.c.SubmitChallenge(context.Background(), "c1")
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Equal(t, model.ChallengeIdle, f.c.ChallengeStatus("c1"))
	assert.Zero(t, f.be.Calls(backend.OpSubmitChallenge))
}

func TestSectionComplete_FiresOnce(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c1", "solve()")
	f.write(t, "c2", "solve()")

	_, err := f.c.SubmitChallenge(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, f.c.SectionComplete())
	assert.Zero(t, f.complete)

	_, err = f.c.SubmitChallenge(context.Background(), "c2")
	require.NoError(t, err)
	assert.True(t, f.c.SectionComplete())
	assert.Equal(t, 1, f.complete)
	assert.True(t, f.code.Submitted())

	_, scores := f.c.Scores()
	assert.Len(t, scores, 2)
}

func TestClose_DiscardsLateResponse(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c2", "solve()")
	release := f.be.Block(backend.OpSubmitChallenge)

	done := make(chan error, 1)
	go func() {
		_, err := f.c.SubmitChallenge(context.Background(), "c2")
		done <- err
	}()
	assert.Eventually(t, func() bool { return f.be.Calls(backend.OpSubmitChallenge) == 1 }, time.Second, time.Millisecond)

	f.c.Close()
	release()
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.NotEqual(t, model.ChallengeSubmitted, f.c.ChallengeStatus("c2"))

	_, err := f.c.SubmitMcq(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGrade_CompileError(t *testing.T) {
	f := newFixture(t)
	f.write(t, "c1", "syntax error")
	results, err := f.c.RunChallenge(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, results[0].Passed)
	assert.True(t, hasCompileError(results))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, normalize("1\n2\n"), normalize("1  \r\n2"))
	assert.NotEqual(t, normalize("1 2"), normalize("12"))
}
