package backend

import (
	"context"
	"strings"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Operation names used by Fake for failure injection and blocking.
const (
	OpLoadTest        = "LoadTest"
	OpSubmitMcqBatch  = "SubmitMcqBatch"
	OpExecuteCode     = "ExecuteCode"
	OpSubmitChallenge = "SubmitChallenge"
	OpFlushAnalytics  = "FlushAnalytics"
	OpSubmitFinal     = "SubmitFinal"
)

// Fake is an in-memory Backend that records every call.
type Fake struct {
	mu sync.Mutex

	tests map[string]*model.TestDefinition
	// expected output per case input, used by the default executor.
	expected map[string]string

	// Execute overrides the default executor, which prints the expected
	// output of the matching test case when the code contains "solve".
	Execute func(req model.ExecRequest) (model.ExecResult, error)
	// McqScore is returned by SubmitMcqBatch; zero means one mark per item.
	McqScore float64

	failures map[string][]error
	gates    map[string]chan struct{}

	mcqBatches [][]model.McqSubmission
	executions []model.ExecRequest
	submits    []model.SubmitChallengeRequest
	flushes    []model.AnalyticsSnapshot
	finals     []model.FinalResult
	loads      int
}

var _ Backend = (*Fake)(nil)

// NewFake creates a Fake serving the given definitions keyed by attempt id.
func NewFake(defs ...*model.TestDefinition) *Fake {
	f := &Fake{
		tests:    make(map[string]*model.TestDefinition),
		expected: make(map[string]string),
		failures: make(map[string][]error),
		gates:    make(map[string]chan struct{}),
	}
	for _, d := range defs {
		f.AddTest(d)
	}
	return f
}

// AddTest registers a definition.
func (f *Fake) AddTest(def *model.TestDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests[def.AttemptID] = def
	for _, c := range def.Sections.Coding {
		for _, tc := range c.TestCases {
			f.expected[tc.Input] = tc.ExpectedOutput
		}
	}
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Block holds every call of op until the returned release func is called.
func (f *Fake) Block(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	gate := f.gates[op]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) LoadTest(ctx context.Context, attemptRef string) (*model.TestDefinition, error) {
	if err := f.enter(ctx, OpLoadTest); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	def, ok := f.tests[attemptRef]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (f *Fake) SubmitMcqBatch(ctx context.Context, attemptID string, items []model.McqSubmission) (model.McqResult, error) {
	f.mu.Lock()
	batch := make([]model.McqSubmission, len(items))
	copy(batch, items)
	f.mcqBatches = append(f.mcqBatches, batch)
	f.mu.Unlock()

	if err := f.enter(ctx, OpSubmitMcqBatch); err != nil {
		return model.McqResult{}, err
	}
	score := f.McqScore
	if score == 0 {
		score = float64(len(items))
	}
	return model.McqResult{TotalScore: score}, nil
}

func (f *Fake) ExecuteCode(ctx context.Context, req model.ExecRequest) (model.ExecResult, error) {
	f.mu.Lock()
	f.executions = append(f.executions, req)
	exec := f.Execute
	want, known := f.expected[req.Input]
	f.mu.Unlock()

	if err := f.enter(ctx, OpExecuteCode); err != nil {
		return model.ExecResult{}, err
	}
	if exec != nil {
		return exec(req)
	}
	switch {
	case strings.Contains(req.Code, "syntax error"):
		return model.ExecResult{Status: model.ExecStatusCompileError, Error: "syntax error"}, nil
	case strings.Contains(req.Code, "solve") && known:
		return model.ExecResult{Status: model.ExecStatusOK, Output: want, TimeMs: 12, MemoryKB: 1024}, nil
	}
	return model.ExecResult{Status: model.ExecStatusOK, Output: "", TimeMs: 10, MemoryKB: 1024}, nil
}

func (f *Fake) SubmitChallenge(ctx context.Context, req model.SubmitChallengeRequest) (model.ChallengeResult, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	f.mu.Unlock()

	if err := f.enter(ctx, OpSubmitChallenge); err != nil {
		return model.ChallengeResult{}, err
	}
	passed := 0
	for _, r := range req.Results {
		if r.Passed {
			passed++
		}
	}
	score := 0.0
	if len(req.Results) > 0 {
		score = 100 * float64(passed) / float64(len(req.Results))
	}
	return model.ChallengeResult{ChallengeScore: score, SectionStatus: "SUBMITTED"}, nil
}

func (f *Fake) FlushAnalytics(ctx context.Context, _ string, snap model.AnalyticsSnapshot) error {
	f.mu.Lock()
	f.flushes = append(f.flushes, snap.Clone())
	f.mu.Unlock()
	return f.enter(ctx, OpFlushAnalytics)
}

func (f *Fake) SubmitFinal(ctx context.Context, result model.FinalResult) error {
	f.mu.Lock()
	f.finals = append(f.finals, result)
	f.mu.Unlock()
	return f.enter(ctx, OpSubmitFinal)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch op {
	case OpLoadTest:
		return f.loads
	case OpSubmitMcqBatch:
		return len(f.mcqBatches)
	case OpExecuteCode:
		return len(f.executions)
	case OpSubmitChallenge:
		return len(f.submits)
	case OpFlushAnalytics:
		return len(f.flushes)
	case OpSubmitFinal:
		return len(f.finals)
	}
	return 0
}

// McqBatches returns every batch posted.
func (f *Fake) McqBatches() [][]model.McqSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.McqSubmission(nil), f.mcqBatches...)
}

// Executions returns every execution request.
func (f *Fake) Executions() []model.ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ExecRequest(nil), f.executions...)
}

// ChallengeSubmits returns every challenge submission.
func (f *Fake) ChallengeSubmits() []model.SubmitChallengeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SubmitChallengeRequest(nil), f.submits...)
}

// Finals returns every final result posted.
func (f *Fake) Finals() []model.FinalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.FinalResult(nil), f.finals...)
}
