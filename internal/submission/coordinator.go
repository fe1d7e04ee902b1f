// Package submission coordinates section submissions against the scoring
// backend: the MCQ batch, coding runs and per-challenge submits.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/section"
	"github.com/stemsi/exstem-proctor/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent test-case executions per run.
const DefaultParallelism = 4

var (
	ErrSubmitInFlight   = errors.New("submission: already in progress")
	ErrAlreadySubmitted = errors.New("submission: already submitted")
	ErrRunInFlight      = errors.New("submission: run already in progress")
	ErrUnknownChallenge = errors.New("submission: unknown challenge")
	ErrNoCode           = errors.New("submission: no code to run")
	ErrClosed           = errors.New("submission: attempt finished")
)

// Options configures a Coordinator.
type Options struct {
	AttemptID   string
	Parallelism int

	// Key is where the submission state is persisted; empty keeps it in
	// memory only. Writes go through Debouncer when set.
	Key       string
	Store     store.Store
	Debouncer *store.Debouncer

	// OnRun and OnSubmit receive every completed run or submit attempt.
	OnRun    func(challengeID string, compileError bool)
	OnSubmit func(challengeID string, compileError bool)
	// OnSectionComplete fires once when every challenge is submitted.
	OnSectionComplete func()
}

// Coordinator owns the submit lifecycle of both sections.
type Coordinator struct {
	be   backend.Backend
	def  *model.TestDefinition
	mcq  *section.Store[model.McqAnswer]
	code *section.Store[model.CodeAnswer]
	opts Options
	log  zerolog.Logger

	// codeMu orders code writes against the Idle → Submitting transition.
	// Lock order: codeMu, then mu.
	codeMu sync.Mutex

	mu            sync.Mutex
	mcqInFlight   bool
	mcqScore      float64
	records       map[string]*model.ChallengeSubmissionRecord
	running       map[string]bool
	completeFired bool
	closed        bool
}

// New creates a Coordinator.
func New(be backend.Backend, def *model.TestDefinition, mcq *section.Store[model.McqAnswer], code *section.Store[model.CodeAnswer], opts Options, log zerolog.Logger) *Coordinator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	return &Coordinator{
		be:      be,
		def:     def,
		mcq:     mcq,
		code:    code,
		opts:    opts,
		log:     log.With().Str("component", "submission").Logger(),
		records: make(map[string]*model.ChallengeSubmissionRecord),
		running: make(map[string]bool),
	}
}

// Restore loads persisted submission state. Records for challenges no
// longer in the definition are dropped, and a submit that was in flight when
// the page went away is back to Idle.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.opts.Key == "" || c.opts.Store == nil {
		return nil
	}
	var persisted model.SubmissionState
	if err := store.GetJSON(ctx, c.opts.Store, c.opts.Key, &persisted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	c.mcqScore = persisted.McqScore
	for id, rec := range persisted.Challenges {
		if _, ok := c.def.Challenge(id); !ok {
			continue
		}
		rec.ChallengeID = id
		if rec.Status != model.ChallengeSubmitted {
			rec.Status = model.ChallengeIdle
		}
		cp := rec
		c.records[id] = &cp
	}
	complete := c.allSubmittedLocked()
	c.completeFired = complete
	restored := len(c.records)
	c.mu.Unlock()

	// The coding section key may have missed the last debounced write.
	if complete {
		c.code.MarkSubmitted()
	}
	c.log.Info().
		Int("challenges", restored).
		Float64("mcq_score", persisted.McqScore).
		Bool("coding_complete", complete).
		Msg("Submission state restored")
	return nil
}

func (c *Coordinator) persistLocked() {
	if c.opts.Key == "" {
		return
	}
	state := model.SubmissionState{
		McqScore:   c.mcqScore,
		Challenges: make(map[string]model.ChallengeSubmissionRecord, len(c.records)),
	}
	for id, rec := range c.records {
		cp := *rec
		if cp.Status == model.ChallengeSubmitting {
			cp.Status = model.ChallengeIdle
		}
		state.Challenges[id] = cp
	}
	if c.opts.Debouncer != nil {
		if err := c.opts.Debouncer.PutJSON(c.opts.Key, state); err != nil {
			c.log.Warn().Err(err).Msg("Schedule submission state write")
		}
		return
	}
	if c.opts.Store == nil {
		return
	}
	if err := store.SetJSON(context.Background(), c.opts.Store, c.opts.Key, state); err != nil {
		c.log.Warn().Err(err).Msg("Persist submission state")
	}
}

// SubmitMcq posts every answered question as one batch. Unanswered
// questions are omitted.
func (c *Coordinator) SubmitMcq(ctx context.Context) (model.McqResult, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return model.McqResult{}, ErrClosed
	case c.mcq.Submitted():
		c.mu.Unlock()
		return model.McqResult{}, ErrAlreadySubmitted
	case c.mcqInFlight:
		c.mu.Unlock()
		return model.McqResult{}, ErrSubmitInFlight
	}
	// Answers are frozen from here; a failed submit reopens the section.
	if err := c.mcq.Lock(); err != nil {
		c.mu.Unlock()
		if errors.Is(err, section.ErrSectionSubmitted) {
			return model.McqResult{}, ErrAlreadySubmitted
		}
		return model.McqResult{}, ErrSubmitInFlight
	}
	c.mcqInFlight = true
	c.mu.Unlock()

	ids := c.mcq.Answered()
	items := make([]model.McqSubmission, 0, len(ids))
	for _, id := range ids {
		if a, ok := c.mcq.Answer(id); ok {
			items = append(items, model.McqSubmission{QuestionID: id, SelectedOptions: a.SelectedOptions})
		}
	}

	res, err := c.be.SubmitMcqBatch(ctx, c.opts.AttemptID, items)

	c.mu.Lock()
	c.mcqInFlight = false
	if c.closed {
		c.mu.Unlock()
		c.log.Debug().Msg("Discarding late MCQ response")
		return model.McqResult{}, ErrClosed
	}
	if err != nil {
		c.mcq.Unlock()
		c.mu.Unlock()
		c.log.Warn().Err(err).Int("items", len(items)).Msg("MCQ batch submit failed")
		return model.McqResult{}, fmt.Errorf("submit mcq: %w", err)
	}
	c.mcqScore = res.TotalScore
	c.mcq.MarkSubmitted()
	c.persistLocked()
	c.mu.Unlock()

	c.log.Info().Int("items", len(items)).Float64("score", res.TotalScore).Msg("MCQ section submitted")
	return res, nil
}

// RunChallenge executes the current code against the visible cases only.
// The score is unaffected.
func (c *Coordinator) RunChallenge(ctx context.Context, id string) ([]model.CaseResult, error) {
	ch, ok := c.def.Challenge(id)
	if !ok {
		return nil, ErrUnknownChallenge
	}
	answer, ok := c.code.Answer(id)
	if !ok {
		return nil, ErrNoCode
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.running[id]:
		c.mu.Unlock()
		return nil, ErrRunInFlight
	}
	c.running[id] = true
	c.mu.Unlock()

	results, err := c.execute(ctx, ch.VisibleCases(), answer)

	c.mu.Lock()
	delete(c.running, id)
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("run challenge %s: %w", id, err)
	}
	rec := c.recordLocked(id)
	rec.LastRun = results
	c.persistLocked()
	c.mu.Unlock()

	if c.opts.OnRun != nil {
		c.opts.OnRun(id, hasCompileError(results))
	}
	return results, nil
}

// SubmitChallenge executes the full case set and posts the results. It only
// moves Idle → Submitting → Submitted; a failure reverts to Idle.
func (c *Coordinator) SubmitChallenge(ctx context.Context, id string) (model.ChallengeResult, error) {
	ch, ok := c.def.Challenge(id)
	if !ok {
		return model.ChallengeResult{}, ErrUnknownChallenge
	}

	c.codeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.codeMu.Unlock()
		return model.ChallengeResult{}, ErrClosed
	}
	rec := c.recordLocked(id)
	switch rec.Status {
	case model.ChallengeSubmitting:
		c.mu.Unlock()
		c.codeMu.Unlock()
		return model.ChallengeResult{}, ErrSubmitInFlight
	case model.ChallengeSubmitted:
		c.mu.Unlock()
		c.codeMu.Unlock()
		return model.ChallengeResult{}, ErrAlreadySubmitted
	}
	answer, ok := c.code.Answer(id)
	if !ok {
		c.mu.Unlock()
		c.codeMu.Unlock()
		return model.ChallengeResult{}, ErrNoCode
	}
	rec.Status = model.ChallengeSubmitting
	c.mu.Unlock()
	c.codeMu.Unlock()

	results, err := c.execute(ctx, ch.TestCases, answer)
	var res model.ChallengeResult
	if err == nil {
		res, err = c.be.SubmitChallenge(ctx, model.SubmitChallengeRequest{
			AttemptID:   c.opts.AttemptID,
			ChallengeID: id,
			Code:        answer.Code,
			Language:    answer.Language,
			Results:     results,
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug().Str("challenge_id", id).Msg("Discarding late challenge response")
		return model.ChallengeResult{}, ErrClosed
	}
	if err != nil {
		rec.Status = model.ChallengeIdle
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("challenge_id", id).Msg("Challenge submit failed")
		return model.ChallengeResult{}, fmt.Errorf("submit challenge %s: %w", id, err)
	}
	rec.Status = model.ChallengeSubmitted
	if res.ChallengeScore > rec.BestScore {
		rec.BestScore = res.ChallengeScore
	}
	fireComplete := !c.completeFired && c.allSubmittedLocked()
	if fireComplete {
		c.completeFired = true
	}
	c.persistLocked()
	c.mu.Unlock()

	c.log.Info().Str("challenge_id", id).Float64("score", res.ChallengeScore).Msg("Challenge submitted")
	if c.opts.OnSubmit != nil {
		c.opts.OnSubmit(id, hasCompileError(results))
	}
	if fireComplete {
		c.code.MarkSubmitted()
		c.log.Info().Msg("Coding section complete")
		if c.opts.OnSectionComplete != nil {
			c.opts.OnSectionComplete()
		}
	}
	return res, nil
}

func (c *Coordinator) execute(ctx context.Context, cases []model.TestCase, answer model.CodeAnswer) ([]model.CaseResult, error) {
	results := make([]model.CaseResult, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	for i, tc := range cases {
		g.Go(func() error {
			out, err := c.be.ExecuteCode(gctx, model.ExecRequest{
				Code:     answer.Code,
				Language: answer.Language,
				Input:    tc.Input,
			})
			if err != nil {
				return err
			}
			results[i] = grade(tc, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func grade(tc model.TestCase, out model.ExecResult) model.CaseResult {
	r := model.CaseResult{
		CaseID:   tc.ID,
		Visible:  tc.Visible,
		Status:   out.Status,
		Error:    out.Error,
		TimeMs:   out.TimeMs,
		MemoryKB: out.MemoryKB,
		Passed:   out.Status == model.ExecStatusOK && normalize(out.Output) == normalize(tc.ExpectedOutput),
	}
	if tc.Visible {
		r.Output = out.Output
	}
	return r
}

// normalize ignores trailing whitespace on each line and at the end.
func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func hasCompileError(results []model.CaseResult) bool {
	for _, r := range results {
		if r.Status == model.ExecStatusCompileError {
			return true
		}
	}
	return false
}

func (c *Coordinator) recordLocked(id string) *model.ChallengeSubmissionRecord {
	rec, ok := c.records[id]
	if !ok {
		rec = &model.ChallengeSubmissionRecord{ChallengeID: id, Status: model.ChallengeIdle}
		c.records[id] = rec
	}
	return rec
}

func (c *Coordinator) allSubmittedLocked() bool {
	if len(c.def.Sections.Coding) == 0 {
		return false
	}
	for _, ch := range c.def.Sections.Coding {
		rec, ok := c.records[ch.ID]
		if !ok || rec.Status != model.ChallengeSubmitted {
			return false
		}
	}
	return true
}

// SetCode stores the source for a challenge. It is rejected while the
// challenge is being submitted and once it is submitted, so the frozen code
// is always the code that was scored.
func (c *Coordinator) SetCode(id string, answer model.CodeAnswer) error {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()

	c.mu.Lock()
	status := model.ChallengeIdle
	if rec, ok := c.records[id]; ok {
		status = rec.Status
	}
	closed := c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case status == model.ChallengeSubmitting:
		return ErrSubmitInFlight
	case status == model.ChallengeSubmitted:
		return ErrAlreadySubmitted
	}
	return c.code.SetAnswer(id, answer)
}

// ChallengeStatus returns the lifecycle state of one challenge.
func (c *Coordinator) ChallengeStatus(id string) model.ChallengeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[id]; ok {
		return rec.Status
	}
	return model.ChallengeIdle
}

// Records returns copies of every challenge record in definition order.
func (c *Coordinator) Records() []model.ChallengeSubmissionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ChallengeSubmissionRecord, 0, len(c.def.Sections.Coding))
	for _, ch := range c.def.Sections.Coding {
		rec, ok := c.records[ch.ID]
		if !ok {
			out = append(out, model.ChallengeSubmissionRecord{ChallengeID: ch.ID, Status: model.ChallengeIdle})
			continue
		}
		cp := *rec
		cp.LastRun = append([]model.CaseResult(nil), rec.LastRun...)
		out = append(out, cp)
	}
	return out
}

// Scores returns the best-known MCQ score and per-challenge scores.
func (c *Coordinator) Scores() (mcq float64, challenges map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	challenges = make(map[string]float64, len(c.records))
	for id, rec := range c.records {
		if rec.Status == model.ChallengeSubmitted {
			challenges[id] = rec.BestScore
		}
	}
	return c.mcqScore, challenges
}

// SectionComplete reports whether every challenge has been submitted.
func (c *Coordinator) SectionComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allSubmittedLocked()
}

// Close latches the coordinator; late responses are discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
