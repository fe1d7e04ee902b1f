package service

import (
	"context"
	"sort"

	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/errgroup"
)

// ProgressCounter is the read side of the answer and violation journals.
type ProgressCounter interface {
	GetAnsweredCounts(ctx context.Context, testID string) (map[string]int64, error)
	GetViolationCounts(ctx context.Context, testID string) (map[string]int64, error)
	GetWarningCounts(ctx context.Context, testID string) (map[string]int64, error)
}

// ResultLister lists recorded final results.
type ResultLister interface {
	ListByTest(ctx context.Context, testID string) ([]model.FinalResult, error)
}

// MonitorService builds the proctor's live monitoring snapshot.
type MonitorService struct {
	counts  ProgressCounter
	results ResultLister
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(counts ProgressCounter, results ResultLister) *MonitorService {
	return &MonitorService{counts: counts, results: results}
}

// GetAttemptProgress returns per-attempt progress for a test. The four reads
// run concurrently. Answered counts are critical; the rest are best-effort.
func (s *MonitorService) GetAttemptProgress(ctx context.Context, testID string) ([]model.AttemptProgress, error) {
	var (
		answered   map[string]int64
		violations map[string]int64
		warnings   map[string]int64
		results    []model.FinalResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		answered, err = s.counts.GetAnsweredCounts(gctx, testID)
		return err
	})
	g.Go(func() error {
		violations, _ = s.counts.GetViolationCounts(gctx, testID)
		return nil
	})
	g.Go(func() error {
		warnings, _ = s.counts.GetWarningCounts(gctx, testID)
		return nil
	})
	g.Go(func() error {
		results, _ = s.results.ListByTest(gctx, testID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byAttempt := make(map[string]*model.AttemptProgress)
	get := func(id string) *model.AttemptProgress {
		p, ok := byAttempt[id]
		if !ok {
			p = &model.AttemptProgress{AttemptID: id}
			byAttempt[id] = p
		}
		return p
	}

	for id, n := range answered {
		get(id).AnsweredCount = n
	}
	for id, n := range violations {
		get(id).ViolationCount = n
	}
	for id, n := range warnings {
		get(id).WarningCount = n
	}
	for _, res := range results {
		p := get(res.AttemptID)
		p.Finalized = true
		score := res.TotalScore
		p.TotalScore = &score
		if int64(res.WarningCount) > p.WarningCount {
			p.WarningCount = int64(res.WarningCount)
		}
	}

	out := make([]model.AttemptProgress, 0, len(byAttempt))
	for _, p := range byAttempt {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptID < out[j].AttemptID })
	return out, nil
}
