package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// A delivered result is never overwritten by an undelivered one.
const upsertResultSQL = `INSERT INTO attempt_results
		(attempt_id, test_id, reason, mcq_score, coding_score, total_score, total_marks,
		 challenge_scores, warning_count, delivered, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (attempt_id) DO UPDATE SET
		   reason = EXCLUDED.reason,
		   mcq_score = EXCLUDED.mcq_score,
		   coding_score = EXCLUDED.coding_score,
		   total_score = EXCLUDED.total_score,
		   total_marks = EXCLUDED.total_marks,
		   challenge_scores = EXCLUDED.challenge_scores,
		   warning_count = EXCLUDED.warning_count,
		   delivered = EXCLUDED.delivered,
		   finished_at = EXCLUDED.finished_at,
		   recorded_at = NOW()
		 WHERE NOT attempt_results.delivered OR EXCLUDED.delivered`

// ResultRepository stores final attempt results.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// WriteBatch upserts results in one round trip.
func (r *ResultRepository) WriteBatch(ctx context.Context, batch []model.FinalResult) error {
	b := &pgx.Batch{}
	for _, res := range batch {
		args, err := resultArgs(res)
		if err != nil {
			return err
		}
		b.Queue(upsertResultSQL, args...)
	}
	return r.pool.SendBatch(ctx, b).Close()
}

// WriteOne upserts a single result.
func (r *ResultRepository) WriteOne(ctx context.Context, res model.FinalResult) error {
	args, err := resultArgs(res)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, upsertResultSQL, args...)
	return err
}

func resultArgs(res model.FinalResult) ([]interface{}, error) {
	scores := res.ChallengeScore
	if scores == nil {
		scores = map[string]float64{}
	}
	raw, err := json.Marshal(scores)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		res.AttemptID, res.TestID, string(res.Reason), res.McqScore, res.CodingScore, res.TotalScore,
		res.TotalMarks, raw, res.WarningCount, res.Delivered, res.FinishedAt,
	}, nil
}

// ListByTest returns every recorded result for a test.
func (r *ResultRepository) ListByTest(ctx context.Context, testID string) ([]model.FinalResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, test_id, reason, mcq_score, coding_score, total_score, total_marks,
		        challenge_scores, warning_count, delivered, finished_at
		 FROM attempt_results
		 WHERE test_id = $1
		 ORDER BY finished_at`,
		testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FinalResult
	for rows.Next() {
		var res model.FinalResult
		var reason string
		var scores []byte
		if err := rows.Scan(&res.AttemptID, &res.TestID, &reason, &res.McqScore, &res.CodingScore,
			&res.TotalScore, &res.TotalMarks, &scores, &res.WarningCount, &res.Delivered, &res.FinishedAt); err != nil {
			return nil, err
		}
		res.Reason = model.FinalizeReason(reason)
		if err := json.Unmarshal(scores, &res.ChallengeScore); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
