package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MonitorRepository provides the aggregate counts behind the proctor's live
// monitor snapshot.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetAnsweredCounts returns the number of answered items per attempt of a test.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, testID string) (map[string]int64, error) {
	return r.countBy(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM attempt_answers
		 WHERE test_id = $1
		 GROUP BY attempt_id`,
		testID,
	)
}

// GetViolationCounts returns the number of recorded violations per attempt.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, testID string) (map[string]int64, error) {
	return r.countBy(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM attempt_violations
		 WHERE test_id = $1
		 GROUP BY attempt_id`,
		testID,
	)
}

// GetWarningCounts returns the highest warning count seen per attempt.
func (r *MonitorRepository) GetWarningCounts(ctx context.Context, testID string) (map[string]int64, error) {
	return r.countBy(ctx,
		`SELECT attempt_id, MAX(warning_count)::bigint
		 FROM attempt_violations
		 WHERE test_id = $1
		 GROUP BY attempt_id`,
		testID,
	)
}

func (r *MonitorRepository) countBy(ctx context.Context, query, testID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, query, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}
