package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository stores the integrity audit trail.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

var violationColumns = []string{"attempt_id", "test_id", "kind", "detail", "counted", "warning_count", "occurred_at"}

// WriteBatch bulk-inserts violations with COPY.
func (r *ViolationRepository) WriteBatch(ctx context.Context, batch []model.Violation) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []interface{}{
			v.AttemptID, v.TestID, string(v.Kind), v.Detail, v.Counted, v.Count, v.OccurredAt,
		})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"attempt_violations"},
		violationColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

// WriteOne inserts a single violation.
func (r *ViolationRepository) WriteOne(ctx context.Context, v model.Violation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (attempt_id, test_id, kind, detail, counted, warning_count, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.AttemptID, v.TestID, string(v.Kind), v.Detail, v.Counted, v.Count, v.OccurredAt,
	)
	return err
}

// ListByAttempt returns an attempt's violations in the order they occurred.
func (r *ViolationRepository) ListByAttempt(ctx context.Context, attemptID string) ([]model.Violation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, test_id, kind, detail, counted, warning_count, occurred_at
		 FROM attempt_violations
		 WHERE attempt_id = $1
		 ORDER BY occurred_at, id`,
		attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Violation
	for rows.Next() {
		var v model.Violation
		var kind string
		if err := rows.Scan(&v.AttemptID, &v.TestID, &kind, &v.Detail, &v.Counted, &v.Count, &v.OccurredAt); err != nil {
			return nil, err
		}
		v.Kind = model.ViolationKind(kind)
		out = append(out, v)
	}
	return out, rows.Err()
}
