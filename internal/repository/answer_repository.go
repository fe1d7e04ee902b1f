package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	upsertAnswerSQL = `INSERT INTO attempt_answers (attempt_id, test_id, section, item_id, answer, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (attempt_id, section, item_id) DO UPDATE
		 SET answer = EXCLUDED.answer, saved_at = EXCLUDED.saved_at, updated_at = NOW()
		 WHERE attempt_answers.saved_at <= EXCLUDED.saved_at`
	deleteAnswerSQL = `DELETE FROM attempt_answers
		 WHERE attempt_id = $1 AND section = $2 AND item_id = $3 AND saved_at <= $4`
)

// AnswerRepository keeps the latest journaled answer per item.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// WriteBatch applies the latest entry per item in one round trip.
func (r *AnswerRepository) WriteBatch(ctx context.Context, batch []model.AnswerEntry) error {
	b := &pgx.Batch{}
	for _, e := range LatestAnswers(batch) {
		queueAnswer(b, e)
	}
	return r.pool.SendBatch(ctx, b).Close()
}

// WriteOne applies a single entry.
func (r *AnswerRepository) WriteOne(ctx context.Context, e model.AnswerEntry) error {
	if e.Cleared {
		_, err := r.pool.Exec(ctx, deleteAnswerSQL, e.AttemptID, e.Section, e.ItemID, e.SavedAt)
		return err
	}
	_, err := r.pool.Exec(ctx, upsertAnswerSQL, e.AttemptID, e.TestID, e.Section, e.ItemID, []byte(e.Answer), e.SavedAt)
	return err
}

func queueAnswer(b *pgx.Batch, e model.AnswerEntry) {
	if e.Cleared {
		b.Queue(deleteAnswerSQL, e.AttemptID, e.Section, e.ItemID, e.SavedAt)
		return
	}
	b.Queue(upsertAnswerSQL, e.AttemptID, e.TestID, e.Section, e.ItemID, []byte(e.Answer), e.SavedAt)
}

// LatestAnswers keeps only the last entry per (attempt, section, item),
// preserving first-seen order.
func LatestAnswers(batch []model.AnswerEntry) []model.AnswerEntry {
	type key struct{ attempt, section, item string }
	pos := make(map[key]int, len(batch))
	out := make([]model.AnswerEntry, 0, len(batch))
	for _, e := range batch {
		k := key{e.AttemptID, e.Section, e.ItemID}
		if i, ok := pos[k]; ok {
			out[i] = e
			continue
		}
		pos[k] = len(out)
		out = append(out, e)
	}
	return out
}
