package worker

import (
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// NewViolationWorker persists the violation audit trail.
func NewViolationWorker(rdb *redis.Client, sink Sink[model.Violation], log zerolog.Logger) *BatchWorker[model.Violation] {
	return NewBatchWorker("violation_worker", config.WorkerKey.PersistViolationsQueue, rdb, sink, Options{}, log)
}

// NewAnswerWorker persists the answer journal.
func NewAnswerWorker(rdb *redis.Client, sink Sink[model.AnswerEntry], log zerolog.Logger) *BatchWorker[model.AnswerEntry] {
	return NewBatchWorker("answer_worker", config.WorkerKey.PersistAnswersQueue, rdb, sink, Options{}, log)
}

// NewResultWorker persists final results.
func NewResultWorker(rdb *redis.Client, sink Sink[model.FinalResult], log zerolog.Logger) *BatchWorker[model.FinalResult] {
	return NewBatchWorker("result_worker", config.WorkerKey.PersistResultsQueue, rdb, sink, Options{BatchSize: 20}, log)
}
