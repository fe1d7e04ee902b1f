// Package worker drains the Redis persistence queues into Postgres.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	RequeuePause = 2 * time.Second
	DrainTimeout = 5 * time.Second
)

// Sink persists decoded queue items.
type Sink[T any] interface {
	WriteBatch(ctx context.Context, batch []T) error
	WriteOne(ctx context.Context, item T) error
}

// Options tunes a BatchWorker. Zero values take the package defaults; a
// negative RequeuePause disables the pause.
type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	PollTimeout  time.Duration
	RequeuePause time.Duration
}

type queued[T any] struct {
	raw string
	val T
}

// BatchWorker pops JSON items off one queue and writes them in batches.
type BatchWorker[T any] struct {
	queue string
	rdb   *redis.Client
	sink  Sink[T]
	opts  Options
	log   zerolog.Logger
}

// NewBatchWorker creates a worker for queue.
func NewBatchWorker[T any](name, queue string, rdb *redis.Client, sink Sink[T], opts Options, log zerolog.Logger) *BatchWorker[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = BatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = BatchTimeout
	}
	if opts.PollTimeout < time.Second {
		opts.PollTimeout = PollTimeout
	}
	switch {
	case opts.RequeuePause == 0:
		opts.RequeuePause = RequeuePause
	case opts.RequeuePause < 0:
		opts.RequeuePause = 0
	}
	return &BatchWorker[T]{
		queue: queue,
		rdb:   rdb,
		sink:  sink,
		opts:  opts,
		log:   log.With().Str("component", name).Logger(),
	}
}

// Start runs until ctx is cancelled, then flushes what it holds.
func (w *BatchWorker[T]) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("Worker started")

	buffer := make([]queued[T], 0, w.opts.BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 &&
			(len(buffer) >= w.opts.BatchSize || time.Since(lastFlush) >= w.opts.BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, w.opts.PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var val T
		if err := json.Unmarshal([]byte(result[1]), &val); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, queued[T]{raw: result[1], val: val})
	}
}

// flushSafe tries the batch path, then row-by-row, then requeues.
func (w *BatchWorker[T]) flushSafe(ctx context.Context, batch []queued[T]) {
	vals := make([]T, len(batch))
	for i, q := range batch {
		vals[i] = q.val
	}
	err := w.sink.WriteBatch(ctx, vals)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Batch write failed, attempting row-by-row recovery")

	var requeue []string
	for _, q := range batch {
		err := w.sink.WriteOne(ctx, q.val)
		switch {
		case err == nil:
		case isPermanent(err):
			w.log.Error().Err(err).Str("data", q.raw).Msg("Dropping item rejected by the database")
		default:
			requeue = append(requeue, q.raw)
		}
	}
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *BatchWorker[T]) requeue(ctx context.Context, items []string) {
	pipe := w.rdb.Pipeline()
	for _, raw := range items {
		pipe.RPush(context.WithoutCancel(ctx), w.queue, raw)
	}
	if _, err := pipe.Exec(context.WithoutCancel(ctx)); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	sleep(ctx, w.opts.RequeuePause)
}

func (w *BatchWorker[T]) shutdown(buffer []queued[T]) {
	w.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")
	if len(buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	w.flushSafe(ctx, buffer)
}

// isPermanent reports data and constraint errors, which retrying cannot fix.
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
