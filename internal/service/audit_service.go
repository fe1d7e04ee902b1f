package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AuditService queues attempt events for the persistence workers and
// publishes them on the test's live monitor channel.
type AuditService struct {
	rdb *redis.Client
	log zerolog.Logger
	now func() time.Time
}

// NewAuditService creates a new AuditService.
func NewAuditService(rdb *redis.Client, log zerolog.Logger) *AuditService {
	return &AuditService{
		rdb: rdb,
		log: log.With().Str("component", "audit_service").Logger(),
		now: time.Now,
	}
}

// Record queues a violation and notifies proctors.
func (s *AuditService) Record(ctx context.Context, v model.Violation) {
	if err := s.push(ctx, config.WorkerKey.PersistViolationsQueue, v, model.MonitorEvent{
		Type:      model.MonitorViolation,
		AttemptID: v.AttemptID,
		TestID:    v.TestID,
		Data:      v,
	}); err != nil {
		s.log.Error().Err(err).Str("attempt_id", v.AttemptID).Str("kind", string(v.Kind)).Msg("Queue violation")
	}
}

// JournalAnswer queues an answer change.
func (s *AuditService) JournalAnswer(ctx context.Context, e model.AnswerEntry) {
	if err := s.push(ctx, config.WorkerKey.PersistAnswersQueue, e, model.MonitorEvent{
		Type:      model.MonitorAnswer,
		AttemptID: e.AttemptID,
		TestID:    e.TestID,
		Data: map[string]interface{}{
			"section": e.Section,
			"item_id": e.ItemID,
			"cleared": e.Cleared,
		},
	}); err != nil {
		s.log.Error().Err(err).Str("attempt_id", e.AttemptID).Str("item_id", e.ItemID).Msg("Queue answer")
	}
}

// EnqueueResult queues the final result.
func (s *AuditService) EnqueueResult(ctx context.Context, r model.FinalResult) error {
	return s.push(ctx, config.WorkerKey.PersistResultsQueue, r, model.MonitorEvent{
		Type:      model.MonitorFinalized,
		AttemptID: r.AttemptID,
		TestID:    r.TestID,
		Data:      r,
	})
}

// PublishStatus tells proctors that an attempt changed phase.
func (s *AuditService) PublishStatus(ctx context.Context, testID, attemptID string, phase model.Phase, reason model.FinalizeReason) {
	ev := model.MonitorEvent{
		Type:      model.MonitorStatus,
		AttemptID: attemptID,
		TestID:    testID,
		Data:      map[string]string{"phase": string(phase), "reason": string(reason)},
		At:        s.now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(context.WithoutCancel(ctx), config.CacheKey.TestMonitorChannel(testID), raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Publish status")
	}
}

// push appends item to queue and publishes ev in one round trip. Queue
// writes outlive the caller's context: an attempt that just finalized
// still needs its last events stored.
func (s *AuditService) push(ctx context.Context, queue string, item interface{}, ev model.MonitorEvent) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s item: %w", queue, err)
	}
	ev.At = s.now().UTC()
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal monitor event: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, queue, data)
	if ev.TestID != "" {
		pipe.Publish(ctx, config.CacheKey.TestMonitorChannel(ev.TestID), msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}
