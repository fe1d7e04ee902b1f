package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAudit(t *testing.T) (*AuditService, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewAuditService(rdb, zerolog.Nop()), rdb
}

func TestAudit_RecordQueuesAndPublishes(t *testing.T) {
	s, rdb := newAudit(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, config.CacheKey.TestMonitorChannel("t-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s.Record(ctx, model.Violation{AttemptID: "att-1", TestID: "t-1", Kind: model.ViolationTabHidden, Counted: true, Count: 1})

	raw, err := rdb.LPop(ctx, config.WorkerKey.PersistViolationsQueue).Result()
	require.NoError(t, err)
	var v model.Violation
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	assert.Equal(t, model.ViolationTabHidden, v.Kind)

	select {
	case msg := <-sub.Channel():
		var ev model.MonitorEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, model.MonitorViolation, ev.Type)
		assert.Equal(t, "att-1", ev.AttemptID)
	case <-time.After(time.Second):
		t.Fatal("no monitor event published")
	}
}

func TestAudit_QueueSurvivesCancelledContext(t *testing.T) {
	s, rdb := newAudit(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.JournalAnswer(ctx, model.AnswerEntry{AttemptID: "att-1", TestID: "t-1", Section: config.SectionMCQ, ItemID: "q1"})
	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistAnswersQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAudit_EnqueueResult(t *testing.T) {
	s, rdb := newAudit(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueResult(ctx, model.FinalResult{AttemptID: "att-1", TestID: "t-1", TotalScore: 140, Delivered: true}))

	raw, err := rdb.LPop(ctx, config.WorkerKey.PersistResultsQueue).Result()
	require.NoError(t, err)
	var r model.FinalResult
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	assert.Equal(t, 140.0, r.TotalScore)
	assert.True(t, r.Delivered)
}
