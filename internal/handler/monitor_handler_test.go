package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgress struct {
	out []model.AttemptProgress
	err error
}

func (f *fakeProgress) GetAttemptProgress(context.Context, string) ([]model.AttemptProgress, error) {
	return f.out, f.err
}

type fakeResultSource struct{ out []model.FinalResult }

func (f *fakeResultSource) ListByTest(context.Context, string) ([]model.FinalResult, error) {
	return f.out, nil
}

type fakeResetter struct{ reset []string }

func (f *fakeResetter) ResetDevice(_ context.Context, attemptID string) error {
	f.reset = append(f.reset, attemptID)
	return nil
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func monitorRouter(t *testing.T, progress ProgressSource, results ResultSource, devices DeviceResetter) *gin.Engine {
	h := NewMonitorHandler(newRedis(t), progress, results, devices, zerolog.Nop())
	r := gin.New()
	g := r.Group("/api/v1/proctor/tests/:test_id")
	g.GET("/progress", h.GetProgress)
	g.GET("/results", h.ListResults)
	g.POST("/devices/reset", h.ResetDevice)
	return r
}

func TestMonitorHandler_Progress(t *testing.T) {
	progress := &fakeProgress{out: []model.AttemptProgress{{AttemptID: "a1", AnsweredCount: 3}}}
	r := monitorRouter(t, progress, &fakeResultSource{}, &fakeResetter{})

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/proctor/tests/t-1/progress", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out []model.AttemptProgress
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, progress.out, out)

	progress.err = errors.New("db down")
	w, env = doJSON(t, r, http.MethodGet, "/api/v1/proctor/tests/t-1/progress", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, response.ErrInternal, env.Error.Code)
}

func TestMonitorHandler_EmptyResultsIsArray(t *testing.T) {
	r := monitorRouter(t, &fakeProgress{}, &fakeResultSource{}, &fakeResetter{})
	w, env := doJSON(t, r, http.MethodGet, "/api/v1/proctor/tests/t-1/results", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestMonitorHandler_ResetDevice(t *testing.T) {
	devices := &fakeResetter{}
	r := monitorRouter(t, &fakeProgress{}, &fakeResultSource{}, devices)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/proctor/tests/t-1/devices/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Fields, "attempt_id")

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/proctor/tests/t-1/devices/reset", `{"attempt_id":"a1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a1"}, devices.reset)
}
