package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func newClient(t *testing.T, h http.Handler, rps float64) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPOptions{BaseURL: srv.URL + "/api/v1/", Timeout: 5 * time.Second, ExecuteRPS: rps, Token: "svc"}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestHTTPClient_LoadTest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/attempts/att-1/test", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		writeData(w, http.StatusOK, model.TestDefinition{
			TestID:            "t-1",
			DurationMinutes:   30,
			ProctoringEnabled: true,
			Sections:          model.TestSections{Mcq: []model.McqQuestion{{ID: "q1"}}},
		})
	})
	c := newClient(t, mux, 0)

	def, err := c.LoadTest(context.Background(), "att-1")
	require.NoError(t, err)
	assert.Equal(t, "att-1", def.AttemptID)
	assert.Equal(t, 30*time.Minute, def.Duration())
	assert.Equal(t, []string{"q1"}, def.McqQuestionIDs())
}

func TestHTTPClient_SubmitMcqBatchSendsItems(t *testing.T) {
	var got struct {
		Answers []model.McqSubmission `json:"answers"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/attempts/att-1/mcq", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeData(w, http.StatusOK, model.McqResult{TotalScore: 7})
	})
	c := newClient(t, mux, 0)

	res, err := c.SubmitMcqBatch(context.Background(), "att-1", []model.McqSubmission{
		{QuestionID: "q1", SelectedOptions: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 7.0, res.TotalScore)
	require.Len(t, got.Answers, 1)
	assert.Equal(t, "q1", got.Answers[0].QuestionID)
}

func TestHTTPClient_ErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/attempts/missing/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"ATTEMPT_NOT_FOUND","message":"no such attempt"}}`))
	})
	mux.HandleFunc("/api/v1/attempts/x/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newClient(t, mux, 0)

	_, err := c.LoadTest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ATTEMPT_NOT_FOUND", apiErr.Code)

	err = c.SubmitFinal(context.Background(), model.FinalResult{AttemptID: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClient_ConnectionFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(HTTPOptions{BaseURL: url, Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	err = c.FlushAnalytics(context.Background(), "a", model.NewAnalyticsSnapshot())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClient_ExecuteCodeIsRateLimited(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeData(w, http.StatusOK, model.ExecResult{Status: model.ExecStatusOK, Output: "3"})
	})
	c := newClient(t, mux, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := c.ExecuteCode(ctx, model.ExecRequest{Code: "print(3)", Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, "3", res.Output)

	// Burst of one: the second call has to wait a full second.
	_, err = c.ExecuteCode(ctx, model.ExecRequest{Code: "print(3)", Language: "python"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewHTTPClient_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPOptions{BaseURL: "::nope"}, zerolog.Nop())
	assert.Error(t, err)
}
