package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noResults struct{}

func (noResults) ListByTest(context.Context, string) ([]model.FinalResult, error) { return nil, nil }

type noProgress struct{}

func (noProgress) GetAttemptProgress(context.Context, string) ([]model.AttemptProgress, error) {
	return []model.AttemptProgress{}, nil
}

func setup(t *testing.T) (*gin.Engine, *service.AuthService) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "test-secret", JWTExpiry: time.Hour}
	st := store.NewFallback(store.NewRedisStore(rdb, time.Hour), zerolog.Nop())
	auth := service.NewAuthService(cfg, st)
	manager := session.NewManager(st, backend.NewFake(), session.Options{}, zerolog.Nop())

	handlers := &Handlers{
		Attempt: handler.NewAttemptHandler(manager, zerolog.Nop()),
		WS:      handler.NewWSHandler(manager, nil, nil, zerolog.Nop(), nil),
		Monitor: handler.NewMonitorHandler(rdb, noProgress{}, noResults{}, auth, zerolog.Nop()),
		System:  handler.NewSystemHandler(rdb, manager, st, zerolog.Nop()),
	}
	return SetupRouter(auth, handlers, middleware.NewRateLimiter(100, 100), cfg), auth
}

func get(t *testing.T, r http.Handler, path, token string) (int, *response.ErrorBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body.Error
}

func TestRouter_Health(t *testing.T) {
	r, _ := setup(t)
	code, _ := get(t, r, "/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRouter_CandidateRoutes(t *testing.T) {
	r, auth := setup(t)

	code, _ := get(t, r, "/api/v1/attempts/att-1/state", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	tok, err := auth.GenerateCandidateToken("att-1", "t-1")
	require.NoError(t, err)
	code, errBody := get(t, r, "/api/v1/attempts/att-1/state", tok)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, errBody)
	assert.Equal(t, response.ErrAttemptNotLoaded, errBody.Code)

	proctor, err := auth.GenerateProctorToken("p-1", []string{"t-1"})
	require.NoError(t, err)
	code, errBody = get(t, r, "/api/v1/attempts/att-1/state", proctor)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, response.ErrCandidateOnly, errBody.Code)
}

func TestRouter_ProctorRoutes(t *testing.T) {
	r, auth := setup(t)
	proctor, err := auth.GenerateProctorToken("p-1", []string{"t-1"})
	require.NoError(t, err)

	code, _ := get(t, r, "/api/v1/proctor/tests/t-1/progress", proctor)
	assert.Equal(t, http.StatusOK, code)

	code, errBody := get(t, r, "/api/v1/proctor/tests/t-9/progress", proctor)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, response.ErrTestScope, errBody.Code)
}
