package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

func testDefinition() *model.TestDefinition {
	return &model.TestDefinition{
		AttemptID:       "att-1",
		TestID:          "t-1",
		Title:           "Networks quiz",
		DurationMinutes: 30,
		TotalMarks:      20,
		Sections: model.TestSections{
			Mcq: []model.McqQuestion{{ID: "q1", Options: []string{"a", "b"}}, {ID: "q2", Options: []string{"a", "b"}}},
			Coding: []model.Challenge{{ID: "c1", TestCases: []model.TestCase{
				{ID: "c1-1", Input: "1", ExpectedOutput: "1", Visible: true},
				{ID: "c1-2", Input: "2", ExpectedOutput: "4"},
			}}},
		},
	}
}

func newTestManager(t *testing.T, be backend.Backend) *session.Manager {
	return newTestManagerWith(t, be, session.Options{})
}

// newTestManagerWith keeps the loops idle so tests drive them explicitly.
func newTestManagerWith(t *testing.T, be backend.Backend, opts session.Options) *session.Manager {
	t.Helper()
	opts.TickInterval = time.Hour
	opts.AnalyticsInterval = time.Hour
	opts.PersistDebounce = time.Hour
	m := session.NewManager(store.NewMemoryStore(), be, opts, zerolog.Nop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

// withClaims stands in for the JWT middleware.
func withClaims(claims *service.Claims) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, claims)
		c.Next()
	}
}

func candidateClaims() *service.Claims {
	return &service.Claims{TokenType: service.TokenTypeCandidate, AttemptID: "att-1", TestID: "t-1"}
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

type statusLog struct {
	mu     sync.Mutex
	phases []model.Phase
}

func (s *statusLog) PublishStatus(_ context.Context, _, _ string, phase model.Phase, _ model.FinalizeReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
}

func (s *statusLog) has(p model.Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.phases {
		if got == p {
			return true
		}
	}
	return false
}
