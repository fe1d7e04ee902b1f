package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// AttemptHandler serves the candidate's REST view of a live attempt. The
// attempt is opened by the stream; these endpoints never open or replace it.
type AttemptHandler struct {
	manager *session.Manager
	log     zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(manager *session.Manager, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		manager: manager,
		log:     log.With().Str("component", "attempt_handler").Logger(),
	}
}

func (h *AttemptHandler) live(c *gin.Context) (*session.Controller, bool) {
	ctrl, ok := h.manager.Get(c.Param("attempt_id"))
	if !ok {
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotLoaded)
		return nil, false
	}
	return ctrl, true
}

// GetState godoc
// GET /api/v1/attempts/:attempt_id/state
func (h *AttemptHandler) GetState(c *gin.Context) {
	ctrl, ok := h.live(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, ctrl.View())
}

// GetPaper godoc
// GET /api/v1/attempts/:attempt_id/paper
// Returns the loaded test without hidden test cases.
func (h *AttemptHandler) GetPaper(c *gin.Context) {
	ctrl, ok := h.live(c)
	if !ok {
		return
	}
	def := ctrl.Definition()
	if def == nil {
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotLoaded)
		return
	}
	response.Success(c, http.StatusOK, def.CandidateCopy())
}

// SubmitFinal godoc
// POST /api/v1/attempts/:attempt_id/submit
// Confirmed final submit; incomplete sections do not block it.
func (h *AttemptHandler) SubmitFinal(c *gin.Context) {
	ctrl, ok := h.live(c)
	if !ok {
		return
	}

	result, err := ctrl.SubmitFinal(c.Request.Context())
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("attempt_id", ctrl.AttemptID()).Msg("Final submit failed")
		}
		response.Fail(c, status, code)
		return
	}
	response.Success(c, http.StatusOK, result)
}
