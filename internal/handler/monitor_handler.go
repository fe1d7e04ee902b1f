package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// ProgressSource produces the per-attempt monitor snapshot.
type ProgressSource interface {
	GetAttemptProgress(ctx context.Context, testID string) ([]model.AttemptProgress, error)
}

// ResultSource lists the durable final results of a test.
type ResultSource interface {
	ListByTest(ctx context.Context, testID string) ([]model.FinalResult, error)
}

// DeviceResetter releases an attempt's device binding.
type DeviceResetter interface {
	ResetDevice(ctx context.Context, attemptID string) error
}

// MonitorHandler serves the proctor's live view of a test.
type MonitorHandler struct {
	rdb      *redis.Client
	progress ProgressSource
	results  ResultSource
	devices  DeviceResetter
	log      zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, progress ProgressSource, results ResultSource, devices DeviceResetter, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:      rdb,
		progress: progress,
		results:  results,
		devices:  devices,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorTestSSE godoc
// GET /api/v1/proctor/tests/:test_id/monitor
// Sends a snapshot, then forwards live violation, status and answer events.
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	testID := c.Param("test_id")
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, testID, "snapshot")

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.TestMonitorChannel(testID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refresh queries until something has happened on the test.
	active := false

	h.log.Info().Str("test_id", testID).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_id", testID).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			writeSSEData(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.sendSnapshot(c, reqCtx, testID, "refresh")

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// sendSnapshot queries progress with a timeout so a slow query doesn't block
// the connection.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parent context.Context, testID, kind string) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	attempts, err := h.progress.GetAttemptProgress(ctx, testID)
	if err != nil {
		h.log.Warn().Err(err).Str("test_id", testID).Msg("Failed to fetch attempt progress")
		if kind == "refresh" {
			return
		}
		attempts = []model.AttemptProgress{}
	}

	var finalized, violations int64
	for _, a := range attempts {
		violations += a.ViolationCount
		if a.Finalized {
			finalized++
		}
	}

	c.SSEvent("message", gin.H{
		"type":    kind,
		"test_id": testID,
		"stats": gin.H{
			"total_attempts":   len(attempts),
			"total_finalized":  finalized,
			"total_violations": violations,
		},
		"attempts": attempts,
	})
	c.Writer.Flush()
}

// GetProgress godoc
// GET /api/v1/proctor/tests/:test_id/progress
func (h *MonitorHandler) GetProgress(c *gin.Context) {
	attempts, err := h.progress.GetAttemptProgress(c.Request.Context(), c.Param("test_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Get attempt progress")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, attempts)
}

// ListResults godoc
// GET /api/v1/proctor/tests/:test_id/results
func (h *MonitorHandler) ListResults(c *gin.Context) {
	results, err := h.results.ListByTest(c.Request.Context(), c.Param("test_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("List results")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if results == nil {
		results = []model.FinalResult{}
	}
	response.Success(c, http.StatusOK, results)
}

type resetDeviceRequest struct {
	AttemptID string `json:"attempt_id" binding:"required,max=64"`
}

// ResetDevice godoc
// POST /api/v1/proctor/tests/:test_id/devices/reset
// Lets a candidate continue from another device.
func (h *MonitorHandler) ResetDevice(c *gin.Context) {
	var req resetDeviceRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.devices.ResetDevice(c.Request.Context(), req.AttemptID); err != nil {
		h.log.Error().Err(err).Str("attempt_id", req.AttemptID).Msg("Reset device binding")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	h.log.Info().Str("attempt_id", req.AttemptID).Str("test_id", c.Param("test_id")).Msg("Device binding reset")
	response.Success(c, http.StatusOK, gin.H{"attempt_id": req.AttemptID})
}
