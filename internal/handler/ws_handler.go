package handler

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// finalSubmitTimeout bounds a final submit that outlives its connection.
const finalSubmitTimeout = time.Minute

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StatusPublisher announces attempt phase changes to the proctor monitor.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, testID, attemptID string, phase model.Phase, reason model.FinalizeReason)
}

// WSHandler runs the candidate's attempt stream.
type WSHandler struct {
	manager    *session.Manager
	status     StatusPublisher
	classifier proctoring.Classifier
	ackTimeout time.Duration
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. classifier may be nil when clients
// send their own frame detections.
func NewWSHandler(manager *session.Manager, status StatusPublisher, classifier proctoring.Classifier, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		manager:    manager,
		status:     status,
		classifier: classifier,
		ackTimeout: ws.DefaultAckTimeout,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader:   buildUpgrader(allowedOrigins),
	}
}

// attemptStream is the per-connection state of one candidate stream.
type attemptStream struct {
	h         *WSHandler
	conn      *ws.Conn
	ctrl      *session.Controller
	feed      *proctoring.PushSource
	fs        *ws.Fullscreen
	attemptID string
	testID    string
	log       zerolog.Logger

	// ops tracks backend calls running off the read loop.
	ops sync.WaitGroup
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream
// Opens (or reopens) the attempt's controller and streams its events.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID := c.Param("attempt_id")

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Str("attempt_id", attemptID).
		Str("test_id", claims.TestID).
		Logger()

	conn := ws.NewConn(raw, wsLog)
	s := &attemptStream{
		h:         h,
		conn:      conn,
		feed:      proctoring.NewPushSource(proctoring.DefaultPushBuffer),
		fs:        ws.NewFullscreen(conn, h.ackTimeout),
		attemptID: attemptID,
		testID:    claims.TestID,
		log:       wsLog,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, err := h.manager.Open(ctx, attemptID, session.Capabilities{
		Feed:       s.feed,
		Classifier: h.classifier,
		Fullscreen: s.fs,
	}, s.onEvent)
	if err != nil {
		wsLog.Warn().Err(err).Msg("Open attempt failed")
		_, code := classify(err)
		_ = ws.WriteTyped(raw, ws.ResponseEnvelope{
			Event: ws.EventError,
			Error: &ws.ErrorBody{Code: string(code), Message: response.GetMessage(code)},
		})
		conn.Close()
		return
	}
	s.ctrl = ctrl

	go conn.WritePump(ctx)
	conn.Reply("", ws.EventState, ctrl.View())
	wsLog.Info().Str("phase", string(ctrl.Phase())).Msg("Candidate connected")

	for {
		req, err := conn.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}
		s.dispatch(ctx, req)
	}

	s.disconnect(cancel)
}

// disconnect releases the connection. Before the attempt starts the
// controller is suspended; a running attempt keeps its timer so the
// deadline still finalizes it, and a reconnect replaces it.
func (s *attemptStream) disconnect(cancel context.CancelFunc) {
	s.fs.Close()
	s.conn.Close()
	cancel()
	s.ops.Wait()

	switch s.ctrl.Phase() {
	case model.PhaseLoading, model.PhaseInstructions:
		s.h.manager.Close(context.Background(), s.ctrl)
	}
	s.log.Info().Str("phase", string(s.ctrl.Phase())).Msg("Candidate disconnected")
}

func (s *attemptStream) onEvent(e session.Event) {
	s.conn.Send(ws.ResponseEnvelope{Event: ws.Event(e.Type), Data: e.Data})
	if e.Type != session.EventPhase || s.h.status == nil {
		return
	}
	if pd, ok := e.Data.(session.PhaseData); ok {
		s.h.status.PublishStatus(context.Background(), s.testID, s.attemptID, pd.Phase, pd.Reason)
	}
}

func (s *attemptStream) dispatch(ctx context.Context, req ws.RequestEnvelope) {
	switch req.Action {
	case ws.ActionPing:
		s.conn.Reply(req.ID, ws.EventPong, nil)

	case ws.ActionState:
		s.conn.Reply(req.ID, ws.EventState, s.ctrl.View())

	case ws.ActionCameraGranted:
		s.feed.Grant()
		s.conn.Reply(req.ID, ws.EventAck, nil)

	case ws.ActionCameraDenied:
		var p ws.CameraDeniedRequest
		if !s.decode(req, &p) {
			return
		}
		s.feed.Deny(p.Reason)
		s.conn.Reply(req.ID, ws.EventAck, nil)

	case ws.ActionBegin:
		s.async(ctx, req, func(ctx context.Context) (interface{}, error) {
			if err := s.ctrl.Begin(ctx); err != nil {
				return nil, err
			}
			return s.ctrl.View(), nil
		})

	case ws.ActionAnswer:
		var p ws.AnswerRequest
		if !s.decode(req, &p) {
			return
		}
		s.reply(req.ID, nil, s.ctrl.SetMcqAnswer(p.QuestionID, p.SelectedOptions))

	case ws.ActionCode:
		var p ws.CodeRequest
		if !s.decode(req, &p) {
			return
		}
		s.reply(req.ID, nil, s.ctrl.SetCode(p.ChallengeID, p.Code, p.Language))

	case ws.ActionNavigate:
		var p ws.NavigateRequest
		if !s.decode(req, &p) {
			return
		}
		s.reply(req.ID, nil, s.ctrl.Navigate(p.ItemID))

	case ws.ActionView:
		var p ws.ViewRequest
		if !s.decode(req, &p) {
			return
		}
		s.reply(req.ID, nil, s.ctrl.SetView(p.View))

	case ws.ActionViolation:
		var p ws.ViolationRequest
		if !s.decode(req, &p) {
			return
		}
		counted, err := s.ctrl.ReportViolation(p.Kind, p.Detail)
		s.reply(req.ID, ws.ViolationAck{Counted: counted}, err)

	case ws.ActionFrame:
		var p ws.FrameRequest
		if !s.decode(req, &p) {
			return
		}
		// Frames are fire-and-forget; a full buffer drops the frame.
		s.feed.Push(proctoring.Frame{
			Detection: &proctoring.Detection{
				FaceCount:             p.FaceCount,
				ProhibitedDeviceCount: p.ProhibitedDeviceCount,
			},
		})

	case ws.ActionFullscreenAck:
		var p ws.FullscreenAckRequest
		if !s.decode(req, &p) {
			return
		}
		s.fs.Ack(p.RequestID, p.OK, p.Error)

	case ws.ActionSubmitMcq:
		s.async(ctx, req, func(ctx context.Context) (interface{}, error) {
			return s.ctrl.SubmitMcq(ctx)
		})

	case ws.ActionRun:
		var p ws.ChallengeRequest
		if !s.decode(req, &p) {
			return
		}
		s.async(ctx, req, func(ctx context.Context) (interface{}, error) {
			return s.ctrl.RunChallenge(ctx, p.ChallengeID)
		})

	case ws.ActionSubmitChallenge:
		var p ws.ChallengeRequest
		if !s.decode(req, &p) {
			return
		}
		s.async(ctx, req, func(ctx context.Context) (interface{}, error) {
			return s.ctrl.SubmitChallenge(ctx, p.ChallengeID)
		})

	case ws.ActionSubmitFinal:
		// The final submit is not abandoned when the connection drops.
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSubmitTimeout)
		s.async(detached, req, func(ctx context.Context) (interface{}, error) {
			defer cancel()
			return s.ctrl.SubmitFinal(ctx)
		})

	default:
		s.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		s.conn.SendError(req.ID, string(response.ErrUnknownAction), response.GetMessage(response.ErrUnknownAction), nil)
	}
}

// async runs a backend-bound operation off the read loop so fullscreen acks
// and violations keep flowing while it is in flight.
func (s *attemptStream) async(ctx context.Context, req ws.RequestEnvelope, fn func(context.Context) (interface{}, error)) {
	s.ops.Add(1)
	go func() {
		defer s.ops.Done()
		data, err := fn(ctx)
		s.reply(req.ID, data, err)
	}()
}

func (s *attemptStream) decode(req ws.RequestEnvelope, dst interface{}) bool {
	if fields := ws.DecodePayload(req.Payload, dst); fields != nil {
		s.conn.SendError(req.ID, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
		return false
	}
	return true
}

func (s *attemptStream) reply(id string, data interface{}, err error) {
	if err == nil {
		s.conn.Reply(id, ws.EventAck, data)
		return
	}
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", string(code)).Msg("Request failed")
	} else {
		s.log.Debug().Err(err).Str("code", string(code)).Msg("Request rejected")
	}
	s.conn.SendError(id, string(code), response.GetMessage(code), nil)
}
