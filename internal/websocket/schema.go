package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionState           Action = "state"
	ActionCameraGranted   Action = "camera_granted"
	ActionCameraDenied    Action = "camera_denied"
	ActionBegin           Action = "begin"
	ActionAnswer          Action = "answer"
	ActionCode            Action = "code"
	ActionNavigate        Action = "navigate"
	ActionView            Action = "view"
	ActionViolation       Action = "violation"
	ActionFrame           Action = "frame"
	ActionFullscreenAck   Action = "fullscreen_ack"
	ActionSubmitMcq       Action = "submit_mcq"
	ActionRun             Action = "run"
	ActionSubmitChallenge Action = "submit_challenge"
	ActionSubmitFinal     Action = "submit_final"
	ActionPing            Action = "ping"
)

// RequestEnvelope carries every client message. ID is echoed on the reply so
// the client can correlate asynchronous results.
type RequestEnvelope struct {
	Action  Action          `json:"action"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CameraDeniedRequest reports that the browser refused camera access.
type CameraDeniedRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

// AnswerRequest sets or clears one MCQ answer.
type AnswerRequest struct {
	QuestionID      string   `json:"question_id" validate:"required,max=64"`
	SelectedOptions []string `json:"selected_options" validate:"max=16,dive,max=64"`
}

// CodeRequest replaces the current source of one challenge.
type CodeRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
	Code        string `json:"code" validate:"max=65536"`
	Language    string `json:"language" validate:"required_with=Code,max=32"`
}

// NavigateRequest moves focus to a question or challenge.
type NavigateRequest struct {
	ItemID string `json:"item_id" validate:"required,max=64"`
}

// ViewRequest persists the current UI sub-view.
type ViewRequest struct {
	View string `json:"view" validate:"required,max=128"`
}

// ViolationRequest reports one integrity signal.
type ViolationRequest struct {
	Kind   model.ViolationKind `json:"kind" validate:"required,client_violation"`
	Detail string              `json:"detail" validate:"max=500"`
}

// FrameRequest carries a client-side detection result for one camera frame.
type FrameRequest struct {
	FaceCount             int `json:"face_count" validate:"min=0,max=32"`
	ProhibitedDeviceCount int `json:"prohibited_device_count" validate:"min=0,max=32"`
}

// FullscreenAckRequest answers a fullscreen_request event.
type FullscreenAckRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	OK        bool   `json:"ok"`
	Error     string `json:"error" validate:"max=200"`
}

// ChallengeRequest names the challenge to run or submit.
type ChallengeRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError             Event = "error"
	EventAck               Event = "ack"
	EventPong              Event = "pong"
	EventState             Event = "state"
	EventFullscreenRequest Event = "fullscreen_request"
)

// ResponseEnvelope is every server message. Session events reuse their own
// type names as Event.
type ResponseEnvelope struct {
	Event Event       `json:"event"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody mirrors the REST error shape.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// FullscreenRequestData asks the client to re-enter fullscreen.
type FullscreenRequestData struct {
	RequestID string `json:"request_id"`
}

// ViolationAck tells the client whether a reported signal counted.
type ViolationAck struct {
	Counted bool `json:"counted"`
}
