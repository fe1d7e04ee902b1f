package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 5 * time.Minute
	maxMessage   = 128 << 10
	outboxBuffer = 64
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}

// DecodePayload unmarshals a request payload into dst and validates it.
// The returned map is nil on success.
func DecodePayload(raw json.RawMessage, dst interface{}) map[string]string {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return map[string]string{"detail": err.Error()}
	}
	if err := validator.Struct(dst); err != nil {
		return validator.TranslateErrors(err)
	}
	return nil
}

// Conn serializes all writes to one WebSocket through a single writer
// goroutine, so session events and replies never interleave.
type Conn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	outbox chan ResponseEnvelope
	once   sync.Once
	done   chan struct{}
}

// NewConn wraps an upgraded connection.
func NewConn(conn *websocket.Conn, log zerolog.Logger) *Conn {
	conn.SetReadLimit(maxMessage)
	return &Conn{
		conn:   conn,
		log:    log,
		outbox: make(chan ResponseEnvelope, outboxBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a message without blocking. It returns false when the
// connection is closed or the client is too slow to keep up.
func (c *Conn) Send(msg ResponseEnvelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn().Str("event", string(msg.Event)).Msg("Outbox full, dropping message")
		return false
	}
}

// Reply acknowledges request id with data.
func (c *Conn) Reply(id string, event Event, data interface{}) bool {
	return c.Send(ResponseEnvelope{Event: event, ID: id, Data: data})
}

// SendError reports a failed request.
func (c *Conn) SendError(id, code, message string, fields map[string]string) bool {
	return c.Send(ResponseEnvelope{
		Event: EventError,
		ID:    id,
		Error: &ErrorBody{Code: code, Message: message, Fields: fields},
	})
}

// WritePump drains the outbox until ctx is done or Close is called.
func (c *Conn) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.outbox:
			if err := WriteTyped(c.conn, msg); err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing stream")
				c.Close()
				return
			}
		}
	}
}

// Read decodes the next client message.
func (c *Conn) Read() (RequestEnvelope, error) {
	var req RequestEnvelope
	err := ReadJSON(c.conn, &req)
	return req, err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the writer and closes the socket. It is safe to call more
// than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
