package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAckTimeout bounds how long a fullscreen request waits for the client.
const DefaultAckTimeout = 5 * time.Second

var (
	ErrNoAck          = errors.New("websocket: fullscreen request not acknowledged")
	ErrStreamClosed   = errors.New("websocket: stream closed")
	ErrFullscreenDeny = errors.New("websocket: fullscreen refused by client")
)

// Sender is the outbound half of a candidate stream.
type Sender interface {
	Send(msg ResponseEnvelope) bool
}

// Fullscreen asks the candidate's browser to re-enter fullscreen and waits
// for its fullscreen_ack.
type Fullscreen struct {
	out     Sender
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool
}

// NewFullscreen creates a Fullscreen bridge writing to out.
func NewFullscreen(out Sender, timeout time.Duration) *Fullscreen {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Fullscreen{
		out:     out,
		timeout: timeout,
		pending: make(map[string]chan error),
	}
}

// RequestFullscreen sends one request and blocks until it is acknowledged,
// refused, timed out, or ctx is done.
func (f *Fullscreen) RequestFullscreen(ctx context.Context) error {
	id := uuid.New().String()
	ack := make(chan error, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrStreamClosed
	}
	f.pending[id] = ack
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
	}()

	if !f.out.Send(ResponseEnvelope{Event: EventFullscreenRequest, Data: FullscreenRequestData{RequestID: id}}) {
		return ErrStreamClosed
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		return err
	case <-timer.C:
		return ErrNoAck
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack resolves the request id. Unknown or late ids are ignored.
func (f *Fullscreen) Ack(id string, ok bool, reason string) {
	f.mu.Lock()
	ch, found := f.pending[id]
	f.mu.Unlock()
	if !found {
		return
	}

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrFullscreenDeny, reason)
	}
	select {
	case ch <- err:
	default:
	}
}

// Close fails every pending request.
func (f *Fullscreen) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.pending {
		select {
		case ch <- ErrStreamClosed:
		default:
		}
		delete(f.pending, id)
	}
}
