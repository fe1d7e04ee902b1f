package proctoring

import (
	"context"
	"errors"
	"sync"
)

// DefaultPushBuffer bounds frames queued between the client and the adapter.
const DefaultPushBuffer = 16

// PushSource is a FrameSource fed by the candidate's client over the
// websocket. The client must grant camera access before Open succeeds.
type PushSource struct {
	mu      sync.Mutex
	ch      chan Frame
	granted bool
	denied  string
	closed  bool
}

// NewPushSource creates a PushSource with the given buffer size.
func NewPushSource(buffer int) *PushSource {
	if buffer <= 0 {
		buffer = DefaultPushBuffer
	}
	return &PushSource{ch: make(chan Frame, buffer)}
}

// Grant records that the client has camera access.
func (s *PushSource) Grant() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = true
	s.denied = ""
}

// Deny records why the client could not provide a camera.
func (s *PushSource) Deny(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = false
	if reason == "" {
		reason = "permission denied"
	}
	s.denied = reason
}

// Granted reports whether the client has granted access.
func (s *PushSource) Granted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

func (s *PushSource) Open(context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, errors.New("feed closed")
	case s.denied != "":
		return nil, errors.New(s.denied)
	case !s.granted:
		return nil, errors.New("camera access not granted")
	}
	return s.ch, nil
}

// Push queues a frame. Frames are dropped when the buffer is full or the
// source is closed; it reports whether the frame was queued.
func (s *PushSource) Push(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.granted {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

func (s *PushSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}
