package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

// Manager keeps one live controller per attempt. Reopening an attempt
// suspends the previous controller and builds a fresh one from persisted
// state, exactly like a page reload.
type Manager struct {
	st   store.Store
	be   backend.Backend
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager creates a Manager. opts is the template for every controller;
// its OnEvent and OnFinalized are replaced per attempt.
func NewManager(st store.Store, be backend.Backend, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		st:       st,
		be:       be,
		opts:     opts,
		log:      log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Controller),
	}
}

// Open loads a controller for attemptID bound to caps. onEvent receives the
// controller's pushed events.
func (m *Manager) Open(ctx context.Context, attemptID string, caps Capabilities, onEvent func(Event)) (*Controller, error) {
	m.mu.Lock()
	prev := m.sessions[attemptID]
	delete(m.sessions, attemptID)
	m.mu.Unlock()

	if prev != nil {
		m.log.Info().Str("attempt_id", attemptID).Msg("Replacing live session")
		prev.Suspend(ctx)
	}

	opts := m.opts
	opts.OnEvent = onEvent
	var ctrl *Controller
	opts.OnFinalized = func(model.FinalResult) { m.remove(attemptID, ctrl) }

	ctrl = NewController(attemptID, m.st, m.be, caps, opts, m.log)
	if err := ctrl.Load(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[attemptID] = ctrl
	m.mu.Unlock()
	return ctrl, nil
}

// Get returns the live controller for attemptID.
func (m *Manager) Get(attemptID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[attemptID]
	return c, ok
}

// Close suspends the controller if it is still the live one for its attempt.
func (m *Manager) Close(ctx context.Context, ctrl *Controller) {
	m.mu.Lock()
	if m.sessions[ctrl.AttemptID()] == ctrl {
		delete(m.sessions, ctrl.AttemptID())
	}
	m.mu.Unlock()
	ctrl.Suspend(ctx)
}

func (m *Manager) remove(attemptID string, ctrl *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[attemptID] == ctrl {
		delete(m.sessions, attemptID)
	}
}

// Len returns the number of live controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown suspends every live controller, flushing their persisted state.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range live {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Suspend(ctx)
		}(c)
	}
	wg.Wait()
	m.log.Info().Int("sessions", len(live)).Msg("All sessions suspended")
}
