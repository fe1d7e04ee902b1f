// Package violation counts integrity signals for one attempt, de-bounces
// near-simultaneous signals, and escalates to a forced submission.
package violation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

const (
	DefaultCooldown          = 3 * time.Second
	DefaultThreshold         = 3
	DefaultFullscreenRetries = 3
	DefaultRetryBackoff      = 500 * time.Millisecond
)

// Warning is surfaced to the candidate for every counted violation.
type Warning struct {
	Kind  model.ViolationKind `json:"kind"`
	Count int                 `json:"count"`
	At    time.Time           `json:"at"`
}

// Recorder receives every observed violation, counted or not, for auditing.
type Recorder interface {
	Record(ctx context.Context, v model.Violation)
}

// Fullscreen re-requests fullscreen mode on the candidate's client.
type Fullscreen interface {
	RequestFullscreen(ctx context.Context) error
}

// Options configures a Monitor.
type Options struct {
	AttemptID string
	TestID    string
	// Key is where the violation record is persisted.
	Key               string
	Cooldown          time.Duration
	Threshold         int
	FullscreenRetries int
	RetryBackoff      time.Duration
	Clock             func() time.Time

	OnWarning     func(Warning)
	OnForceSubmit func()

	Fullscreen Fullscreen
	Recorder   Recorder
	// Debouncer batches record writes; nil writes through on every report.
	Debouncer *store.Debouncer
}

// Monitor is the single owner of an attempt's ViolationRecord.
type Monitor struct {
	st   store.Store
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	rec         model.ViolationRecord
	escalated   bool
	closed      bool
	reacquiring bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a Monitor.
func New(st store.Store, opts Options, log zerolog.Logger) *Monitor {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.FullscreenRetries <= 0 {
		opts.FullscreenRetries = DefaultFullscreenRetries
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		st:     st,
		opts:   opts,
		log:    log.With().Str("component", "violation_monitor").Logger(),
		rec:    model.ViolationRecord{Kinds: make(map[model.ViolationKind]int)},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Restore loads a previously persisted record so a reload keeps its count.
func (m *Monitor) Restore(ctx context.Context) error {
	var rec model.ViolationRecord
	if err := store.GetJSON(ctx, m.st, m.opts.Key, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Kinds == nil {
		rec.Kinds = make(map[model.ViolationKind]int)
	}

	m.mu.Lock()
	// Never move backwards.
	if rec.WarningCount >= m.rec.WarningCount {
		m.rec = rec
	}
	m.mu.Unlock()
	return nil
}

// Start arms escalation. A restored record already at the threshold means the
// previous page was forced out before finishing, so ForceSubmit fires now.
func (m *Monitor) Start() {
	m.mu.Lock()
	fire := !m.closed && !m.escalated && m.rec.WarningCount >= m.opts.Threshold
	if fire {
		m.escalated = true
	}
	m.mu.Unlock()

	if fire {
		m.log.Warn().Int("count", m.Record().WarningCount).Msg("Restored record is past threshold")
		if m.opts.OnForceSubmit != nil {
			m.opts.OnForceSubmit()
		}
	}
}

// Report records one integrity signal. It returns true when the signal
// counted as a new warning.
func (m *Monitor) Report(kind model.ViolationKind, detail string) bool {
	now := m.opts.Clock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.rec.Kinds[kind]++

	counted := m.rec.LastWarningAt.IsZero() || now.Sub(m.rec.LastWarningAt) >= m.opts.Cooldown
	if counted {
		m.rec.WarningCount++
		m.rec.LastWarningAt = now
	}
	count := m.rec.WarningCount

	escalate := counted && !m.escalated && count >= m.opts.Threshold
	if escalate {
		m.escalated = true
	}

	reacquire := kind == model.ViolationFullscreenExit && m.opts.Fullscreen != nil && !m.reacquiring
	if reacquire {
		m.reacquiring = true
	}
	snapshot := m.copyLocked()
	ctx := m.ctx
	m.mu.Unlock()

	m.persist(snapshot)

	if m.opts.Recorder != nil {
		m.opts.Recorder.Record(ctx, model.Violation{
			AttemptID:  m.opts.AttemptID,
			TestID:     m.opts.TestID,
			Kind:       kind,
			Detail:     detail,
			Counted:    counted,
			Count:      count,
			OccurredAt: now,
		})
	}

	m.log.Info().
		Str("kind", string(kind)).
		Bool("counted", counted).
		Int("count", count).
		Msg("Violation")

	if counted && m.opts.OnWarning != nil {
		m.opts.OnWarning(Warning{Kind: kind, Count: count, At: now})
	}
	if escalate {
		m.log.Warn().Int("count", count).Msg("Warning threshold reached, forcing submission")
		if m.opts.OnForceSubmit != nil {
			m.opts.OnForceSubmit()
		}
	}
	if reacquire {
		go m.reacquireFullscreen(ctx)
	}
	return counted
}

// reacquireFullscreen retries a bounded number of times; exhausting the
// retries is itself a violation.
func (m *Monitor) reacquireFullscreen(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.reacquiring = false
		m.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= m.opts.FullscreenRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		lastErr = m.opts.Fullscreen.RequestFullscreen(ctx)
		if lastErr == nil {
			m.log.Debug().Int("attempt", attempt).Msg("Fullscreen restored")
			return
		}
		if attempt < m.opts.FullscreenRetries && m.opts.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.opts.RetryBackoff):
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	m.log.Warn().Err(lastErr).Int("retries", m.opts.FullscreenRetries).Msg("Fullscreen re-request failed")
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	m.Report(model.ViolationFullscreenRefused, detail)
}

func (m *Monitor) persist(rec model.ViolationRecord) {
	if m.opts.Debouncer != nil {
		if err := m.opts.Debouncer.PutJSON(m.opts.Key, rec); err != nil {
			m.log.Warn().Err(err).Msg("Schedule violation record write")
		}
		return
	}
	if err := store.SetJSON(context.Background(), m.st, m.opts.Key, rec); err != nil {
		m.log.Warn().Err(err).Msg("Persist violation record")
	}
}

func (m *Monitor) copyLocked() model.ViolationRecord {
	kinds := make(map[model.ViolationKind]int, len(m.rec.Kinds))
	for k, v := range m.rec.Kinds {
		kinds[k] = v
	}
	return model.ViolationRecord{
		WarningCount:  m.rec.WarningCount,
		LastWarningAt: m.rec.LastWarningAt,
		Kinds:         kinds,
	}
}

// Record returns a copy of the current record.
func (m *Monitor) Record() model.ViolationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

// Escalated reports whether ForceSubmit has fired.
func (m *Monitor) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated
}

// Close stops fullscreen retries and ignores further reports.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}
