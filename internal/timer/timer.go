// Package timer derives an attempt's absolute deadline, persists it once, and
// counts down to a single expiry event.
package timer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/store"
)

// DefaultInterval is the countdown tick period.
const DefaultInterval = time.Second

// ErrInvalidDuration is returned by Start for non-positive durations.
var ErrInvalidDuration = errors.New("timer: duration must be positive")

// Options configures a Timer.
type Options struct {
	// Key is where the deadline is persisted.
	Key      string
	Interval time.Duration
	Clock    func() time.Time
	// OnTick receives the remaining time on every tick.
	OnTick func(remaining time.Duration)
	// OnExpire is called exactly once when remaining reaches zero.
	OnExpire func()
}

// Timer is the attempt countdown.
type Timer struct {
	st       store.Store
	key      string
	interval time.Duration
	clock    func() time.Time
	onTick   func(time.Duration)
	onExpire func()
	log      zerolog.Logger

	mu       sync.Mutex
	deadline time.Time
	started  bool
	expired  bool
	stopped  bool
}

// New creates a Timer backed by st.
func New(st store.Store, opts Options, log zerolog.Logger) *Timer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Timer{
		st:       st,
		key:      opts.Key,
		interval: opts.Interval,
		clock:    opts.Clock,
		onTick:   opts.OnTick,
		onExpire: opts.OnExpire,
		log:      log.With().Str("component", "deadline_timer").Logger(),
	}
}

// Start fixes the deadline. A persisted deadline always wins over a fresh
// computation, so reloading never grants extra time. Calling Start again
// returns the existing deadline unchanged.
func (t *Timer) Start(ctx context.Context, duration time.Duration) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return t.deadline, nil
	}

	if deadline, ok := t.load(ctx); ok {
		t.deadline = deadline
		t.started = true
		t.log.Info().Time("deadline", deadline).Msg("Resumed persisted deadline")
		return deadline, nil
	}

	if duration <= 0 {
		return time.Time{}, ErrInvalidDuration
	}

	deadline := t.clock().Add(duration).Truncate(time.Millisecond).UTC()
	ok, err := t.st.SetNX(ctx, t.key, encode(deadline))
	switch {
	case err != nil:
		t.log.Warn().Err(err).Msg("Deadline not persisted, a reload will lose it")
	case !ok:
		// Another writer got there first; its deadline is the attempt's.
		if winner, found := t.load(ctx); found {
			deadline = winner
		}
	}

	t.deadline = deadline
	t.started = true
	t.log.Info().Time("deadline", deadline).Msg("Deadline set")
	return deadline, nil
}

func (t *Timer) load(ctx context.Context) (time.Time, bool) {
	raw, err := t.st.Get(ctx, t.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.log.Warn().Err(err).Msg("Read persisted deadline")
		}
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		t.log.Warn().Err(err).Str("raw", string(raw)).Msg("Corrupt persisted deadline, ignoring")
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func encode(deadline time.Time) []byte {
	return []byte(strconv.FormatInt(deadline.UnixMilli(), 10))
}

// Tick evaluates the countdown at now and emits it. It returns the remaining
// time; after expiry or Stop it is inert.
func (t *Timer) Tick(now time.Time) time.Duration {
	t.mu.Lock()
	if !t.started || t.expired || t.stopped {
		t.mu.Unlock()
		return 0
	}
	remaining := t.deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	fire := remaining == 0
	if fire {
		t.expired = true
	}
	onTick, onExpire := t.onTick, t.onExpire
	t.mu.Unlock()

	if onTick != nil {
		onTick(remaining)
	}
	if fire {
		t.log.Info().Msg("Deadline reached")
		if onExpire != nil {
			onExpire()
		}
	}
	return remaining
}

// Run ticks every interval until ctx is done, the deadline passes, or Stop.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Tick(t.clock())
	for {
		if t.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(t.clock())
		}
	}
}

// Remaining returns max(0, deadline-now) without emitting anything.
func (t *Timer) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.expired {
		return 0
	}
	if r := t.deadline.Sub(now); r > 0 {
		return r
	}
	return 0
}

// Deadline returns the fixed deadline, zero before Start.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Done reports whether the timer has expired or been stopped.
func (t *Timer) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired || t.stopped
}

// Stop silences the timer without firing expiry.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
