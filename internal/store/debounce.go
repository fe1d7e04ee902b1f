package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debouncer coalesces frequent writes per key and writes the latest value
// once the key has been quiet for delay. Flush must be called before the
// attempt is torn down.
type Debouncer struct {
	s     Store
	delay time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string][]byte
	timer   *time.Timer
	closed  bool
}

// NewDebouncer creates a Debouncer writing to s.
func NewDebouncer(s Store, delay time.Duration, log zerolog.Logger) *Debouncer {
	return &Debouncer{
		s:       s,
		delay:   delay,
		log:     log.With().Str("component", "debouncer").Logger(),
		pending: make(map[string][]byte),
	}
}

// Put schedules value to be written at key.
func (d *Debouncer) Put(key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending[key] = value
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
	} else {
		d.timer.Reset(d.delay)
	}
}

// PutJSON encodes v and schedules it.
func (d *Debouncer) PutJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("debounce: marshal %s: %w", key, err)
	}
	d.Put(key, raw)
	return nil
}

func (d *Debouncer) fire() {
	if err := d.Flush(context.Background()); err != nil {
		d.log.Warn().Err(err).Msg("Debounced flush failed")
	}
}

// Flush writes every pending value now.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string][]byte)
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	var firstErr error
	for k, v := range batch {
		if err := d.s.Set(ctx, k, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard drops pending values for keys without writing them.
func (d *Debouncer) Discard(keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.pending, k)
	}
}

// Close discards everything pending and rejects further writes.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.pending = make(map[string][]byte)
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
