package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Fallback writes through to a primary store and an in-memory mirror. The
// first primary failure switches it to memory-only for the rest of its life;
// attempt state then survives only as long as the process.
type Fallback struct {
	primary Store
	memory  *MemoryStore
	log     zerolog.Logger

	mu       sync.RWMutex
	degraded bool
}

var _ Store = (*Fallback)(nil)

// NewFallback wraps primary. A nil primary starts degraded.
func NewFallback(primary Store, log zerolog.Logger) *Fallback {
	return &Fallback{
		primary:  primary,
		memory:   NewMemoryStore(),
		log:      log.With().Str("component", "store").Logger(),
		degraded: primary == nil,
	}
}

// Degraded reports whether the primary store has been abandoned.
func (f *Fallback) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded
}

func (f *Fallback) degrade(err error) {
	f.mu.Lock()
	already := f.degraded
	f.degraded = true
	f.mu.Unlock()
	if !already {
		f.log.Warn().Err(err).Msg("Persistence unavailable, continuing in memory only")
	}
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	if !f.Degraded() {
		v, err := f.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			return v, err
		}
		f.degrade(err)
	}
	return f.memory.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte) error {
	_ = f.memory.Set(ctx, key, value)
	if f.Degraded() {
		return nil
	}
	if err := f.primary.Set(ctx, key, value); err != nil {
		f.degrade(err)
	}
	return nil
}

func (f *Fallback) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	if !f.Degraded() {
		ok, err := f.primary.SetNX(ctx, key, value)
		if err == nil {
			if ok {
				_ = f.memory.Set(ctx, key, value)
			}
			return ok, nil
		}
		f.degrade(err)
	}
	return f.memory.SetNX(ctx, key, value)
}

func (f *Fallback) Delete(ctx context.Context, keys ...string) error {
	_ = f.memory.Delete(ctx, keys...)
	if f.Degraded() {
		return nil
	}
	if err := f.primary.Delete(ctx, keys...); err != nil {
		f.degrade(err)
	}
	return nil
}
