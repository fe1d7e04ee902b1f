// Package section holds the answer state of one test section. The MCQ and
// coding sections are independent instances with their own submit lifecycle.
package section

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

var (
	// ErrSectionSubmitted is returned for writes after the section was submitted.
	ErrSectionSubmitted = errors.New("section: already submitted")
	// ErrSectionLocked is returned for writes while the section's submit is in flight.
	ErrSectionLocked = errors.New("section: submit in progress")
	// ErrUnknownItem is returned for ids outside the loaded definition.
	ErrUnknownItem = errors.New("section: unknown question or challenge")
)

// Answer is an answer payload. An empty answer clears the item.
type Answer interface {
	Empty() bool
}

// Change describes one accepted SetAnswer.
type Change[T Answer] struct {
	ID       string
	Previous T
	Current  T
	// First is true when the item had no answer before.
	First bool
}

// Options configures a Store.
type Options struct {
	// Key is where the section state is persisted.
	Key string
	// Debouncer batches writes; nil writes through.
	Debouncer *store.Debouncer
}

// Store is one section's answers.
type Store[T Answer] struct {
	name string
	st   store.Store
	opts Options
	log  zerolog.Logger

	mu        sync.RWMutex
	order     []string
	known     map[string]bool
	answers   map[string]T
	submitted bool
	locked    bool
	subs      []func(Change[T])
}

// New creates an empty section for ids in presentation order.
func New[T Answer](name string, ids []string, st store.Store, opts Options, log zerolog.Logger) *Store[T] {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	order := make([]string, len(ids))
	copy(order, ids)
	return &Store[T]{
		name:    name,
		st:      st,
		opts:    opts,
		log:     log.With().Str("component", "section_store").Str("section", name).Logger(),
		order:   order,
		known:   known,
		answers: make(map[string]T),
	}
}

// Restore loads persisted answers, keeping only ids that exist in the
// current definition.
func (s *Store[T]) Restore(ctx context.Context) error {
	var persisted model.SectionState[T]
	if err := store.GetJSON(ctx, s.st, s.opts.Key, &persisted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	dropped := 0
	for id, v := range persisted.Answers {
		if !s.known[id] {
			dropped++
			continue
		}
		if v.Empty() {
			continue
		}
		s.answers[id] = v
	}
	s.submitted = s.submitted || persisted.Submitted
	restored := len(s.answers)
	s.mu.Unlock()

	s.log.Info().
		Int("restored", restored).
		Int("dropped", dropped).
		Bool("submitted", persisted.Submitted).
		Msg("Section restored")
	return nil
}

// SetAnswer stores v for id. Subscribers are notified after the write.
func (s *Store[T]) SetAnswer(id string, v T) error {
	s.mu.Lock()
	if s.submitted {
		s.mu.Unlock()
		return ErrSectionSubmitted
	}
	if s.locked {
		s.mu.Unlock()
		return ErrSectionLocked
	}
	if !s.known[id] {
		s.mu.Unlock()
		return ErrUnknownItem
	}
	prev, had := s.answers[id]
	if v.Empty() {
		delete(s.answers, id)
	} else {
		s.answers[id] = v
	}
	snapshot := s.snapshotLocked()
	subs := s.subs
	s.mu.Unlock()

	s.persist(snapshot)

	change := Change[T]{ID: id, Previous: prev, Current: v, First: !had}
	for _, fn := range subs {
		fn(change)
	}
	return nil
}

// Answer returns the current answer for id.
func (s *Store[T]) Answer(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.answers[id]
	return v, ok
}

// Answered returns the ids that have a non-empty answer, in order.
func (s *Store[T]) Answered() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.answers))
	for _, id := range s.order {
		if _, ok := s.answers[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Counts returns answered and total item counts.
func (s *Store[T]) Counts() (answered, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.answers), len(s.order)
}

// Order returns the item ids in presentation order.
func (s *Store[T]) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Contains reports whether id belongs to this section.
func (s *Store[T]) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known[id]
}

// Subscribe registers fn for every accepted change.
func (s *Store[T]) Subscribe(fn func(Change[T])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]func(Change[T]), len(s.subs), len(s.subs)+1)
	copy(subs, s.subs)
	s.subs = append(subs, fn)
}

// Lock rejects writes until MarkSubmitted or Unlock, so the answers read for
// a submit are the answers that get frozen.
func (s *Store[T]) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.submitted:
		return ErrSectionSubmitted
	case s.locked:
		return ErrSectionLocked
	}
	s.locked = true
	return nil
}

// Unlock reopens the section after a failed submit.
func (s *Store[T]) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
}

// MarkSubmitted freezes the section. It reports false if it was already
// submitted.
func (s *Store[T]) MarkSubmitted() bool {
	s.mu.Lock()
	if s.submitted {
		s.mu.Unlock()
		return false
	}
	s.submitted = true
	s.locked = false
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	s.log.Info().Int("answered", len(snapshot.Answers)).Msg("Section submitted")
	return true
}

// Submitted reports whether the section is frozen.
func (s *Store[T]) Submitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.submitted
}

// Snapshot returns a copy of the section state.
func (s *Store[T]) Snapshot() model.SectionState[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store[T]) snapshotLocked() model.SectionState[T] {
	answers := make(map[string]T, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	order := make([]string, len(s.order))
	copy(order, s.order)
	return model.SectionState[T]{Order: order, Answers: answers, Submitted: s.submitted}
}

func (s *Store[T]) persist(state model.SectionState[T]) {
	if s.opts.Key == "" {
		return
	}
	if s.opts.Debouncer != nil {
		if err := s.opts.Debouncer.PutJSON(s.opts.Key, state); err != nil {
			s.log.Warn().Err(err).Msg("Schedule section write")
		}
		return
	}
	if err := store.SetJSON(context.Background(), s.st, s.opts.Key, state); err != nil {
		s.log.Warn().Err(err).Msg("Persist section")
	}
}
