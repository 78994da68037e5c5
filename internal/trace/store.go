// Package trace holds the per-run collector outputs that audits read: a
// write-once store, detached bundles and typed lookups.
package trace

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrAbsent marks a collector slice that was recorded without a value.
var ErrAbsent = errors.New("trace slice absent")

// Entry is the settled output of one collector within a run. A nil Value
// means the slice is recorded absent; Err carries the collector failure, if any.
type Entry struct {
	Value any
	Err   error
}

// Absent reports whether the entry holds no usable slice.
func (e Entry) Absent() bool {
	return IsNil(e.Value)
}

// IsNil reports whether v is nil or a typed nil pointer, map, channel or
// func. Nil slices count as values.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Bundle maps collector ids to their settled entries. Keys that are not
// present have not settled yet.
type Bundle map[string]Entry

// Has reports whether the collector id has settled, present or absent.
func (b Bundle) Has(id string) bool {
	_, ok := b[id]
	return ok
}

// Store accumulates collector outputs for a single run. Every id may be
// written exactly once.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStore returns an empty store scoped to one run.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Write records the outcome of collector id. A second write for the same id
// is a programming error and panics.
func (s *Store) Write(id string, value any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		panic(fmt.Sprintf("trace: slice %q written twice in one run", id))
	}
	if IsNil(value) {
		value = nil
	}
	s.entries[id] = Entry{Value: value, Err: err}
}

// Read returns the entry for id and whether it has settled.
func (s *Store) Read(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// Snapshot copies the current entries into a bundle safe to hand to audits.
func (s *Store) Snapshot() Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Bundle, len(s.entries))
	for id, entry := range s.entries {
		out[id] = entry
	}
	return out
}

// Merge folds bundles into one by shallow union keyed by collector id. The
// result does not depend on argument order because each id has a single
// writer per run; seeing an id twice panics.
func Merge(bundles ...Bundle) Bundle {
	size := 0
	for _, b := range bundles {
		size += len(b)
	}
	out := make(Bundle, size)
	for _, b := range bundles {
		for id, entry := range b {
			if _, exists := out[id]; exists {
				panic(fmt.Sprintf("trace: slice %q present in more than one bundle", id))
			}
			out[id] = entry
		}
	}
	return out
}

// Lookup returns the typed slice stored under id. Absent, failed or
// mistyped slices are reported as errors so audits can skip on them.
func Lookup[T any](b Bundle, id string) (T, error) {
	var zero T
	entry, ok := b[id]
	if !ok {
		return zero, fmt.Errorf("trace %q not collected", id)
	}
	if entry.Absent() {
		if entry.Err != nil {
			return zero, fmt.Errorf("trace %q unavailable: %w", id, entry.Err)
		}
		return zero, fmt.Errorf("trace %q: %w", id, ErrAbsent)
	}
	value, ok := entry.Value.(T)
	if !ok {
		return zero, fmt.Errorf("trace %q has type %T, want %T", id, entry.Value, zero)
	}
	return value, nil
}

// Optional is like Lookup but treats an absent slice as the zero value.
func Optional[T any](b Bundle, id string) (T, bool) {
	value, err := Lookup[T](b, id)
	if err != nil {
		var zero T
		return zero, false
	}
	return value, true
}
