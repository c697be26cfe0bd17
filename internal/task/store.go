package task

import (
	"fmt"
	"sync"
	"time"
)

// Store is the task record store: the single source of truth for status
// queries. Implementations must serialize mutations per task id while
// allowing unordered concurrent reads.
type Store interface {
	// Create stores a new task. Creating a duplicate id is an error.
	Create(t Task) error

	// Get returns a copy of the task, or ErrNotFound. The copy is safe to
	// mutate without affecting the store.
	Get(id string) (*Task, error)

	// Update applies fn to the stored task as one serialized transition.
	// Lifecycle invariants are enforced after fn runs: progress never
	// decreases, terminal records reject further mutation, and completed_at
	// is stamped exactly when a terminal state is entered.
	Update(id string, fn func(*Task)) error

	// List returns all tasks in insertion order.
	List() ([]Task, error)

	// ListActive returns tasks that have not reached a terminal state.
	ListActive() ([]Task, error)

	// Delete removes a task record. Deleting an unknown id is ErrNotFound.
	Delete(id string) error

	// Close releases any resources held by the store.
	Close() error
}

// applyMutation runs fn against t and enforces the record invariants. It is
// shared by every Store implementation so the rules live in one place.
func applyMutation(t *Task, fn func(*Task)) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %q: %w", t.ID, ErrTerminal)
	}

	prevProgress := t.ProgressPercentage
	fn(t)

	// Progress is monotonically non-decreasing; a stale lower value from a
	// reordered notification is clamped rather than applied.
	if t.ProgressPercentage < prevProgress {
		t.ProgressPercentage = prevProgress
	}
	if t.ProgressPercentage > 100 {
		t.ProgressPercentage = 100
	}

	// completed_at is set iff the task is terminal.
	if t.Status.IsTerminal() && t.CompletedAt == nil {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	if !t.Status.IsTerminal() {
		t.CompletedAt = nil
	}

	t.UpdatedAt = time.Now().UTC()
	return nil
}

// copyTask returns an independent copy of src. The pointer timestamp fields
// are duplicated so callers cannot reach back into stored memory.
func copyTask(src *Task) *Task {
	dst := *src
	if src.StartedAt != nil {
		ts := *src.StartedAt
		dst.StartedAt = &ts
	}
	if src.CompletedAt != nil {
		ts := *src.CompletedAt
		dst.CompletedAt = &ts
	}
	return &dst
}

// MemoryStore is a concurrency-safe in-memory Store. Tasks are kept in a map
// keyed by id with a separate slice maintaining insertion order for
// deterministic listings.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	orderIDs []string // insertion-order task IDs
}

// NewMemoryStore returns an initialized MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		orderIDs: make([]string, 0),
	}
}

// Create stores a new task. It returns an error if a task with the same ID
// already exists.
func (s *MemoryStore) Create(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %q already exists", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = &t
	s.orderIDs = append(s.orderIDs, t.ID)
	return nil
}

// Get returns a copy of the task with the given ID, or ErrNotFound.
func (s *MemoryStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

// Update applies the mutation function fn to the task identified by id under
// a write lock, then enforces the record invariants.
func (s *MemoryStore) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return applyMutation(t, fn)
}

// List returns all tasks in insertion order.
func (s *MemoryStore) List() ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.orderIDs))
	for _, id := range s.orderIDs {
		out = append(out, *copyTask(s.tasks[id]))
	}
	return out, nil
}

// ListActive returns tasks that have not reached a terminal state, in
// insertion order.
func (s *MemoryStore) ListActive() ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for _, id := range s.orderIDs {
		t := s.tasks[id]
		if !t.Status.IsTerminal() {
			out = append(out, *copyTask(t))
		}
	}
	return out, nil
}

// Delete removes the task with the given ID.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	for i, oid := range s.orderIDs {
		if oid == id {
			s.orderIDs = append(s.orderIDs[:i], s.orderIDs[i+1:]...)
			break
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
