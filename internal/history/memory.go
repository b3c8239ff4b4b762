package history

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
	now     func() time.Time
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entries: make(map[uuid.UUID]Entry),
		now:     time.Now,
	}
}

func (m *MemoryLog) Begin(_ context.Context, trigger Trigger, full bool) (Entry, error) {
	e := Entry{
		ID:        uuid.New(),
		Timestamp: m.now(),
		Status:    StatusInProgress,
		Trigger:   trigger,
		Full:      full,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryLog) Finalize(_ context.Context, id uuid.UUID, out Outcome) (Entry, error) {
	if !out.Status.Terminal() {
		return Entry{}, ErrNotTerminal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusInProgress {
		return Entry{}, ErrAlreadyFinalized
	}

	finished := m.now()
	e.FinishedAt = &finished
	e.Status = out.Status
	e.UsersFetched = out.UsersFetched
	e.Counts = out.Counts
	e.Details = out.Details
	e.Duration = finished.Sub(e.Timestamp)
	m.entries[id] = e
	return e, nil
}

func (m *MemoryLog) Get(_ context.Context, id uuid.UUID) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryLog) sorted() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(b.Timestamp.Compare(a.Timestamp), cmp.Compare(b.ID.String(), a.ID.String()))
	})
	return out
}

func (m *MemoryLog) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.sorted()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLog) LastSuccess(_ context.Context, fullOnly bool) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.sorted() {
		if e.Status == StatusSuccess && (e.Full || !fullOnly) {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m *MemoryLog) Abandon(_ context.Context, details string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for id, e := range m.entries {
		if e.Status != StatusInProgress {
			continue
		}
		e.Status = StatusError
		e.Details = details
		e.FinishedAt = &now
		e.Duration = now.Sub(e.Timestamp)
		m.entries[id] = e
		n++
	}
	return n, nil
}
