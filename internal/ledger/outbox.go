package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Outbox persists pending ledger writes keyed by transaction reference.
type Outbox interface {
	// Enqueue inserts rec unless its reference is already present. It returns
	// the stored entry and whether it was newly created.
	Enqueue(ctx context.Context, rec Record, availableAt time.Time) (Entry, bool, error)
	Get(ctx context.Context, ref string) (Entry, error)
	// ClaimDue returns pending entries whose AvailableAt has passed and leases
	// them until leaseUntil so concurrent workers skip them.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int32) ([]Entry, error)
	MarkDone(ctx context.Context, ref string) error
	MarkRetry(ctx context.Context, ref string, next time.Time, lastError string) error
	MarkFailed(ctx context.Context, ref string, lastError string) error
	// Reschedule puts an entry back to pending, available at the given time.
	Reschedule(ctx context.Context, ref string, at time.Time) error
	List(ctx context.Context, status Status, limit int) ([]Entry, error)
}

// MemoryOutbox is an in-process Outbox for development and tests.
type MemoryOutbox struct {
	mu      sync.Mutex
	nextID  int64
	entries map[string]*Entry
	now     func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryOutbox) Enqueue(_ context.Context, rec Record, availableAt time.Time) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[rec.TransactionReference]; ok {
		return *e, false, nil
	}
	m.nextID++
	now := m.now()
	e := &Entry{
		ID:          m.nextID,
		Record:      rec,
		Status:      StatusPending,
		AvailableAt: availableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.entries[rec.TransactionReference] = e
	return *e, true, nil
}

func (m *MemoryOutbox) Get(_ context.Context, ref string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (m *MemoryOutbox) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int32) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.Status == StatusPending && !e.AvailableAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > int(limit) {
		due = due[:limit]
	}

	out := make([]Entry, 0, len(due))
	for _, e := range due {
		e.AvailableAt = leaseUntil
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryOutbox) update(ref string, fn func(e *Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryOutbox) MarkDone(_ context.Context, ref string) error {
	return m.update(ref, func(e *Entry) {
		e.Status = StatusDone
		e.LastError = ""
	})
}

func (m *MemoryOutbox) MarkRetry(_ context.Context, ref string, next time.Time, lastError string) error {
	return m.update(ref, func(e *Entry) {
		e.Status = StatusPending
		e.Attempts++
		e.AvailableAt = next
		e.LastError = lastError
	})
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, ref string, lastError string) error {
	return m.update(ref, func(e *Entry) {
		e.Status = StatusFailed
		e.Attempts++
		e.LastError = lastError
	})
}

func (m *MemoryOutbox) Reschedule(_ context.Context, ref string, at time.Time) error {
	return m.update(ref, func(e *Entry) {
		if e.Status == StatusDone {
			return
		}
		e.Status = StatusPending
		e.AvailableAt = at
	})
}

func (m *MemoryOutbox) List(_ context.Context, status Status, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
