package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/tablepay/internal/domain"
)

// Memory is an in-process TransferStore for single-instance deployments and tests.
// Records are copied in and out so callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	transfers map[int64]*domain.TransferRecord
	cursors   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		transfers: make(map[int64]*domain.TransferRecord),
		cursors:   make(map[string]int64),
	}
}

func (m *Memory) InsertIfAbsent(_ context.Context, rec *domain.TransferRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[rec.ID]; ok {
		return false, nil
	}
	c := clone(rec)
	c.Fulfilled = false
	c.FulfilledAt = nil
	m.transfers[rec.ID] = c
	return true, nil
}

func (m *Memory) FindByID(_ context.Context, id int64) (*domain.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (m *Memory) ListUnfulfilled(_ context.Context, filter ListFilter) ([]*domain.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.TransferRecord
	for _, rec := range m.transfers {
		if rec.Fulfilled || !filter.accepts(rec.TokenSymbol) {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TryFulfill(_ context.Context, id int64, at time.Time) (FulfillOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transfers[id]
	if !ok {
		return NotFound, nil
	}
	if rec.Fulfilled {
		return AlreadyFulfilled, nil
	}
	rec.Fulfilled = true
	rec.FulfilledAt = &at
	return Fulfilled, nil
}

func (m *Memory) SaveParsedMemo(_ context.Context, id int64, parsed *domain.ParsedMemo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transfers[id]
	if !ok {
		return ErrNotFound
	}
	rec.ParsedMemo = cloneParsed(parsed)
	return nil
}

func (m *Memory) Cursor(_ context.Context, source string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[source], nil
}

func (m *Memory) AdvanceCursor(_ context.Context, source string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.cursors[source] {
		m.cursors[source] = id
	}
	return nil
}

// Len reports the number of stored transfers.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transfers)
}

func clone(rec *domain.TransferRecord) *domain.TransferRecord {
	c := *rec
	if rec.FulfilledAt != nil {
		at := *rec.FulfilledAt
		c.FulfilledAt = &at
	}
	c.ParsedMemo = cloneParsed(rec.ParsedMemo)
	return &c
}

func cloneParsed(p *domain.ParsedMemo) *domain.ParsedMemo {
	if p == nil {
		return nil
	}
	c := *p
	c.Lines = append([]domain.OrderLine(nil), p.Lines...)
	return &c
}

// LocalLease always grants leadership. Used when only one instance can exist.
type LocalLease struct{}

func (LocalLease) TryAcquire(context.Context) (bool, error) { return true, nil }
func (LocalLease) Release(context.Context) error            { return nil }
