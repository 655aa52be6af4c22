package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jihwankim/spare-worker/internal/model"
)

// MemoryStore is an in-process InvocationStore used by tests that
// exercise the pipeline and orchestrator without a database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]model.InvocationRecord
	nextID  int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]model.InvocationRecord)}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *model.InvocationRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	copied := *rec
	copied.ID = id
	m.records[id] = copied
	return id, nil
}

func (m *MemoryStore) Update(ctx context.Context, id int64, status model.InvocationStatus, ip string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("memory store: unknown instance %d", id)
	}
	rec.Status = status
	rec.GuestIP = ip
	rec.GuestPort = port
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]model.InvocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.InvocationRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (model.InvocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return model.InvocationRecord{}, fmt.Errorf("memory store: unknown instance %d", id)
	}
	return rec, nil
}

func (m *MemoryStore) Stats(ctx context.Context, period model.StatsPeriod) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats model.Stats
	for _, rec := range m.records {
		if rec.Status != model.StatusTerminated {
			continue
		}
		if rec.CreatedAt.Before(period.From) || !rec.CreatedAt.Before(period.To) {
			continue
		}
		stats.HopsAvg += float64(rec.Hops)
		stats.VCPUsSum += int64(rec.VCPUs)
		stats.MemorySum += int64(rec.MemoryMB)
		stats.Requests++
	}
	if stats.Requests > 0 {
		stats.HopsAvg /= float64(stats.Requests)
	}
	return stats, nil
}
