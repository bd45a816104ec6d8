package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// Memory is a Repository held in process memory. It is used when no
// database is configured and in tests.
type Memory struct {
	mu      sync.RWMutex
	workers map[string]types.Worker
	order   []string // worker IDs in creation order
	records []Record
	byEvent map[string]int // event ID → index into records
	alerts  []Alert
	now     func() time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		workers: make(map[string]types.Worker),
		byEvent: make(map[string]int),
		now:     time.Now,
	}
}

func (m *Memory) CreateWorker(_ context.Context, w types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.WorkerID]; ok {
		return ErrDuplicate
	}
	m.workers[w.WorkerID] = w
	m.order = append(m.order, w.WorkerID)
	return nil
}

func (m *Memory) GetWorker(_ context.Context, id string) (types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return types.Worker{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) ListWorkers(_ context.Context, offset, limit int) ([]types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offset, limit = clampPage(offset, limit)
	out := []types.Worker{}
	for i := offset; i < len(m.order) && len(out) < limit; i++ {
		out = append(out, m.workers[m.order[i]])
	}
	return out, nil
}

func (m *Memory) EnsureWorker(_ context.Context, w types.Worker) (types.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if got, ok := m.workers[w.WorkerID]; ok {
		return got, nil
	}
	m.workers[w.WorkerID] = w
	m.order = append(m.order, w.WorkerID)
	return w, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.EventID != "" {
		if _, ok := m.byEvent[rec.EventID]; ok {
			return ErrDuplicate
		}
	}
	rec.ID = int64(len(m.records) + 1)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	rec.Detections = rec.Detections.Clone()
	m.records = append(m.records, *rec)
	if rec.EventID != "" {
		m.byEvent[rec.EventID] = len(m.records) - 1
	}
	return nil
}

func (m *Memory) GetRecord(_ context.Context, id int64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id <= 0 || id > int64(len(m.records)) {
		return Record{}, ErrNotFound
	}
	return m.records[id-1], nil
}

func (m *Memory) FindRecordByEvent(_ context.Context, eventID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byEvent[eventID]
	if !ok || eventID == "" {
		return Record{}, ErrNotFound
	}
	return m.records[i], nil
}

func (m *Memory) ListRecords(_ context.Context, f RecordFilter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]Record, 0)
	for _, r := range m.records {
		if f.WorkerID != "" && r.WorkerID != f.WorkerID {
			continue
		}
		if f.Department != "" && r.Department != f.Department {
			continue
		}
		if f.IsCompliant != nil && r.IsCompliant != *f.IsCompliant {
			continue
		}
		matched = append(matched, r)
	}
	// Newest first; IDs are monotonic.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	offset, limit := f.page()
	if offset >= len(matched) {
		return []Record{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *Memory) MarkAlerted(_ context.Context, recordID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recordID <= 0 || recordID > int64(len(m.records)) {
		return ErrNotFound
	}
	m.records[recordID-1].AlertSent = true
	return nil
}

func (m *Memory) SaveAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.alerts) + 1)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.alerts = append(m.alerts, *a)
	return nil
}

// Alerts returns the stored alerts in insertion order.
func (m *Memory) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.alerts...)
}
