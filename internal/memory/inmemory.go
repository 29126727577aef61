package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryDatabase is a simple in-process database for local/dev use.
type InMemoryDatabase struct {
	mu     sync.Mutex
	tables map[string]*InMemoryTable
}

func NewInMemoryDatabase() *InMemoryDatabase {
	return &InMemoryDatabase{tables: make(map[string]*InMemoryTable)}
}

func (d *InMemoryDatabase) Kind() string { return "in-memory" }

func (d *InMemoryDatabase) Table(_ context.Context, name string) (Table, error) {
	if err := ValidateTableName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[name]
	if !ok {
		t = &InMemoryTable{name: name, records: make(map[string][]Record)}
		d.tables[name] = t
	}
	return t, nil
}

func (d *InMemoryDatabase) Ping(ctx context.Context) error { return ctx.Err() }

func (d *InMemoryDatabase) Close() error { return nil }

// InMemoryTable keeps records per session in sequence order.
type InMemoryTable struct {
	name    string
	mu      sync.RWMutex
	records map[string][]Record
}

func (t *InMemoryTable) Name() string { return t.name }

func (t *InMemoryTable) Insert(ctx context.Context, sessionID string, rec Record, keep int) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.SessionID = sessionID
	arr := t.records[sessionID]
	rec.Sequence = 1
	if n := len(arr); n > 0 {
		rec.Sequence = arr[n-1].Sequence + 1
	}

	arr = append(arr, rec)
	var evicted []Record
	if keep > 0 && len(arr) > keep {
		cut := len(arr) - keep
		evicted = append([]Record(nil), arr[:cut]...)
		arr = append([]Record(nil), arr[cut:]...)
	}
	t.records[sessionID] = arr
	return InsertResult{Record: rec, Evicted: evicted}, nil
}

func (t *InMemoryTable) SelectWindow(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	arr := t.records[sessionID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (t *InMemoryTable) DeleteAll(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sessionID)
	return nil
}

func (t *InMemoryTable) Count(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records[sessionID]), nil
}
