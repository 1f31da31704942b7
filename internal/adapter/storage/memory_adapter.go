package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/port"
)

// MemoryAdapter keeps items and movements in process memory. Mutations of the
// same item are serialized by a per-item mutex, so it gives the same
// read-modify-write guarantees as the database adapters within one process.
type MemoryAdapter struct {
	mu        sync.RWMutex
	items     map[string]domain.StockItem
	movements map[string][]domain.MovementRecord
	locks     map[string]*sync.Mutex
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:     make(map[string]domain.StockItem),
		movements: make(map[string][]domain.MovementRecord),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item domain.StockItem, opening *domain.MovementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return port.ErrItemExists
	}
	m.items[item.ID] = item.Clone()
	m.locks[item.ID] = &sync.Mutex{}
	if opening != nil {
		m.movements[item.ID] = append(m.movements[item.ID], cloneMovement(*opening))
	}
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, port.ErrItemNotFound
	}
	out := item.Clone()
	return &out, nil
}

func (m *MemoryAdapter) UpdateItem(ctx context.Context, itemID string, fn port.MutateFunc) (*domain.StockItem, error) {
	m.mu.RLock()
	lock, ok := m.locks[itemID]
	m.mu.RUnlock()
	if !ok {
		return nil, port.ErrItemNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	current := m.items[itemID]
	m.mu.RUnlock()

	working := current.Clone()
	movement, err := fn(&working)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if working.SameState(current) {
		working = current.Clone()
	} else {
		working.UpdatedAt = time.Now().UTC()
		m.items[itemID] = working.Clone()
	}
	if movement != nil {
		m.movements[itemID] = append(m.movements[itemID], cloneMovement(*movement))
	}
	return &working, nil
}

func (m *MemoryAdapter) ListThresholdItems(ctx context.Context) ([]domain.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.StockItem
	for _, item := range m.items {
		if item.Tracked() && item.LowStockThreshold != nil {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

func (m *MemoryAdapter) ListMovements(ctx context.Context, itemID string) ([]domain.MovementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.items[itemID]; !ok {
		return nil, port.ErrItemNotFound
	}
	out := make([]domain.MovementRecord, 0, len(m.movements[itemID]))
	for _, mv := range m.movements[itemID] {
		out = append(out, cloneMovement(mv))
	}
	return out, nil
}

func cloneMovement(mv domain.MovementRecord) domain.MovementRecord {
	if mv.DenominationDeltas != nil {
		deltas := make(map[domain.BundleSize]int, len(mv.DenominationDeltas))
		for size, n := range mv.DenominationDeltas {
			deltas[size] = n
		}
		mv.DenominationDeltas = deltas
	}
	return mv
}

// MemoryIdempotency is the in-process counterpart of the Redis idempotency keys.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]struct{})}
}

func (m *MemoryIdempotency) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

func (m *MemoryIdempotency) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, key)
	return nil
}
