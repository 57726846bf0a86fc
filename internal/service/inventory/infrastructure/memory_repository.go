package infrastructure

import (
	"context"
	"sync"

	"fulfillment/internal/service/inventory/domain"
)

type entryKey struct {
	identifier string
	eventType  domain.EventType
}

// MemoryRepository 内存实现，用于测试和 storage.driver=memory
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]domain.InventoryRecord
	entries []domain.StreamEntry
	index   map[entryKey]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]domain.InventoryRecord),
		index:   make(map[entryKey]struct{}),
	}
}

func (r *MemoryRepository) Create(_ context.Context, record *domain.InventoryRecord, entry *domain.StreamEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.GoodsID]; ok {
		return domain.ErrInventoryExists
	}
	if _, ok := r.index[entryKey{entry.Identifier, entry.EventType}]; ok {
		return domain.ErrDuplicateEntry
	}
	r.records[record.GoodsID] = *record
	r.appendLocked(entry)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, goodsID string) (*domain.InventoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[goodsID]
	if !ok {
		return nil, domain.ErrInventoryNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) FindEntries(_ context.Context, identifier string) (domain.Entries, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out domain.Entries
	for i := range r.entries {
		if r.entries[i].Identifier == identifier {
			e := r.entries[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListEntries(_ context.Context, goodsID string) ([]*domain.StreamEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.StreamEntry
	for i := range r.entries {
		if r.entries[i].GoodsID == goodsID {
			e := r.entries[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ApplyMutation(_ context.Context, record *domain.InventoryRecord, expectedVersion int64, entry *domain.StreamEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[record.GoodsID]
	if !ok {
		return domain.ErrInventoryNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	if _, ok := r.index[entryKey{entry.Identifier, entry.EventType}]; ok {
		return domain.ErrDuplicateEntry
	}
	r.records[record.GoodsID] = *record
	r.appendLocked(entry)
	return nil
}

func (r *MemoryRepository) appendLocked(entry *domain.StreamEntry) {
	e := *entry
	e.ID = int64(len(r.entries) + 1)
	entry.ID = e.ID
	r.entries = append(r.entries, e)
	r.index[entryKey{e.Identifier, e.EventType}] = struct{}{}
}
