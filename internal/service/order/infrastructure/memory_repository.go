package infrastructure

import (
	"context"
	"sync"

	"fulfillment/internal/service/order/domain"
)

// MemoryRepository 内存实现，用于测试和 storage.driver=memory
type MemoryRepository struct {
	mu           sync.RWMutex
	orders       map[string]domain.Order
	byIdentifier map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:       make(map[string]domain.Order),
		byIdentifier: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return domain.ErrOrderExists
	}
	if _, ok := r.byIdentifier[order.Identifier]; ok {
		return domain.ErrOrderExists
	}
	r.orders[order.ID] = *order
	r.byIdentifier[order.Identifier] = order.ID
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (r *MemoryRepository) FindByIdentifier(ctx context.Context, identifier string) (*domain.Order, error) {
	r.mu.RLock()
	id, ok := r.byIdentifier[identifier]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, order *domain.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	current.Status = order.Status
	current.Version = order.Version
	current.UpdatedAt = order.UpdatedAt
	r.orders[order.ID] = current
	return nil
}
