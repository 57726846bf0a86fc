package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/service/txlog/domain"
)

// MemoryStore 内存实现，用于测试和 storage.driver=memory
type MemoryStore struct {
	mu      sync.Mutex
	entries map[domain.TxKey]*domain.Entry
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[domain.TxKey]*domain.Entry), now: time.Now}
}

// WithClock 替换时间源，测试中用来模拟记录老化
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Append(_ context.Context, key domain.TxKey) (*domain.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		cp := *e
		return &cp, false, nil
	}
	s.nextID++
	now := s.now()
	e := &domain.Entry{ID: s.nextID, Key: key, Phase: domain.PhaseTry, CreatedAt: now, UpdatedAt: now}
	s.entries[key] = e
	cp := *e
	return &cp, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key domain.TxKey) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Finalize(_ context.Context, key domain.TxKey, phase domain.Phase, cancelType domain.CancelType) (*domain.Entry, error) {
	if err := domain.CheckFinal(phase, cancelType); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	write, err := domain.Resolve(e, phase)
	if err != nil {
		cp := *e
		return &cp, err
	}
	if write {
		e.Phase = phase
		e.CancelType = cancelType
		e.UpdatedAt = s.now()
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FindInDoubt(_ context.Context, scene, module string, olderThan time.Time, afterID int64, limit int) ([]*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Entry
	for _, e := range s.entries {
		if e.Key.BusinessScene == scene && e.Key.BusinessModule == module && e.InDoubt() && e.CreatedAt.Before(olderThan) && e.ID > afterID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
