package memory

import (
	"context"
	"sort"
	"sync"

	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/storage"
)

// PositionStore is an in-memory implementation of storage.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Position // keyed by position ID
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		data: make(map[string]*domain.Position),
	}
}

// copyPosition clones a position including its optional trigger prices.
func copyPosition(p *domain.Position) *domain.Position {
	c := *p
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		c.TakeProfit = &tp
	}
	if p.StopLoss != nil {
		sl := *p.StopLoss
		c.StopLoss = &sl
	}
	return &c
}

// Upsert inserts or replaces a position snapshot keyed by its ID.
func (s *PositionStore) Upsert(_ context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[p.ID] = copyPosition(p)
	return nil
}

// GetByID retrieves a position by its ID.
func (s *PositionStore) GetByID(_ context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyPosition(p), nil
}

// GetByTrader retrieves all positions for a trader, ordered by open time ASC.
func (s *PositionStore) GetByTrader(_ context.Context, trader string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.data {
		if p.Trader == trader {
			result = append(result, copyPosition(p))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAtMs != result[j].OpenedAtMs {
			return result[i].OpenedAtMs < result[j].OpenedAtMs
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Delete removes a position.
func (s *PositionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, id)
	return nil
}

var _ storage.PositionStore = (*PositionStore)(nil)
