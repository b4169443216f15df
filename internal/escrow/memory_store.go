package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory movement store for development and tests.
type MemoryStore struct {
	movements []*Movement
	nextID    int64
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory movement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Append(ctx context.Context, mv *Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mv.Direction == DirectionIn && m.hasDepositLocked(mv.TradeID, mv.TxHash) {
		return ErrDuplicateDeposit
	}
	return m.appendLocked(mv)
}

func (m *MemoryStore) AppendRelease(ctx context.Context, out *Movement, fee *Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(out); err != nil {
		return err
	}
	if fee != nil {
		return m.appendLocked(fee)
	}
	return nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID string) ([]*Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Movement
	for _, mv := range m.movements {
		if mv.TradeID == tradeID {
			cp := *mv
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, tradeID, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasDepositLocked(tradeID, txHash), nil
}

func (m *MemoryStore) hasDepositLocked(tradeID, txHash string) bool {
	for _, mv := range m.movements {
		if mv.TradeID == tradeID && mv.TxHash == txHash && mv.Direction == DirectionIn {
			return true
		}
	}
	return false
}

func (m *MemoryStore) appendLocked(mv *Movement) error {
	cp := *mv
	cp.ID = m.nextID
	m.nextID++
	m.movements = append(m.movements, &cp)
	mv.ID = cp.ID
	return nil
}
