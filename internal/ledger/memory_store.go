package ledger

import (
	"context"
	"sync"

	"CrossFlow/internal/bridge"
	xerrors "CrossFlow/internal/errors"
)

// MemoryStore 以内存方式实现 Store，主要用于测试。所有多键变更在同一把
// 锁下完成，语义上等价于 Redis 实现的事务管道。
type MemoryStore struct {
	mu          sync.RWMutex
	transfers   map[string]*Transfer
	routes      map[string]map[string]struct{}
	withdrawals map[string]string
	paused      bool
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers:   make(map[string]*Transfer),
		routes:      make(map[string]map[string]struct{}),
		withdrawals: make(map[string]string),
	}
}

// AddRebalances 实现 Store 接口。
func (m *MemoryStore) AddRebalances(_ context.Context, transfers []*Transfer) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, t := range transfers {
		if t == nil || t.ID == "" {
			return added, xerrors.New(xerrors.CodeInvalidArgument, "transfer 或其 ID 不能为空")
		}
		if _, ok := m.transfers[t.ID]; ok {
			continue
		}
		clone := *t
		m.transfers[t.ID] = &clone
		key := t.Route().Key()
		if m.routes[key] == nil {
			m.routes[key] = make(map[string]struct{})
		}
		m.routes[key][t.ID] = struct{}{}
		added++
	}
	return added, nil
}

// GetRebalances 实现 Store 接口。
func (m *MemoryStore) GetRebalances(_ context.Context, routes []bridge.Route) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transfer
	seen := make(map[string]struct{})
	for _, route := range routes {
		for id := range m.routes[route.Key()] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if t, ok := m.transfers[id]; ok {
				clone := *t
				out = append(out, &clone)
			}
		}
	}
	return out, nil
}

// GetRebalanceByTransaction 实现 Store 接口。
func (m *MemoryStore) GetRebalanceByTransaction(_ context.Context, txHash string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.transfers {
		if t.OriginTxHash == txHash {
			clone := *t
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// RemoveRebalances 实现 Store 接口。
func (m *MemoryStore) RemoveRebalances(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, id := range ids {
		t, ok := m.transfers[id]
		if !ok {
			continue
		}
		delete(m.transfers, id)
		key := t.Route().Key()
		if members, ok := m.routes[key]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(m.routes, key)
			}
		}
		removed++
	}
	return removed, nil
}

// HasRebalance 实现 Store 接口。
func (m *MemoryStore) HasRebalance(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transfers[id]
	return ok, nil
}

// SetPause 实现 Store 接口。
func (m *MemoryStore) SetPause(_ context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

// IsPaused 实现 Store 接口。
func (m *MemoryStore) IsPaused(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused, nil
}

// AddWithdrawID 实现 Store 接口。
func (m *MemoryStore) AddWithdrawID(_ context.Context, transferID, orderID string) error {
	if transferID == "" || orderID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "transferID 与 orderID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[transferID] = orderID
	return nil
}

// GetWithdrawID 实现 Store 接口。
func (m *MemoryStore) GetWithdrawID(_ context.Context, transferID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orderID, ok := m.withdrawals[transferID]
	if !ok {
		return "", ErrNotFound
	}
	return orderID, nil
}

// RemoveWithdrawID 实现 Store 接口。
func (m *MemoryStore) RemoveWithdrawID(_ context.Context, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.withdrawals, transferID)
	return nil
}

// Clear 实现 Store 接口。
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = make(map[string]*Transfer)
	m.routes = make(map[string]map[string]struct{})
	m.withdrawals = make(map[string]string)
	m.paused = false
	return nil
}
