package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 以内存方式保存批次条目，用于测试和单机部署。
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item), now: time.Now}
}

// CreateItems 实现 Store 接口。
func (m *MemoryStore) CreateItems(_ context.Context, items []*Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if item == nil || item.ID == "" || item.BatchID == "" {
			return xerrors.New(CodeBatchValidation, "条目缺少 ID 或批次 ID")
		}
		if _, ok := m.items[item.ID]; ok {
			return ErrItemConflict
		}
	}
	now := m.now().Unix()
	for _, item := range items {
		clone := cloneItem(item)
		if clone.Status == "" {
			clone.Status = ItemPending
		}
		if clone.CreatedAt == 0 {
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		m.items[clone.ID] = clone
	}
	return nil
}

// ListByBatch 实现 Store 接口。
func (m *MemoryStore) ListByBatch(_ context.Context, batchID string) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []*Item
	for _, item := range m.items {
		if item.BatchID == batchID {
			results = append(results, cloneItem(item))
		}
	}
	if len(results) == 0 {
		return nil, ErrBatchNotFound
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, nil
}

// Claim 原子认领条目。
func (m *MemoryStore) Claim(_ context.Context, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return false, ErrItemNotFound
	}
	if item.Status != ItemPending {
		return false, nil
	}
	item.Status = ItemClaimed
	item.UpdatedAt = m.now().Unix()
	return true, nil
}

// MarkCompleted 实现 Store 接口。
func (m *MemoryStore) MarkCompleted(_ context.Context, itemID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != ItemClaimed {
		return ErrItemConflict
	}
	item.Status = ItemCompleted
	item.TxRef = txRef
	item.LastError = ""
	item.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 实现 Store 接口。
func (m *MemoryStore) MarkFailed(_ context.Context, itemID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != ItemClaimed {
		return ErrItemConflict
	}
	item.Status = ItemFailed
	item.LastError = reason
	item.UpdatedAt = m.now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}
