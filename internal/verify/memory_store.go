package verify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

func newFlagID() string {
	return uuid.NewString()
}

// MemoryRefStore 是进程内的引用绑定存储。
type MemoryRefStore struct {
	mu     sync.Mutex
	owners map[string]string
}

var _ RefStore = (*MemoryRefStore)(nil)

// NewMemoryRefStore 创建内存引用存储。
func NewMemoryRefStore() *MemoryRefStore {
	return &MemoryRefStore{owners: make(map[string]string)}
}

// Owner 返回引用当前绑定的订单。
func (s *MemoryRefStore) Owner(ctx context.Context, txRef string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[txRef]
	return owner, ok, nil
}

// Bind 原子地"不存在则绑定"。冲突时返回已有归属。
func (s *MemoryRefStore) Bind(ctx context.Context, txRef, orderID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[txRef]; ok {
		return owner, owner == orderID, nil
	}
	s.owners[txRef] = orderID
	return orderID, true, nil
}

// Close 实现 RefStore 接口。
func (s *MemoryRefStore) Close() error {
	return nil
}

// MemoryFlagStore 是进程内的审计记录存储。
type MemoryFlagStore struct {
	mu    sync.Mutex
	flags []*Flag
}

var _ FlagStore = (*MemoryFlagStore)(nil)

// NewMemoryFlagStore 创建内存审计存储。
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{}
}

// Save 追加一条审计记录。
func (s *MemoryFlagStore) Save(ctx context.Context, flag *Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *flag
	s.flags = append(s.flags, &clone)
	return nil
}

// ListByOrder 返回订单关联的全部审计记录。
func (s *MemoryFlagStore) ListByOrder(ctx context.Context, orderID string) ([]*Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Flag
	for _, f := range s.flags {
		if f.OrderID == orderID {
			clone := *f
			out = append(out, &clone)
		}
	}
	return out, nil
}

// Close 实现 FlagStore 接口。
func (s *MemoryFlagStore) Close() error {
	return nil
}
