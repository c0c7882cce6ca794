package budget

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// MemoryStore 以内存方式保存预算，用于测试和单机部署。
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[string]*Budget
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]*Budget), now: time.Now}
}

// SetClock 注入时钟，仅供测试驱动周期重置。
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, b *Budget) error {
	if b == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "budget 不能为空")
	}
	if strings.TrimSpace(b.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "预算 ID 不能为空")
	}
	if !IsValidPeriod(b.Period) {
		return xerrors.New(CodeBudgetValidation, "不支持的预算周期")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[b.ID]; ok {
		return ErrBudgetConflict
	}
	now := m.now()
	if b.Period != PeriodTotal && b.PeriodEnd == 0 {
		b.PeriodStart, b.PeriodEnd = periodBounds(b.Period, now)
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = now.Unix()
	}
	b.UpdatedAt = now.Unix()
	clone := *b
	m.budgets[b.ID] = &clone
	return nil
}

// Get 返回预算，读取时惰性滚动过期窗口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	m.rolloverLocked(b)
	clone := *b
	return &clone, nil
}

// ListByAgent 返回智能体名下的全部预算。
func (m *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []*Budget
	for _, b := range m.budgets {
		if b.AgentID != agentID {
			continue
		}
		m.rolloverLocked(b)
		clone := *b
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// Deduct 原子扣减额度。
func (m *MemoryStore) Deduct(_ context.Context, id string, amount money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return ErrBudgetNotFound
	}
	m.rolloverLocked(b)
	if b.Remaining().Cmp(amount) < 0 {
		return ErrInsufficient
	}
	b.Used = b.Used.Add(amount)
	b.UpdatedAt = m.now().Unix()
	return nil
}

// Refund 原子回补额度，向下钳制到零。
func (m *MemoryStore) Refund(_ context.Context, id string, amount money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return ErrBudgetNotFound
	}
	m.rolloverLocked(b)
	used := b.Used.Sub(amount)
	if !used.IsPositive() {
		used = money.Zero()
	}
	b.Used = used
	b.UpdatedAt = m.now().Unix()
	return nil
}

// Delete 移除预算。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[id]; !ok {
		return ErrBudgetNotFound
	}
	delete(m.budgets, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) rolloverLocked(b *Budget) {
	if b.Expired(m.now()) {
		b.rollover(m.now())
	}
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
