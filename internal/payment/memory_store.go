package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 以内存方式保存支付提案，主要用于测试和单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrPaymentConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回支付提案。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return cloneTask(task), nil
}

// Approve 原子地把提案从 pending 推进到 approved。两个并发 worker
// 只会有一个成功，另一个得到 ErrPaymentConflict。
func (m *MemoryStore) Approve(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if task.Status == StatusExecuted {
		return cloneTask(task), ErrPaymentCompleted
	}
	if task.Status != StatusPending {
		return cloneTask(task), ErrPaymentConflict
	}
	task.Status = StatusApproved
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// MarkExecuting 把提案推进到 executing，并记下扣减过的预算引用，
// 供失败回补使用。
func (m *MemoryStore) MarkExecuting(_ context.Context, id string, budgetRefs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if !CanTransition(task.Status, StatusExecuting) {
		return ErrPaymentConflict
	}
	task.Status = StatusExecuting
	task.BudgetRefs = append([]string(nil), budgetRefs...)
	task.UpdatedAt = m.now().Unix()
	return nil
}

// MarkExecuted 记录最终交易引用并落定终态。
func (m *MemoryStore) MarkExecuted(_ context.Context, id, txRef, strategy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if !CanTransition(task.Status, StatusExecuted) {
		return ErrPaymentConflict
	}
	task.Status = StatusExecuted
	task.TxRef = txRef
	task.Strategy = strategy
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记提案失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if task.Status == StatusExecuted {
		return ErrPaymentCompleted
	}
	task.Status = StatusFailed
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = m.now().Unix()
	return nil
}

// ResetForRetry 把失败的提案拉回 pending，这是唯一的逆向转换。
func (m *MemoryStore) ResetForRetry(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if task.Status != StatusFailed {
		return cloneTask(task), ErrPaymentConflict
	}
	task.Status = StatusPending
	task.BudgetRefs = nil
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// List 返回符合过滤条件的提案。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的提案数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproved:
			stats.Approved++
		case StatusExecuting:
			stats.Executing++
		case StatusExecuted:
			stats.Executed++
		case StatusFailed:
			stats.Failed++
		}
		if task.UpdatedAt > stats.NewestAt {
			stats.NewestAt = task.UpdatedAt
		}
		if stats.OldestAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestAt) {
			stats.OldestAt = task.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if opts.AgentID != "" && task.AgentID != opts.AgentID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}
