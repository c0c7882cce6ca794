package budget

import (
	"context"

	"AgentPay-Chain/internal/money"
)

// Store 抽象预算额度的持久化接口。实现方必须保证 Deduct 的原子性：
// 并发扣减同一预算时剩余额度不会被驱动为负。周期窗口在读取路径上
// 惰性重置，对调用方透明。
type Store interface {
	Create(ctx context.Context, b *Budget) error
	Get(ctx context.Context, id string) (*Budget, error)
	// ListByAgent 返回智能体名下的全部预算，窗口已滚动到当前周期。
	ListByAgent(ctx context.Context, agentID string) ([]*Budget, error)
	// Deduct 原子扣减：仅当剩余额度足够时才成功，否则返回 ErrInsufficient。
	Deduct(ctx context.Context, id string, amount money.Amount) error
	// Refund 原子回补，用于执行失败后的审批回滚。
	Refund(ctx context.Context, id string, amount money.Amount) error
	Delete(ctx context.Context, id string) error
	Close() error
}
