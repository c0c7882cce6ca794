package payment

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
)

// Stats 汇总支付提案的状态分布。
type Stats struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	Approved  int   `json:"approved"`
	Executing int   `json:"executing"`
	Executed  int   `json:"executed"`
	Failed    int   `json:"failed"`
	NewestAt  int64 `json:"newest_updated_at,omitempty"`
	OldestAt  int64 `json:"oldest_updated_at,omitempty"`
}

// Store 抽象支付提案的持久化接口。
// Approve 必须是原子的 pending→approved 转换：两个并发 worker
// 只会有一个拿到执行权，另一个得到 ErrPaymentConflict。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Approve(ctx context.Context, id string) (*Task, error)
	MarkExecuting(ctx context.Context, id string, budgetRefs []string) error
	MarkExecuted(ctx context.Context, id, txRef, strategy string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	ResetForRetry(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
