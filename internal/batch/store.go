package batch

import "context"

// Store 抽象批次条目的持久化。Claim 必须是原子的比较并交换：
// 多个 worker 对同一条目的认领只有一个成功。
type Store interface {
	// CreateItems 一次性写入批次的全部条目。
	CreateItems(ctx context.Context, items []*Item) error
	// ListByBatch 按 Index 升序返回批次的全部条目。
	ListByBatch(ctx context.Context, batchID string) ([]*Item, error)
	// Claim 把条目从 pending 原子推进到 claimed。返回 false 表示
	// 条目已被其他 worker 认领或已经落定。
	Claim(ctx context.Context, itemID string) (bool, error)
	// MarkCompleted 记录成功执行的交易引用。
	MarkCompleted(ctx context.Context, itemID, txRef string) error
	// MarkFailed 记录执行失败原因。
	MarkFailed(ctx context.Context, itemID, reason string) error
	Close() error
}
