package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/pkg/logger"
)

// ItemExecutor 执行单条支付指令并返回交易引用。
type ItemExecutor interface {
	ExecuteItem(ctx context.Context, item *Item) (string, error)
}

// ItemExecutorFunc 是 ItemExecutor 的函数适配器。
type ItemExecutorFunc func(ctx context.Context, item *Item) (string, error)

// ExecuteItem 实现 ItemExecutor 接口。
func (f ItemExecutorFunc) ExecuteItem(ctx context.Context, item *Item) (string, error) {
	return f(ctx, item)
}

// FamilyLimit 约束单个结算家族的并发参数。
type FamilyLimit struct {
	// ChunkSize 是家族内并发执行的条目数。
	ChunkSize int
	// ChunkDelay 是相邻 chunk 之间的间隔，用来给 RPC 节点留喘息。
	ChunkDelay time.Duration
}

// defaultFamilyLimits 是各结算家族的内置并发默认值。账户型链共享
// 出账地址的 nonce，并发上限放得更保守。
var defaultFamilyLimits = map[chain.Family]FamilyLimit{
	chain.FamilyEVM:    {ChunkSize: 5, ChunkDelay: 200 * time.Millisecond},
	chain.FamilyTron:   {ChunkSize: 3, ChunkDelay: 500 * time.Millisecond},
	chain.FamilySolana: {ChunkSize: 10, ChunkDelay: 100 * time.Millisecond},
}

// WorkerConfig 汇集批次执行的并发参数。
type WorkerConfig struct {
	// ChunkSize 与 ChunkDelay 是全家族统一的并发参数，设置后覆盖
	// 内置的家族默认值。
	ChunkSize  int
	ChunkDelay time.Duration
	// FamilyLimits 按结算家族覆盖并发参数，优先级最高。
	FamilyLimits map[chain.Family]FamilyLimit
	// ItemTimeout 约束单条指令的执行时长。
	ItemTimeout time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.ChunkDelay < 0 {
		c.ChunkDelay = 0
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 60 * time.Second
	}
}

// limitFor 返回家族生效的并发参数：家族覆盖 > 全局配置 > 内置默认。
func (c *WorkerConfig) limitFor(family chain.Family) FamilyLimit {
	if limit, ok := c.FamilyLimits[family]; ok && limit.ChunkSize > 0 {
		if limit.ChunkDelay < 0 {
			limit.ChunkDelay = 0
		}
		return limit
	}
	if c.ChunkSize > 0 {
		return FamilyLimit{ChunkSize: c.ChunkSize, ChunkDelay: c.ChunkDelay}
	}
	if limit, ok := defaultFamilyLimits[family]; ok {
		return limit
	}
	return defaultFamilyLimits[chain.FamilyEVM]
}

// Worker 按批次执行支付指令。条目先按结算家族分组，不同家族并行，
// 同家族内按 Index 顺序分 chunk 推进。每条指令在执行前必须先认领，
// 认领失败说明另一个 worker 已经接手，本地按 skipped 记账。
type Worker struct {
	cfg      WorkerConfig
	store    Store
	executor ItemExecutor
	defs     chain.ChainDefinitions
}

// NewWorker 构造批次执行器。
func NewWorker(cfg WorkerConfig, store Store, executor ItemExecutor, defs chain.ChainDefinitions) *Worker {
	cfg.applyDefaults()
	return &Worker{cfg: cfg, store: store, executor: executor, defs: defs}
}

// ExecuteBatch 执行批次中仍处于 pending 的条目并返回汇总。单条指令
// 的失败只记入汇总，绝不中断其余条目；重复执行一个已落定的批次是
// 无害的空操作。
func (w *Worker) ExecuteBatch(ctx context.Context, batchID string) (Summary, error) {
	started := time.Now()
	all, err := w.store.ListByBatch(ctx, batchID)
	if err != nil {
		return Summary{}, err
	}
	items := make([]*Item, 0, len(all))
	for _, item := range all {
		if item.Status == ItemPending {
			items = append(items, item)
		}
	}

	groups := w.groupByFamily(items)
	counters := &batchCounters{}

	var wg sync.WaitGroup
	for family, group := range groups {
		wg.Add(1)
		go func(family chain.Family, group []*Item) {
			defer wg.Done()
			w.runFamily(ctx, family, group, counters)
		}(family, group)
	}
	wg.Wait()

	completed, failed, skipped := counters.snapshot()
	summary := Summary{
		BatchID:    batchID,
		Status:     DeriveStatus(completed, failed),
		Total:      len(items),
		Completed:  completed,
		Failed:     failed,
		Skipped:    skipped,
		DurationMS: time.Since(started).Milliseconds(),
	}
	logger.Audit().Info("批次执行完成",
		slog.String("batch_id", batchID),
		slog.String("status", string(summary.Status)),
		slog.Int("total", summary.Total),
		slog.Int("completed", summary.Completed),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int64("duration_ms", summary.DurationMS),
	)
	return summary, nil
}

// groupByFamily 按结算家族分组，保持 Index 升序。
func (w *Worker) groupByFamily(items []*Item) map[chain.Family][]*Item {
	groups := make(map[chain.Family][]*Item)
	for _, item := range items {
		family := w.defs.FamilyOfChain(item.Chain)
		groups[family] = append(groups[family], item)
	}
	return groups
}

func (w *Worker) runFamily(ctx context.Context, family chain.Family, items []*Item, counters *batchCounters) {
	limit := w.cfg.limitFor(family)
	logger.L().Debug("开始执行结算家族分组",
		slog.String("family", string(family)),
		slog.Int("items", len(items)),
		slog.Int("chunk_size", limit.ChunkSize),
	)
	for start := 0; start < len(items); start += limit.ChunkSize {
		end := start + limit.ChunkSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for _, item := range items[start:end] {
			wg.Add(1)
			go func(item *Item) {
				defer wg.Done()
				w.runItem(ctx, item, counters)
			}(item)
		}
		wg.Wait()

		if end < len(items) && limit.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(limit.ChunkDelay):
			}
		}
	}
}

func (w *Worker) runItem(ctx context.Context, item *Item, counters *batchCounters) {
	claimed, err := w.store.Claim(ctx, item.ID)
	if err != nil {
		logger.L().Error("认领批次条目失败",
			slog.String("batch_id", item.BatchID),
			slog.String("item_id", item.ID),
			slog.Any("error", err),
		)
		counters.addFailed()
		return
	}
	if !claimed {
		counters.addSkipped()
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
	txRef, execErr := w.executor.ExecuteItem(execCtx, item)
	cancel()
	if execErr != nil {
		if markErr := w.store.MarkFailed(ctx, item.ID, execErr.Error()); markErr != nil {
			logger.L().Error("回写条目失败状态出错",
				slog.String("item_id", item.ID),
				slog.Any("error", markErr),
			)
		}
		counters.addFailed()
		return
	}
	if markErr := w.store.MarkCompleted(ctx, item.ID, txRef); markErr != nil {
		logger.L().Error("回写条目完成状态出错",
			slog.String("item_id", item.ID),
			slog.Any("error", markErr),
		)
		counters.addFailed()
		return
	}
	counters.addCompleted()
}

type batchCounters struct {
	mu        sync.Mutex
	completed int
	failed    int
	skipped   int
}

func (c *batchCounters) addCompleted() {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
}

func (c *batchCounters) addFailed() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *batchCounters) addSkipped() {
	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()
}

func (c *batchCounters) snapshot() (completed, failed, skipped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.failed, c.skipped
}
