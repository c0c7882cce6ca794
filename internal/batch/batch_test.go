package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"AgentPay-Chain/internal/chain"
)

func testDefinitions() chain.ChainDefinitions {
	return chain.ChainDefinitions{
		Chains: map[string]chain.ChainDefinition{
			"base":    {Type: "evm", ChainID: 8453},
			"polygon": {Type: "evm", ChainID: 137},
			"solana":  {Type: "solana"},
		},
	}
}

func createBatch(t *testing.T, store Store, batchID string, instructions []Instruction) {
	t.Helper()
	svc := NewService(store, nil)
	if _, err := svc.Create(context.Background(), CreateRequest{
		BatchID: batchID,
		AgentID: "agent-1",
		Items:   instructions,
	}); err != nil {
		t.Fatalf("创建批次失败: %v", err)
	}
}

func uniformInstructions(n int, chainName string) []Instruction {
	items := make([]Instruction, n)
	for i := range items {
		items[i] = Instruction{
			Recipient: fmt.Sprintf("0xRecipient%02d", i),
			Amount:    "5",
			Token:     "USDC",
			Chain:     chainName,
		}
	}
	return items
}

func TestCreateValidatesInstructions(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)

	if _, err := svc.Create(context.Background(), CreateRequest{AgentID: "agent-1"}); err == nil {
		t.Fatal("空批次应当被拒绝")
	}
	_, err := svc.Create(context.Background(), CreateRequest{
		AgentID: "agent-1",
		Items: []Instruction{
			{Recipient: "0xA", Amount: "5", Token: "USDC", Chain: "base"},
			{Recipient: "0xB", Amount: "-1", Token: "USDC", Chain: "base"},
		},
	})
	if err == nil {
		t.Fatal("非法金额应当被拒绝")
	}
	if !strings.Contains(err.Error(), "1") {
		t.Fatalf("错误应指明出错条目: %v", err)
	}
}

func TestExecuteBatchAllSucceed(t *testing.T) {
	store := NewMemoryStore()
	createBatch(t, store, "batch-1", uniformInstructions(7, "base"))

	executor := ItemExecutorFunc(func(_ context.Context, item *Item) (string, error) {
		return "0xtx-" + item.Recipient, nil
	})
	worker := NewWorker(WorkerConfig{ChunkSize: 3}, store, executor, testDefinitions())

	summary, err := worker.ExecuteBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}
	if summary.Status != StatusCompleted {
		t.Fatalf("状态应为 completed, got %s", summary.Status)
	}
	if summary.Total != 7 || summary.Completed != 7 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Fatalf("汇总错误: %+v", summary)
	}

	items, err := store.ListByBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("读取条目失败: %v", err)
	}
	for _, item := range items {
		if item.Status != ItemCompleted || item.TxRef == "" {
			t.Fatalf("条目应落定 completed 并带交易引用: %+v", item)
		}
	}
}

func TestExecuteBatchPartialFailure(t *testing.T) {
	store := NewMemoryStore()
	createBatch(t, store, "batch-1", uniformInstructions(5, "base"))

	executor := ItemExecutorFunc(func(_ context.Context, item *Item) (string, error) {
		if item.Index == 2 {
			return "", errors.New("节点拒绝")
		}
		return "0xtx", nil
	})
	worker := NewWorker(WorkerConfig{ChunkSize: 2}, store, executor, testDefinitions())

	summary, err := worker.ExecuteBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}
	if summary.Status != StatusPartial {
		t.Fatalf("部分失败应为 partial, got %s", summary.Status)
	}
	if summary.Completed != 4 || summary.Failed != 1 {
		t.Fatalf("汇总错误: %+v", summary)
	}

	items, _ := store.ListByBatch(context.Background(), "batch-1")
	if items[2].Status != ItemFailed || items[2].LastError == "" {
		t.Fatalf("失败条目应携带原因: %+v", items[2])
	}
}

func TestExecuteBatchAllFail(t *testing.T) {
	store := NewMemoryStore()
	createBatch(t, store, "batch-1", uniformInstructions(3, "base"))

	executor := ItemExecutorFunc(func(context.Context, *Item) (string, error) {
		return "", errors.New("节点不可用")
	})
	worker := NewWorker(WorkerConfig{}, store, executor, testDefinitions())

	summary, err := worker.ExecuteBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}
	if summary.Status != StatusFailed {
		t.Fatalf("全部失败应为 failed, got %s", summary.Status)
	}
	if summary.Failed != 3 || summary.Completed != 0 {
		t.Fatalf("汇总错误: %+v", summary)
	}
}

func TestExecuteBatchMissing(t *testing.T) {
	worker := NewWorker(WorkerConfig{}, NewMemoryStore(), nil, testDefinitions())
	if _, err := worker.ExecuteBatch(context.Background(), "no-such-batch"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("缺失批次应返回 ErrBatchNotFound, got %v", err)
	}
}

func TestConcurrentWorkersClaimExclusively(t *testing.T) {
	store := NewMemoryStore()
	createBatch(t, store, "batch-1", uniformInstructions(20, "base"))

	var mu sync.Mutex
	executions := make(map[string]int)
	executor := ItemExecutorFunc(func(_ context.Context, item *Item) (string, error) {
		mu.Lock()
		executions[item.ID]++
		mu.Unlock()
		return "0xtx", nil
	})

	workerA := NewWorker(WorkerConfig{ChunkSize: 4}, store, executor, testDefinitions())
	workerB := NewWorker(WorkerConfig{ChunkSize: 4}, store, executor, testDefinitions())

	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	for i, worker := range []*Worker{workerA, workerB} {
		wg.Add(1)
		go func(i int, worker *Worker) {
			defer wg.Done()
			summary, err := worker.ExecuteBatch(context.Background(), "batch-1")
			if err != nil {
				t.Errorf("执行批次失败: %v", err)
				return
			}
			summaries[i] = summary
		}(i, worker)
	}
	wg.Wait()

	for id, count := range executions {
		if count != 1 {
			t.Fatalf("条目 %s 被执行了 %d 次", id, count)
		}
	}
	totalCompleted := summaries[0].Completed + summaries[1].Completed
	if totalCompleted != 20 {
		t.Fatalf("两个 worker 合计应完成 20 条, got %d", totalCompleted)
	}
	// 每个 worker 的汇总自洽：本次执行见到的条目要么完成、要么失败、
	// 要么被对方抢先认领。
	for i, summary := range summaries {
		if summary.Completed+summary.Failed+summary.Skipped != summary.Total {
			t.Fatalf("worker %d 汇总不自洽: %+v", i, summary)
		}
	}
}

func TestExecuteBatchGroupsByFamily(t *testing.T) {
	store := NewMemoryStore()
	instructions := []Instruction{
		{Recipient: "0xA", Amount: "1", Token: "USDC", Chain: "base"},
		{Recipient: "0xB", Amount: "1", Token: "USDC", Chain: "solana"},
		{Recipient: "0xC", Amount: "1", Token: "USDC", Chain: "polygon"},
		{Recipient: "0xD", Amount: "1", Token: "USDC", Chain: "base"},
	}
	createBatch(t, store, "batch-1", instructions)

	var mu sync.Mutex
	families := make(map[chain.Family][]int)
	defs := testDefinitions()
	executor := ItemExecutorFunc(func(_ context.Context, item *Item) (string, error) {
		mu.Lock()
		families[defs.FamilyOfChain(item.Chain)] = append(families[defs.FamilyOfChain(item.Chain)], item.Index)
		mu.Unlock()
		return "0xtx", nil
	})
	// ChunkSize 1 使同家族内严格串行，能观察到 Index 顺序。
	worker := NewWorker(WorkerConfig{ChunkSize: 1}, store, executor, defs)

	summary, err := worker.ExecuteBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}
	if summary.Completed != 4 {
		t.Fatalf("应完成全部条目: %+v", summary)
	}
	evm := families[chain.FamilyEVM]
	for i := 1; i < len(evm); i++ {
		if evm[i] < evm[i-1] {
			t.Fatalf("同家族内应按 Index 顺序执行: %v", evm)
		}
	}
}

func TestFamilyLimitsBoundConcurrencyPerFamily(t *testing.T) {
	store := NewMemoryStore()
	instructions := make([]Instruction, 0, 12)
	for i := 0; i < 6; i++ {
		instructions = append(instructions, Instruction{
			Recipient: fmt.Sprintf("0xEvm%02d", i), Amount: "1", Token: "USDC", Chain: "base",
		})
	}
	for i := 0; i < 6; i++ {
		instructions = append(instructions, Instruction{
			Recipient: fmt.Sprintf("0xSol%02d", i), Amount: "1", Token: "USDC", Chain: "solana",
		})
	}
	createBatch(t, store, "batch-1", instructions)

	defs := testDefinitions()
	var mu sync.Mutex
	inFlight := make(map[chain.Family]int)
	maxInFlight := make(map[chain.Family]int)
	executor := ItemExecutorFunc(func(_ context.Context, item *Item) (string, error) {
		family := defs.FamilyOfChain(item.Chain)
		mu.Lock()
		inFlight[family]++
		if inFlight[family] > maxInFlight[family] {
			maxInFlight[family] = inFlight[family]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight[family]--
		mu.Unlock()
		return "0xtx", nil
	})

	worker := NewWorker(WorkerConfig{FamilyLimits: map[chain.Family]FamilyLimit{
		chain.FamilyEVM:    {ChunkSize: 1},
		chain.FamilySolana: {ChunkSize: 3},
	}}, store, executor, defs)

	summary, err := worker.ExecuteBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}
	if summary.Completed != 12 {
		t.Fatalf("应完成全部条目: %+v", summary)
	}
	if maxInFlight[chain.FamilyEVM] > 1 {
		t.Fatalf("evm 家族并发应不超过 1, got %d", maxInFlight[chain.FamilyEVM])
	}
	if maxInFlight[chain.FamilySolana] > 3 {
		t.Fatalf("solana 家族并发应不超过 3, got %d", maxInFlight[chain.FamilySolana])
	}
}

func TestFamilyLimitPrecedence(t *testing.T) {
	// 什么都不配时使用内置的家族默认值。
	cfg := WorkerConfig{}
	cfg.applyDefaults()
	if got := cfg.limitFor(chain.FamilyEVM); got.ChunkSize != 5 {
		t.Fatalf("evm 内置默认应为 5, got %d", got.ChunkSize)
	}
	if got := cfg.limitFor(chain.FamilyTron); got.ChunkSize != 3 {
		t.Fatalf("tron 内置默认应为 3, got %d", got.ChunkSize)
	}
	if got := cfg.limitFor(chain.FamilySolana); got.ChunkSize != 10 {
		t.Fatalf("solana 内置默认应为 10, got %d", got.ChunkSize)
	}

	// 全局配置覆盖内置默认，家族覆盖的优先级最高。
	cfg = WorkerConfig{
		ChunkSize: 2,
		FamilyLimits: map[chain.Family]FamilyLimit{
			chain.FamilySolana: {ChunkSize: 8},
		},
	}
	if got := cfg.limitFor(chain.FamilyEVM); got.ChunkSize != 2 {
		t.Fatalf("全局配置应覆盖 evm 默认, got %d", got.ChunkSize)
	}
	if got := cfg.limitFor(chain.FamilySolana); got.ChunkSize != 8 {
		t.Fatalf("家族覆盖应优先生效, got %d", got.ChunkSize)
	}
}

func TestReexecuteFinishedBatchIsNoop(t *testing.T) {
	store := NewMemoryStore()
	createBatch(t, store, "batch-1", uniformInstructions(3, "base"))

	var mu sync.Mutex
	calls := 0
	executor := ItemExecutorFunc(func(context.Context, *Item) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "0xtx", nil
	})
	worker := NewWorker(WorkerConfig{}, store, executor, testDefinitions())

	if _, err := worker.ExecuteBatch(context.Background(), "batch-1"); err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}
	again, err := worker.ExecuteBatch(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("重复执行失败: %v", err)
	}
	if again.Total != 0 || again.Completed != 0 || again.Failed != 0 || again.Skipped != 0 {
		t.Fatalf("重复执行已落定的批次应是空操作: %+v", again)
	}
	if calls != 3 {
		t.Fatalf("条目不应被重复执行, got %d 次调用", calls)
	}
}

func TestStatusAggregatesProgress(t *testing.T) {
	store := NewMemoryStore()
	createBatch(t, store, "batch-1", uniformInstructions(4, "base"))
	svc := NewService(store, NewWorker(WorkerConfig{}, store,
		ItemExecutorFunc(func(_ context.Context, item *Item) (string, error) {
			if item.Index == 0 {
				return "", errors.New("节点拒绝")
			}
			return "0xtx", nil
		}), testDefinitions()))

	before, err := svc.Status(context.Background(), "batch-1", false)
	if err != nil {
		t.Fatalf("查询进度失败: %v", err)
	}
	if before.Done || before.Pending != 4 {
		t.Fatalf("执行前进度错误: %+v", before)
	}

	if _, err := svc.Execute(context.Background(), "batch-1"); err != nil {
		t.Fatalf("执行批次失败: %v", err)
	}

	after, err := svc.Status(context.Background(), "batch-1", true)
	if err != nil {
		t.Fatalf("查询进度失败: %v", err)
	}
	if !after.Done || after.Status != StatusPartial {
		t.Fatalf("执行后进度错误: %+v", after)
	}
	if after.Completed != 3 || after.Failed != 1 {
		t.Fatalf("计数错误: %+v", after)
	}
	if len(after.Items) != 4 {
		t.Fatalf("withItems 应返回全部条目: %d", len(after.Items))
	}
}
