package budget

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"AgentPay-Chain/internal/money"
)

func newTestBudget(id, agentID, amount string, period Period) *Budget {
	return &Budget{
		ID:      id,
		AgentID: agentID,
		Token:   "USDC",
		Period:  period,
		Amount:  money.MustParse(amount),
		Used:    money.Zero(),
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, newTestBudget("b-1", "agent-1", "1000", PeriodDaily)); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	if err := store.Create(ctx, newTestBudget("b-1", "agent-1", "1000", PeriodDaily)); !stdErrors.Is(err, ErrBudgetConflict) {
		t.Fatalf("重复创建应返回冲突, 实际: %v", err)
	}
}

func TestConcurrentDeductNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newTestBudget("b-1", "agent-1", "100", PeriodDaily)); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}

	const workers = 50
	amount := money.MustParse("10")
	var wg sync.WaitGroup
	var successes sync.Map
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Deduct(ctx, "b-1", amount); err == nil {
				successes.Store(i, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	count := 0
	successes.Range(func(_, _ any) bool { count++; return true })
	if count != 10 {
		t.Fatalf("额度 100 只够 10 笔各 10 的扣减, 实际成功 %d 笔", count)
	}

	b, err := store.Get(ctx, "b-1")
	if err != nil {
		t.Fatalf("读取预算失败: %v", err)
	}
	if b.Remaining().Cmp(money.Zero()) != 0 {
		t.Fatalf("剩余额度应为 0, 实际 %s", b.Remaining())
	}
	if b.Used.Cmp(money.MustParse("100")) != 0 {
		t.Fatalf("已用额度应等于全部成功扣减之和 100, 实际 %s", b.Used)
	}
}

func TestPeriodRolloverOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	current := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return current })

	if err := store.Create(ctx, newTestBudget("b-1", "agent-1", "1000", PeriodDaily)); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	if err := store.Deduct(ctx, "b-1", money.MustParse("400")); err != nil {
		t.Fatalf("扣减失败: %v", err)
	}

	// 窗口内读取不应重置。
	b, _ := store.Get(ctx, "b-1")
	if b.Used.Cmp(money.MustParse("400")) != 0 {
		t.Fatalf("窗口内已用额度应保持 400, 实际 %s", b.Used)
	}

	// 越过窗口结束时间后读取触发重置。
	current = current.Add(25 * time.Hour)
	b, _ = store.Get(ctx, "b-1")
	if !b.Used.IsZero() {
		t.Fatalf("过期窗口应清零已用额度, 实际 %s", b.Used)
	}
	if b.PeriodEnd <= current.Unix() {
		t.Fatal("重置后的窗口结束时间应在当前时间之后")
	}
}

func TestTotalPeriodNeverExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	current := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return current })

	if err := store.Create(ctx, newTestBudget("b-1", "agent-1", "1000", PeriodTotal)); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	if err := store.Deduct(ctx, "b-1", money.MustParse("600")); err != nil {
		t.Fatalf("扣减失败: %v", err)
	}
	current = current.AddDate(1, 0, 0)
	b, _ := store.Get(ctx, "b-1")
	if b.Used.Cmp(money.MustParse("600")) != 0 {
		t.Fatalf("total 周期不应重置, 已用额度实际 %s", b.Used)
	}
}

func TestLedgerCheckAvailability(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ledger := NewLedger(store)

	b := newTestBudget("b-1", "agent-1", "1000", PeriodDaily)
	b.Used = money.MustParse("200")
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}

	// 剩余 800，900 应被拒绝。
	result, err := ledger.CheckAvailability(ctx, "agent-1", "USDC", "", money.MustParse("900"))
	if err != nil {
		t.Fatalf("检查额度失败: %v", err)
	}
	if result.Available {
		t.Fatal("900 超过剩余 800, 应该不可用")
	}
	if result.Remaining.Cmp(money.MustParse("800")) != 0 {
		t.Fatalf("剩余额度应为 800, 实际 %s", result.Remaining)
	}

	result, err = ledger.CheckAvailability(ctx, "agent-1", "USDC", "", money.MustParse("800"))
	if err != nil {
		t.Fatalf("检查额度失败: %v", err)
	}
	if !result.Available {
		t.Fatalf("800 恰好等于剩余额度, 应该可用: %s", result.Reason)
	}
}

func TestLedgerDeniesWithoutBudget(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemoryStore())
	result, err := ledger.CheckAvailability(ctx, "agent-x", "USDC", "", money.MustParse("1"))
	if err != nil {
		t.Fatalf("检查额度失败: %v", err)
	}
	if result.Available {
		t.Fatal("未配置预算时不允许隐式放行")
	}
}

func TestLedgerDeductRollsBackOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ledger := NewLedger(store)

	daily := newTestBudget("b-daily", "agent-1", "1000", PeriodDaily)
	monthly := newTestBudget("b-monthly", "agent-1", "100", PeriodMonthly)
	for _, b := range []*Budget{daily, monthly} {
		if err := store.Create(ctx, b); err != nil {
			t.Fatalf("创建预算失败: %v", err)
		}
	}

	// 月度额度不足，日额度的扣减必须被回滚。
	if _, err := ledger.Deduct(ctx, "agent-1", "USDC", "", money.MustParse("500")); !stdErrors.Is(err, ErrInsufficient) {
		t.Fatalf("应返回额度不足, 实际: %v", err)
	}
	got, _ := store.Get(ctx, "b-daily")
	if !got.Used.IsZero() {
		t.Fatalf("部分失败后日预算应回滚到 0, 实际 %s", got.Used)
	}
}

func TestLedgerDeductAndRefund(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ledger := NewLedger(store)

	if err := store.Create(ctx, newTestBudget("b-1", "agent-1", "1000", PeriodDaily)); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	ids, err := ledger.Deduct(ctx, "agent-1", "USDC", "", money.MustParse("300"))
	if err != nil {
		t.Fatalf("扣减失败: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b-1" {
		t.Fatalf("扣减结果异常: %v", ids)
	}
	ledger.Refund(ctx, ids, money.MustParse("300"))
	b, _ := store.Get(ctx, "b-1")
	if !b.Used.IsZero() {
		t.Fatalf("回补后已用额度应为 0, 实际 %s", b.Used)
	}
}

func TestMemoryStoreListByAgent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		if err := store.Create(ctx, newTestBudget(fmt.Sprintf("b-%d", i), "agent-1", "10", PeriodDaily)); err != nil {
			t.Fatalf("创建预算失败: %v", err)
		}
	}
	if err := store.Create(ctx, newTestBudget("other", "agent-2", "10", PeriodDaily)); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	budgets, err := store.ListByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(budgets) != 3 {
		t.Fatalf("应返回 3 条预算, 实际 %d", len(budgets))
	}
}
