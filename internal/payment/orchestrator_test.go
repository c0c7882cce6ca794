package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/guard"
	"AgentPay-Chain/internal/money"
)

type fakeBackends struct {
	defs chain.ChainDefinitions
}

func (f fakeBackends) Backend(string) (chain.Backend, bool) { return nil, false }

func (f fakeBackends) Definitions() chain.ChainDefinitions { return f.defs }

func testDefinitions() chain.ChainDefinitions {
	return chain.ChainDefinitions{
		Chains: map[string]chain.ChainDefinition{
			"base": {
				Type:    "evm",
				ChainID: 8453,
				Tokens: map[string]chain.TokenDefinition{
					"USDC": {Address: "0xA0b8", Decimals: 6, Gasless: true},
					"DAI":  {Address: "0x6B17", Decimals: 18},
				},
			},
		},
	}
}

type stubStrategy struct {
	name  string
	txRef string
	err   error

	mu    sync.Mutex
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Execute(_ context.Context, _ *Task) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.txRef, nil
}

func (s *stubStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu       sync.Mutex
	executed []string
	failed   []string
	reasons  []string
}

func (n *recordingNotifier) PaymentExecuted(_ context.Context, task *Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.executed = append(n.executed, task.ID)
}

func (n *recordingNotifier) PaymentFailed(_ context.Context, task *Task, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, task.ID)
	n.reasons = append(n.reasons, reason)
}

type orchestratorFixture struct {
	orch        *Orchestrator
	store       *MemoryStore
	budgetStore *budget.MemoryStore
	notifier    *recordingNotifier
}

func newOrchestratorFixture(t *testing.T, gasless, direct Strategy, policy Policy) *orchestratorFixture {
	t.Helper()
	store := NewMemoryStore()
	budgetStore := budget.NewMemoryStore()
	if err := budgetStore.Create(context.Background(), &budget.Budget{
		ID:      "budget-1",
		AgentID: "agent-1",
		Token:   "USDC",
		Period:  budget.PeriodDaily,
		Amount:  money.MustParse("100"),
	}); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	ledger := budget.NewLedger(budgetStore)
	g := guard.New(guard.Config{RateLimit: 100}, ledger, nil)
	notifier := &recordingNotifier{}
	orch := NewOrchestrator(OrchestratorConfig{}, store, ledger, g,
		StaticPolicySource{"agent-1": policy}, fakeBackends{defs: testDefinitions()},
		gasless, direct, notifier)
	return &orchestratorFixture{orch: orch, store: store, budgetStore: budgetStore, notifier: notifier}
}

func newPendingTask(t *testing.T, store *MemoryStore, id, amount string) *Task {
	t.Helper()
	task := &Task{
		ID:        id,
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xRecipient",
		Amount:    money.MustParse(amount),
		Token:     "USDC",
		Chain:     "base",
		Status:    StatusPending,
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	return task
}

func budgetUsed(t *testing.T, store *budget.MemoryStore) money.Amount {
	t.Helper()
	b, err := store.Get(context.Background(), "budget-1")
	if err != nil {
		t.Fatalf("读取预算失败: %v", err)
	}
	return b.Used
}

func TestExecutePrefersGaslessRelay(t *testing.T) {
	gasless := &stubStrategy{name: StrategyGaslessRelay, txRef: "0xrelay"}
	direct := &stubStrategy{name: StrategyDirectTransfer, txRef: "0xdirect"}
	fx := newOrchestratorFixture(t, gasless, direct, Policy{})
	newPendingTask(t, fx.store, "pay-1", "25")

	if err := fx.orch.Execute(context.Background(), "pay-1"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	task, _ := fx.store.Get(context.Background(), "pay-1")
	if task.Status != StatusExecuted {
		t.Fatalf("状态应为 executed, got %s", task.Status)
	}
	if task.TxRef != "0xrelay" || task.Strategy != StrategyGaslessRelay {
		t.Fatalf("应当走中继路径: tx=%s strategy=%s", task.TxRef, task.Strategy)
	}
	if direct.callCount() != 0 {
		t.Fatal("中继成功时不应触发直接转账")
	}
	if got := budgetUsed(t, fx.budgetStore); got.Cmp(money.MustParse("25")) != 0 {
		t.Fatalf("预算应扣减 25, got %s", got.String())
	}
	if len(fx.notifier.executed) != 1 || fx.notifier.executed[0] != "pay-1" {
		t.Fatalf("应当发出执行成功通知: %v", fx.notifier.executed)
	}
}

func TestExecuteFallsBackToDirectTransfer(t *testing.T) {
	gasless := &stubStrategy{name: StrategyGaslessRelay, err: errors.New("中继不可用")}
	direct := &stubStrategy{name: StrategyDirectTransfer, txRef: "0xdirect"}
	fx := newOrchestratorFixture(t, gasless, direct, Policy{})
	newPendingTask(t, fx.store, "pay-1", "10")

	if err := fx.orch.Execute(context.Background(), "pay-1"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	task, _ := fx.store.Get(context.Background(), "pay-1")
	if task.Status != StatusExecuted || task.Strategy != StrategyDirectTransfer {
		t.Fatalf("应当回退到直接转账: status=%s strategy=%s", task.Status, task.Strategy)
	}
	if gasless.callCount() != 1 || direct.callCount() != 1 {
		t.Fatalf("调用次数错误: gasless=%d direct=%d", gasless.callCount(), direct.callCount())
	}
}

func TestExecuteSkipsRelayForNonGaslessToken(t *testing.T) {
	gasless := &stubStrategy{name: StrategyGaslessRelay, txRef: "0xrelay"}
	direct := &stubStrategy{name: StrategyDirectTransfer, txRef: "0xdirect"}
	fx := newOrchestratorFixture(t, gasless, direct, Policy{})
	if err := fx.budgetStore.Create(context.Background(), &budget.Budget{
		ID:      "budget-dai",
		AgentID: "agent-1",
		Token:   "DAI",
		Period:  budget.PeriodDaily,
		Amount:  money.MustParse("100"),
	}); err != nil {
		t.Fatalf("创建预算失败: %v", err)
	}
	task := &Task{
		ID: "pay-dai", AgentID: "agent-1", Owner: "owner-1", Recipient: "0xRecipient",
		Amount: money.MustParse("5"), Token: "DAI", Chain: "base", Status: StatusPending,
	}
	if err := fx.store.Create(context.Background(), task); err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}

	if err := fx.orch.Execute(context.Background(), "pay-dai"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if gasless.callCount() != 0 {
		t.Fatal("不支持授权转账的代币不应进入中继路径")
	}
	if direct.callCount() != 1 {
		t.Fatalf("应当直接转账, got %d 次调用", direct.callCount())
	}
}

func TestExecuteRefundsBudgetWhenAllStrategiesFail(t *testing.T) {
	gasless := &stubStrategy{name: StrategyGaslessRelay, err: errors.New("中继不可用")}
	direct := &stubStrategy{name: StrategyDirectTransfer, err: errors.New("节点拒绝")}
	fx := newOrchestratorFixture(t, gasless, direct, Policy{})
	newPendingTask(t, fx.store, "pay-1", "40")

	if err := fx.orch.Execute(context.Background(), "pay-1"); err != nil {
		t.Fatalf("执行失败不应返回基础设施错误: %v", err)
	}
	task, _ := fx.store.Get(context.Background(), "pay-1")
	if task.Status != StatusFailed {
		t.Fatalf("状态应为 failed, got %s", task.Status)
	}
	if task.ErrorCode != string(CodePaymentExecution) {
		t.Fatalf("错误码应为执行失败, got %s", task.ErrorCode)
	}
	if got := budgetUsed(t, fx.budgetStore); !got.IsZero() {
		t.Fatalf("执行失败后预算应回补, got used=%s", got.String())
	}
	if len(fx.notifier.failed) != 1 {
		t.Fatalf("应当发出失败通知: %v", fx.notifier.failed)
	}
}

func TestExecuteRejectsPolicyViolations(t *testing.T) {
	gasless := &stubStrategy{name: StrategyGaslessRelay, txRef: "0xrelay"}
	policy := Policy{
		MaxPerTx:           money.MustParse("20"),
		RecipientWhitelist: []string{"0xTrusted"},
	}
	fx := newOrchestratorFixture(t, gasless, nil, policy)
	newPendingTask(t, fx.store, "pay-1", "30")

	if err := fx.orch.Execute(context.Background(), "pay-1"); err != nil {
		t.Fatalf("规则拒绝不应返回错误: %v", err)
	}
	task, _ := fx.store.Get(context.Background(), "pay-1")
	if task.Status != StatusFailed || task.ErrorCode != string(CodePaymentValidation) {
		t.Fatalf("规则违例应落入 failed: status=%s code=%s", task.Status, task.ErrorCode)
	}
	// 所有违例一次性报告。
	if !strings.Contains(task.LastError, "ceiling") || !strings.Contains(task.LastError, "not whitelisted") {
		t.Fatalf("拒绝原因应包含全部违例: %s", task.LastError)
	}
	if gasless.callCount() != 0 {
		t.Fatal("规则拒绝后不应执行策略")
	}
	if got := budgetUsed(t, fx.budgetStore); !got.IsZero() {
		t.Fatalf("规则拒绝不应触碰预算, got used=%s", got.String())
	}
}

func TestExecuteDeniedByAuthorization(t *testing.T) {
	direct := &stubStrategy{name: StrategyDirectTransfer, txRef: "0xdirect"}
	fx := newOrchestratorFixture(t, nil, direct, Policy{})
	newPendingTask(t, fx.store, "pay-1", "500")

	if err := fx.orch.Execute(context.Background(), "pay-1"); err != nil {
		t.Fatalf("授权拒绝不应返回错误: %v", err)
	}
	task, _ := fx.store.Get(context.Background(), "pay-1")
	if task.Status != StatusFailed || task.ErrorCode != string(CodePaymentDenied) {
		t.Fatalf("授权拒绝应落入 failed: status=%s code=%s", task.Status, task.ErrorCode)
	}
	if !strings.Contains(task.LastError, guard.LayerBudget) {
		t.Fatalf("拒绝原因应标明拒绝层: %s", task.LastError)
	}
	if direct.callCount() != 0 {
		t.Fatal("授权拒绝后不应执行策略")
	}
}

func TestExecuteSkipsNonPendingTask(t *testing.T) {
	direct := &stubStrategy{name: StrategyDirectTransfer, txRef: "0xdirect"}
	fx := newOrchestratorFixture(t, nil, direct, Policy{})
	newPendingTask(t, fx.store, "pay-1", "10")
	if _, err := fx.store.Approve(context.Background(), "pay-1"); err != nil {
		t.Fatalf("预置 approved 状态失败: %v", err)
	}

	if err := fx.orch.Execute(context.Background(), "pay-1"); err != nil {
		t.Fatalf("非 pending 提案应被静默跳过: %v", err)
	}
	if direct.callCount() != 0 {
		t.Fatal("非 pending 提案不应执行策略")
	}
}

func TestExecuteConcurrentWorkersSettleExactlyOnce(t *testing.T) {
	direct := &stubStrategy{name: StrategyDirectTransfer, txRef: "0xdirect"}
	fx := newOrchestratorFixture(t, nil, direct, Policy{})
	newPendingTask(t, fx.store, "pay-1", "25")

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- fx.orch.Execute(context.Background(), "pay-1")
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("并发执行出错: %v", err)
		}
	}

	if direct.callCount() != 1 {
		t.Fatalf("并发 worker 应当只结算一次, got %d", direct.callCount())
	}
	if got := budgetUsed(t, fx.budgetStore); got.Cmp(money.MustParse("25")) != 0 {
		t.Fatalf("预算应当只扣减一次, got used=%s", got.String())
	}
	task, _ := fx.store.Get(context.Background(), "pay-1")
	if task.Status != StatusExecuted {
		t.Fatalf("状态应为 executed, got %s", task.Status)
	}
}
