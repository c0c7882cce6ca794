package payment

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	"AgentPay-Chain/internal/idempotency"
)

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, paymentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, paymentID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingProducer) {
	t.Helper()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	idem := idempotency.NewManager(idempotency.NewMemoryStore(), 0)
	return NewService(store, producer, &recordingProducer{}, idem), store, producer
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xRecipient",
		Amount:    "25.5",
		Token:     "usdc",
		Chain:     "base",
	}
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	svc, store, producer := newTestService(t)

	task, err := svc.Submit(context.Background(), validSubmit(), "")
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("新提案应为 pending, got %s", task.Status)
	}
	if task.Token != "USDC" {
		t.Fatalf("代币符号应归一化为大写, got %s", task.Token)
	}
	if producer.count() != 1 {
		t.Fatalf("提案应入队一次, got %d", producer.count())
	}
	stored, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("读取提案失败: %v", err)
	}
	if stored.Amount.Cmp(task.Amount) != 0 {
		t.Fatalf("金额不一致: %s vs %s", stored.Amount.String(), task.Amount.String())
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	svc, _, producer := newTestService(t)

	req := validSubmit()
	req.Recipient = ""
	req.Amount = "0"
	if _, err := svc.Submit(context.Background(), req, ""); err == nil {
		t.Fatal("缺字段的请求应当被拒绝")
	}
	if producer.count() != 0 {
		t.Fatal("非法请求不应入队")
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	svc, _, producer := newTestService(t)

	first, err := svc.Submit(context.Background(), validSubmit(), "key-1")
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	second, err := svc.Submit(context.Background(), validSubmit(), "key-1")
	if err != nil {
		t.Fatalf("重放提交失败: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("同幂等键应返回同一提案: %s vs %s", second.ID, first.ID)
	}
	if producer.count() != 1 {
		t.Fatalf("重放不应重复入队, got %d", producer.count())
	}
}

func TestSubmitIdempotentConflictOnDifferentBody(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Submit(context.Background(), validSubmit(), "key-1"); err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	altered := validSubmit()
	altered.Amount = "99"
	_, err := svc.Submit(context.Background(), altered, "key-1")
	if !stdErrors.Is(err, idempotency.ErrConflict) {
		t.Fatalf("同键不同体应判为冲突, got %v", err)
	}
}

func TestSubmitReplayReflectsLatestState(t *testing.T) {
	svc, store, _ := newTestService(t)

	first, err := svc.Submit(context.Background(), validSubmit(), "key-1")
	if err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	// 提案在两次提交之间被 worker 推进。
	if _, err := store.Approve(context.Background(), first.ID); err != nil {
		t.Fatalf("推进状态失败: %v", err)
	}
	replayed, err := svc.Submit(context.Background(), validSubmit(), "key-1")
	if err != nil {
		t.Fatalf("重放提交失败: %v", err)
	}
	if replayed.Status != StatusApproved {
		t.Fatalf("重放应返回最新状态, got %s", replayed.Status)
	}
}

func TestSubmitMarksFailedWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{err: stdErrors.New("broker down")}
	svc := NewService(store, producer, nil, nil)

	_, err := svc.Submit(context.Background(), validSubmit(), "")
	if err == nil {
		t.Fatal("入队失败应当上报")
	}
	tasks, listErr := store.List(context.Background(), ListOptions{})
	if listErr != nil {
		t.Fatalf("列出提案失败: %v", listErr)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusFailed {
		t.Fatalf("入队失败的提案应落入 failed: %+v", tasks)
	}
}

func TestRetryRequeuesFailedPayment(t *testing.T) {
	svc, store, producer := newTestService(t)

	task, err := svc.Submit(context.Background(), validSubmit(), "")
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if err := store.MarkFailed(context.Background(), task.ID, CodePaymentExecution, "节点拒绝"); err != nil {
		t.Fatalf("预置失败状态出错: %v", err)
	}

	retried, err := svc.Retry(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if retried.Status != StatusPending {
		t.Fatalf("重试后应回到 pending, got %s", retried.Status)
	}
	if retried.LastError != "" || retried.ErrorCode != "" {
		t.Fatalf("重试应清空错误信息: %+v", retried)
	}
	if producer.count() != 2 {
		t.Fatalf("重试应再次入队, got %d", producer.count())
	}
}

func TestRetryRejectsNonFailedPayment(t *testing.T) {
	svc, _, _ := newTestService(t)

	task, err := svc.Submit(context.Background(), validSubmit(), "")
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if _, err := svc.Retry(context.Background(), task.ID); !stdErrors.Is(err, ErrPaymentConflict) {
		t.Fatalf("pending 提案不可重试, got %v", err)
	}
}

func TestSettlementTaskValidation(t *testing.T) {
	task := &SettlementTask{
		PaymentID:  "pay-1",
		OrderID:    "order-1",
		TxHash:     "0xabc",
		Amount:     "50",
		Token:      "USDC",
		Network:    "base",
		MerchantID: "merchant-1",
	}
	payload, err := task.Encode()
	if err != nil {
		t.Fatalf("编码结算任务失败: %v", err)
	}
	decoded, err := DecodeSettlementTask(payload)
	if err != nil {
		t.Fatalf("解码结算任务失败: %v", err)
	}
	if decoded.OrderID != "order-1" || decoded.TxHash != "0xabc" {
		t.Fatalf("解码结果错误: %+v", decoded)
	}

	invalid := *task
	invalid.TxHash = ""
	invalid.Amount = "-1"
	if _, err := invalid.Encode(); err == nil {
		t.Fatal("畸形结算任务应在入队前被拒绝")
	}
}
