package payment

import (
	"context"
	"sync"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/observability/alerting"
)

// stubConsumer 同步地把积压的支付 ID 逐个交给处理函数。
type stubConsumer struct {
	ids []string
}

func (c *stubConsumer) Consume(ctx context.Context, _ int, handler Handler) error {
	for _, id := range c.ids {
		if err := handler(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *stubConsumer) Close() error { return nil }

type stubExecutor struct {
	err   error
	calls int
}

func (e *stubExecutor) Execute(context.Context, string) error {
	e.calls++
	return e.err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func seedPendingTask(t *testing.T, store *MemoryStore, id string) {
	t.Helper()
	err := store.Create(context.Background(), &Task{
		ID:        id,
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xRecipient",
		Amount:    money.MustParse("10"),
		Token:     "USDC",
		Chain:     "base",
		Status:    StatusPending,
	})
	if err != nil {
		t.Fatalf("写入提案失败: %v", err)
	}
}

func TestProcessorSkipsMissingPayment(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	executor := &stubExecutor{err: ErrPaymentNotFound}

	p := NewProcessor(executor, store, &stubConsumer{ids: []string{"pay-missing"}}, producer)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("不存在的提案不应让处理循环退出: %v", err)
	}
	if producer.count() != 0 {
		t.Fatalf("不存在的提案不应重投, got %d", producer.count())
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	seedPendingTask(t, store, "pay-1")
	producer := &recordingProducer{}
	executor := &stubExecutor{err: xerrors.New(xerrors.CodeQueueFailure, "队列抖动")}

	p := NewProcessor(executor, store, &stubConsumer{ids: []string{"pay-1"}}, producer)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("可重试故障不应让处理循环退出: %v", err)
	}
	if producer.count() != 1 {
		t.Fatalf("可重试故障应重投一次, got %d", producer.count())
	}
	task, err := store.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("读取提案失败: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("重投后提案应保持 pending, got %s", task.Status)
	}
}

func TestProcessorMarksNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	seedPendingTask(t, store, "pay-1")
	producer := &recordingProducer{}
	executor := &stubExecutor{err: xerrors.New(xerrors.CodeInvalidArgument, "链不支持")}
	alerter := &recordingDispatcher{}

	p := NewProcessor(executor, store, &stubConsumer{ids: []string{"pay-1"}}, producer,
		WithAlertDispatcher(alerter))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("不可重试故障不应让处理循环退出: %v", err)
	}
	if producer.count() != 0 {
		t.Fatalf("不可重试故障不应重投, got %d", producer.count())
	}
	task, err := store.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("读取提案失败: %v", err)
	}
	if task.Status != StatusFailed {
		t.Fatalf("不可重试故障应落入 failed, got %s", task.Status)
	}
	if len(alerter.events) != 1 {
		t.Fatalf("应发出一条告警, got %d", len(alerter.events))
	}
	if alerter.events[0].PaymentID != "pay-1" {
		t.Fatalf("告警应携带支付 ID: %+v", alerter.events[0])
	}
}
