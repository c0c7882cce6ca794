package payment

import (
	"context"
	"testing"
	"time"

	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/retry"
)

func fastRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:   time.Millisecond,
		SweepLimit: 10,
		Backoff: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
	}
}

func seedFailedTask(t *testing.T, store *MemoryStore, id string, code string) {
	t.Helper()
	err := store.Create(context.Background(), &Task{
		ID:        id,
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xRecipient",
		Amount:    money.MustParse("10"),
		Token:     "USDC",
		Chain:     "base",
		Status:    StatusFailed,
		ErrorCode: code,
	})
	if err != nil {
		t.Fatalf("写入失败提案失败: %v", err)
	}
}

func TestSweepRequeuesRetryableFailures(t *testing.T) {
	svc, store, producer := newTestService(t)
	seedFailedTask(t, store, "pay-exec", string(CodePaymentExecution))

	manager := NewRecoveryManager(fastRecoveryConfig(), svc)
	if err := manager.Sweep(context.Background()); err != nil {
		t.Fatalf("恢复扫描失败: %v", err)
	}

	recovered, err := store.Get(context.Background(), "pay-exec")
	if err != nil {
		t.Fatalf("读取提案失败: %v", err)
	}
	if recovered.Status != StatusPending {
		t.Fatalf("可重试失败应回到 pending, got %s", recovered.Status)
	}
	if producer.count() != 1 {
		t.Fatalf("提案应重新入队一次, got %d", producer.count())
	}
}

func TestSweepSkipsNonRetryableFailures(t *testing.T) {
	svc, store, producer := newTestService(t)
	seedFailedTask(t, store, "pay-invalid", string(CodePaymentValidation))

	manager := NewRecoveryManager(fastRecoveryConfig(), svc)
	if err := manager.Sweep(context.Background()); err != nil {
		t.Fatalf("恢复扫描失败: %v", err)
	}

	skipped, err := store.Get(context.Background(), "pay-invalid")
	if err != nil {
		t.Fatalf("读取提案失败: %v", err)
	}
	if skipped.Status != StatusFailed {
		t.Fatalf("验证类失败不应被恢复, got %s", skipped.Status)
	}
	if producer.count() != 0 {
		t.Fatalf("验证类失败不应入队, got %d", producer.count())
	}
}

func TestSweepHonorsLimit(t *testing.T) {
	svc, store, producer := newTestService(t)
	for _, id := range []string{"pay-a", "pay-b", "pay-c"} {
		seedFailedTask(t, store, id, string(CodePaymentExecution))
	}

	cfg := fastRecoveryConfig()
	cfg.SweepLimit = 2
	manager := NewRecoveryManager(cfg, svc)
	if err := manager.Sweep(context.Background()); err != nil {
		t.Fatalf("恢复扫描失败: %v", err)
	}
	if producer.count() != 2 {
		t.Fatalf("单轮扫描应受上限约束, got %d", producer.count())
	}
}
