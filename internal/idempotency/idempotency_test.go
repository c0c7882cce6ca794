package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFreshThenReplay(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()
	body := []byte(`{"recipient":"0xabc","amount":"10"}`)

	outcome, err := m.Check(ctx, "key-1", body)
	if err != nil {
		t.Fatalf("首次检查失败: %v", err)
	}
	if !outcome.Fresh {
		t.Fatal("首次请求应判定为新请求")
	}

	if err := m.Complete(ctx, "key-1", []byte(`{"payment_id":"p-1"}`)); err != nil {
		t.Fatalf("标记完成失败: %v", err)
	}

	replay, err := m.Check(ctx, "key-1", body)
	if err != nil {
		t.Fatalf("重复检查失败: %v", err)
	}
	if replay.Fresh || replay.Existing == nil {
		t.Fatal("重复请求应返回已有记录")
	}
	if replay.Existing.Status != StatusCompleted {
		t.Fatalf("状态应为 completed, 实际 %s", replay.Existing.Status)
	}
	if string(replay.Existing.Response) != `{"payment_id":"p-1"}` {
		t.Fatalf("应回放首次响应, 实际 %s", replay.Existing.Response)
	}
}

func TestSameKeyDifferentBodyConflicts(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	if _, err := m.Check(ctx, "key-1", []byte(`{"amount":"10"}`)); err != nil {
		t.Fatalf("首次检查失败: %v", err)
	}
	_, err := m.Check(ctx, "key-1", []byte(`{"amount":"99"}`))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("同键不同体应返回冲突, 实际: %v", err)
	}
}

func TestProcessingRecordBlocksConcurrentDuplicate(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()
	body := []byte(`{"amount":"10"}`)

	if _, err := m.Check(ctx, "key-1", body); err != nil {
		t.Fatalf("首次检查失败: %v", err)
	}

	// 首次请求尚未 Complete 时，重复请求拿到 processing 记录而不是执行权。
	dup, err := m.Check(ctx, "key-1", body)
	if err != nil {
		t.Fatalf("重复检查失败: %v", err)
	}
	if dup.Fresh {
		t.Fatal("processing 在途时重复请求不应获得执行权")
	}
	if dup.Existing.Status != StatusProcessing {
		t.Fatalf("状态应为 processing, 实际 %s", dup.Existing.Status)
	}
}

func TestExpiredRecordIsFreshAgain(t *testing.T) {
	store := NewMemoryStore()
	current := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return current })
	m := NewManager(store, time.Hour)
	ctx := context.Background()
	body := []byte(`{"amount":"10"}`)

	if _, err := m.Check(ctx, "key-1", body); err != nil {
		t.Fatalf("首次检查失败: %v", err)
	}

	current = current.Add(2 * time.Hour)
	outcome, err := m.Check(ctx, "key-1", body)
	if err != nil {
		t.Fatalf("过期后检查失败: %v", err)
	}
	if !outcome.Fresh {
		t.Fatal("记录过期后同一键应视为新请求")
	}
}

func TestOnlyOneWinnerUnderConcurrency(t *testing.T) {
	m := NewManager(NewMemoryStore(), time.Hour)
	body := []byte(`{"amount":"10"}`)

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := m.Check(context.Background(), "key-1", body)
			if err != nil {
				return
			}
			if outcome.Fresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("并发下应只有一个请求获得执行权, 实际 %d", fresh)
	}
}

func TestHashBodyIsStable(t *testing.T) {
	a := HashBody([]byte(`{"amount":"10"}`))
	b := HashBody([]byte(`{"amount":"10"}`))
	c := HashBody([]byte(`{"amount":"11"}`))
	if a != b {
		t.Fatal("相同请求体的摘要应一致")
	}
	if a == c {
		t.Fatal("不同请求体的摘要不应一致")
	}
}
