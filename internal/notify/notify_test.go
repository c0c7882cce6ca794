package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/payment"
)

func sampleTask() *payment.Task {
	return &payment.Task{
		ID:        "pay-1",
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xRecipient",
		Amount:    money.MustParse("25.5"),
		Token:     "USDC",
		Chain:     "base",
		Status:    payment.StatusExecuted,
		TxRef:     "0xabc",
		Strategy:  payment.StrategyGaslessRelay,
	}
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-AgentPay-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(WebhookConfig{Endpoint: server.URL, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("构造 webhook 通道失败: %v", err)
	}
	dispatcher := NewDispatcher(sink)
	dispatcher.PaymentExecuted(context.Background(), sampleTask())

	if len(gotBody) == 0 {
		t.Fatal("订阅方未收到事件")
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Fatalf("签名不匹配: got %s want %s", gotSignature, want)
	}

	var event Event
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("解析事件失败: %v", err)
	}
	if event.Type != EventPaymentExecuted {
		t.Fatalf("事件类型错误: %s", event.Type)
	}
	if event.PaymentID != "pay-1" || event.TxRef != "0xabc" {
		t.Fatalf("事件内容错误: %+v", event)
	}
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(WebhookConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("构造 webhook 通道失败: %v", err)
	}
	if err := sink.Deliver(context.Background(), Event{Type: EventPaymentFailed}); err == nil {
		t.Fatal("非 2xx 响应应当返回错误")
	}
}

type failingSink struct {
	calls int
}

func (s *failingSink) Name() string { return "failing" }

func (s *failingSink) Deliver(context.Context, Event) error {
	s.calls++
	return errors.New("下游不可用")
}

func (s *failingSink) Close() error { return nil }

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestDispatcherContinuesPastFailingSink(t *testing.T) {
	failing := &failingSink{}
	recording := &recordingSink{}
	dispatcher := NewDispatcher(failing, recording)
	dispatcher.now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

	task := sampleTask()
	task.Status = payment.StatusFailed
	dispatcher.PaymentFailed(context.Background(), task, "denied at rate_limit: too many requests")

	if failing.calls != 1 {
		t.Fatalf("失败通道应当被调用一次, got %d", failing.calls)
	}
	if len(recording.events) != 1 {
		t.Fatalf("失败通道不应阻断后续投递, got %d 个事件", len(recording.events))
	}
	event := recording.events[0]
	if event.Type != EventPaymentFailed {
		t.Fatalf("事件类型错误: %s", event.Type)
	}
	if event.Reason == "" {
		t.Fatal("失败事件应当携带原因")
	}
	if !event.OccurredAt.Equal(time.Unix(1_700_000_000, 0).UTC()) {
		t.Fatalf("事件时间错误: %v", event.OccurredAt)
	}
}
