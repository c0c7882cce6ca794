// Package notify 把支付结果推送给外部订阅方。投递失败只记日志，
// 绝不反馈到支付主流程。
package notify

import (
	"context"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// 事件类型。
const (
	EventPaymentExecuted = "payment.executed"
	EventPaymentFailed   = "payment.failed"
)

// Event 是对外广播的支付事件。
type Event struct {
	Type       string    `json:"type"`
	PaymentID  string    `json:"payment_id"`
	AgentID    string    `json:"agent_id"`
	Owner      string    `json:"owner"`
	Recipient  string    `json:"recipient"`
	Amount     string    `json:"amount"`
	Token      string    `json:"token"`
	Chain      string    `json:"chain"`
	Status     string    `json:"status"`
	TxRef      string    `json:"tx_ref,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink 是单个投递通道。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
	Close() error
}

// Dispatcher 把支付结果扇出到所有通道，实现 payment.Notifier。
type Dispatcher struct {
	sinks []Sink
	now   func() time.Time
}

var _ payment.Notifier = (*Dispatcher)(nil)

// NewDispatcher 构造事件派发器，nil 通道会被忽略。
func NewDispatcher(sinks ...Sink) *Dispatcher {
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &Dispatcher{sinks: kept, now: time.Now}
}

// PaymentExecuted 实现 payment.Notifier 接口。
func (d *Dispatcher) PaymentExecuted(ctx context.Context, task *payment.Task) {
	d.deliver(ctx, d.eventOf(EventPaymentExecuted, task, ""))
}

// PaymentFailed 实现 payment.Notifier 接口。
func (d *Dispatcher) PaymentFailed(ctx context.Context, task *payment.Task, reason string) {
	d.deliver(ctx, d.eventOf(EventPaymentFailed, task, reason))
}

// Close 关闭所有通道。
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			logger.L().Error("关闭通知通道失败",
				slog.String("sink", sink.Name()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (d *Dispatcher) eventOf(eventType string, task *payment.Task, reason string) Event {
	return Event{
		Type:       eventType,
		PaymentID:  task.ID,
		AgentID:    task.AgentID,
		Owner:      task.Owner,
		Recipient:  task.Recipient,
		Amount:     task.Amount.String(),
		Token:      task.Token,
		Chain:      task.Chain,
		Status:     string(task.Status),
		TxRef:      task.TxRef,
		Strategy:   task.Strategy,
		Reason:     reason,
		OccurredAt: d.now(),
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			logger.L().Error("支付事件投递失败",
				slog.String("sink", sink.Name()),
				slog.String("event_type", event.Type),
				slog.String("payment_id", event.PaymentID),
				slog.Any("error", err),
			)
		}
	}
}
