package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/pkg/logger"
)

// Executor 定义了处理器所需的编排能力。
type Executor interface {
	Execute(ctx context.Context, paymentID string) error
}

// Processor 负责从队列消费支付提案并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动支付处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置支付消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, paymentID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	err := p.executor.Execute(ctx, paymentID)
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, ErrPaymentNotFound) || stdErrors.Is(err, ErrPaymentCompleted) {
		p.logDebug("跳过支付", slog.String("payment_id", paymentID), slog.String("reason", err.Error()))
		return nil
	}

	// 编排器只在基础设施故障时返回错误。可重试的重投队列，
	// 不可重试的落入失败状态并告警。
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodePaymentExecution
	}
	logger.L().Error("支付处理失败",
		slog.Any("error", err),
		slog.String("payment_id", paymentID),
		slog.String("error_code", string(code)),
	)
	p.emitAlert(ctx, paymentID, code, err)

	if xerrors.RetryableError(err) && p.producer != nil {
		if pubErr := p.producer.Publish(ctx, paymentID); pubErr != nil {
			return xerrors.Wrap(CodePaymentPublish, pubErr, "支付重投队列失败")
		}
		p.logDebug("支付已重新排队", slog.String("payment_id", paymentID))
		return nil
	}
	if storeErr := p.store.MarkFailed(ctx, paymentID, code, err.Error()); storeErr != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("payment_id", paymentID))
		return storeErr
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, paymentID string, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		PaymentID:  paymentID,
		Metadata:   map[string]string{"stage": "execute"},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("payment_id", paymentID),
		)
	}
}
