package payment

import (
	"context"
	"log/slog"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/verify"
	"AgentPay-Chain/pkg/logger"
)

// RecipientResolver 把商户 ID 解析成链上的收款地址。
type RecipientResolver interface {
	RecipientAddress(ctx context.Context, merchantID, chainName string) (string, error)
}

// StaticRecipientResolver 用固定映射实现 RecipientResolver，键是商户 ID。
type StaticRecipientResolver map[string]string

// RecipientAddress 实现 RecipientResolver 接口。
func (s StaticRecipientResolver) RecipientAddress(_ context.Context, merchantID, _ string) (string, error) {
	address, ok := s[merchantID]
	if !ok {
		return "", xerrors.New(CodePaymentValidation, "商户未配置收款地址: "+merchantID)
	}
	return address, nil
}

// SettlementWorker 消费入账核验队列。每个任务在为商户记账之前过一遍
// 双花校验，校验不通过的不入账，由校验器留痕。
type SettlementWorker struct {
	consumer    Consumer
	verifier    *verify.Verifier
	recipients  RecipientResolver
	workerCount int
}

// NewSettlementWorker 构造结算 worker。
func NewSettlementWorker(consumer Consumer, verifier *verify.Verifier, recipients RecipientResolver, workerCount int) *SettlementWorker {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &SettlementWorker{
		consumer:    consumer,
		verifier:    verifier,
		recipients:  recipients,
		workerCount: workerCount,
	}
}

// Start 启动结算消费循环。
func (w *SettlementWorker) Start(ctx context.Context) error {
	if w.consumer == nil || w.verifier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算 worker 未初始化")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *SettlementWorker) handle(ctx context.Context, payload string) error {
	task, err := DecodeSettlementTask([]byte(payload))
	if err != nil {
		// 畸形载荷无法重试，记日志后丢弃。
		logger.L().Error("丢弃畸形结算任务", slog.Any("error", err))
		return nil
	}
	amount, err := money.ParsePositive(task.Amount)
	if err != nil {
		logger.L().Error("丢弃金额非法的结算任务",
			slog.String("order_id", task.OrderID),
			slog.Any("error", err),
		)
		return nil
	}
	recipient := ""
	if w.recipients != nil {
		recipient, err = w.recipients.RecipientAddress(ctx, task.MerchantID, task.Network)
		if err != nil {
			logger.L().Error("解析商户收款地址失败",
				slog.String("order_id", task.OrderID),
				slog.String("merchant_id", task.MerchantID),
				slog.Any("error", err),
			)
			return nil
		}
	}

	result, err := w.verifier.Verify(ctx, verify.Request{
		TxRef:             task.TxHash,
		OrderID:           task.OrderID,
		ExpectedAmount:    amount,
		ExpectedRecipient: recipient,
		Chain:             task.Network,
	})
	if err != nil {
		// 链访问或存储故障，交回队列重试。
		return err
	}
	if !result.Valid {
		logger.Audit().Warn("结算核验未通过",
			slog.String("payment_id", task.PaymentID),
			slog.String("order_id", task.OrderID),
			slog.String("tx_hash", task.TxHash),
			slog.String("layer", result.Layer),
			slog.String("reason", result.Reason),
		)
		return nil
	}
	logger.Audit().Info("结算核验通过",
		slog.String("payment_id", task.PaymentID),
		slog.String("order_id", task.OrderID),
		slog.String("tx_hash", task.TxHash),
		slog.String("merchant_id", task.MerchantID),
		slog.Uint64("confirmations", result.Confirmations),
	)
	return nil
}
