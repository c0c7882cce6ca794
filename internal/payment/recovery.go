package payment

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/retry"
	"AgentPay-Chain/pkg/logger"
)

// RecoveryConfig 汇集恢复扫描的参数。
type RecoveryConfig struct {
	// Interval 是两轮扫描之间的间隔。
	Interval time.Duration
	// SweepLimit 是单轮扫描处理的失败提案上限。
	SweepLimit int
	// Backoff 控制单个提案重投失败后的退避节奏。
	Backoff retry.Config
}

func (c *RecoveryConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 50
	}
}

// RecoveryManager 周期性扫描失败的支付提案，把错误码可重试的那部分
// 重新排队。验证类失败不在恢复范围内，需要提案方修正后手动重试。
type RecoveryManager struct {
	cfg     RecoveryConfig
	service *Service
	logger  *slog.Logger
}

// NewRecoveryManager 构造恢复管理器。
func NewRecoveryManager(cfg RecoveryConfig, service *Service) *RecoveryManager {
	cfg.applyDefaults()
	return &RecoveryManager{cfg: cfg, service: service, logger: logger.Named("recovery")}
}

// Start 启动扫描循环，直到上下文取消。
func (m *RecoveryManager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("恢复扫描失败", slog.Any("error", err))
			}
		}
	}
}

// Sweep 执行一轮恢复：列出失败提案，逐条带退避地重新排队。
func (m *RecoveryManager) Sweep(ctx context.Context) error {
	tasks, err := m.service.List(ctx,
		WithStatuses(StatusFailed),
		WithLimit(m.cfg.SweepLimit),
	)
	if err != nil {
		return err
	}

	var recoverable []string
	for _, task := range tasks {
		if !xerrors.AttributesOf(xerrors.Code(task.ErrorCode)).Retryable {
			continue
		}
		recoverable = append(recoverable, task.ID)
	}
	if len(recoverable) == 0 {
		return nil
	}

	report := retry.Run(ctx, recoverable, func(ctx context.Context, id string) error {
		_, err := m.service.Retry(ctx, id)
		// 提案在扫描与重投之间被并发处理过，不算失败。
		if IsPaymentError(err, CodePaymentConflict) || IsPaymentError(err, CodePaymentCompleted) {
			return nil
		}
		return err
	}, m.cfg.Backoff)

	logger.Audit().Info("恢复扫描完成",
		slog.Int("scanned", len(tasks)),
		slog.Int("recoverable", len(recoverable)),
		slog.Int("requeued", report.SuccessCount),
		slog.Int("still_failed", report.FailureCount),
	)
	for _, id := range report.StillFailed {
		m.logger.Warn("提案重投持续失败", slog.String("payment_id", id))
	}
	return nil
}
