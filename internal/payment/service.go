package payment

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/idempotency"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/pkg/logger"
)

// SubmitRequest 是提交支付提案的入参。金额使用十进制字符串，
// 在边界处解析成精确数值。
type SubmitRequest struct {
	AgentID   string `json:"agent_id"`
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
}

// Validate 检查提交请求的完整性。
func (r *SubmitRequest) Validate() error {
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"agent_id", r.AgentID},
		{"owner", r.Owner},
		{"recipient", r.Recipient},
		{"amount", r.Amount},
		{"token", r.Token},
		{"chain", r.Chain},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return xerrors.New(CodePaymentValidation,
			fmt.Sprintf("提交请求缺少必填字段: %s", strings.Join(missing, ", ")))
	}
	if _, err := money.ParsePositive(r.Amount); err != nil {
		return err
	}
	return nil
}

// Service 负责提案的提交、查询与人工重试。
type Service struct {
	store      Store
	producer   Producer
	settlement Producer
	idem       *idempotency.Manager
}

// NewService 构造支付服务。settlement 可以为 nil，表示不投递入账
// 核验任务。
func NewService(store Store, producer Producer, settlement Producer, idem *idempotency.Manager) *Service {
	return &Service{store: store, producer: producer, settlement: settlement, idem: idem}
}

// Submit 创建一笔支付提案并推入执行队列。携带幂等键的重复提交
// 返回首次提交的结果，同键不同体被判为客户端错误。
func (s *Service) Submit(ctx context.Context, req SubmitRequest, idempotencyKey string) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未初始化")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if s.idem != nil && idempotencyKey != "" {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, xerrors.Wrap(CodePaymentValidation, err, "编码请求体失败")
		}
		outcome, err := s.idem.Check(ctx, idempotencyKey, body)
		if err != nil {
			return nil, err
		}
		if !outcome.Fresh {
			return s.replay(ctx, outcome.Existing)
		}
		task, err := s.create(ctx, req)
		s.finishIdempotent(ctx, idempotencyKey, task, err)
		return task, err
	}
	return s.create(ctx, req)
}

func (s *Service) create(ctx context.Context, req SubmitRequest) (*Task, error) {
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return nil, err
	}
	task := &Task{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Owner:     req.Owner,
		Recipient: req.Recipient,
		Amount:    amount,
		Token:     strings.ToUpper(strings.TrimSpace(req.Token)),
		Chain:     req.Chain,
		Status:    StatusPending,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		logger.L().Error("支付入队失败", slog.Any("error", err), slog.String("payment_id", task.ID))
		wrapped := xerrors.Wrap(CodePaymentPublish, err, "发布支付到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodePaymentPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("支付提案已入队",
		slog.String("payment_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("amount", task.Amount.String()),
		slog.String("token", task.Token),
		slog.String("chain", task.Chain),
	)
	return task, nil
}

// replay 回放幂等记录中保存的首次结果。
func (s *Service) replay(ctx context.Context, rec *idempotency.Record) (*Task, error) {
	if rec.Status == idempotency.StatusProcessing {
		return nil, xerrors.New(CodePaymentConflict, "同一幂等键的首次请求仍在处理中")
	}
	var snapshot Task
	if err := json.Unmarshal(rec.Response, &snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回放幂等响应失败")
	}
	// 回放时读最新状态，提案可能已经执行完。
	current, err := s.store.Get(ctx, snapshot.ID)
	if err == nil {
		return current, nil
	}
	if stdErrors.Is(err, ErrPaymentNotFound) {
		return &snapshot, nil
	}
	return nil, err
}

func (s *Service) finishIdempotent(ctx context.Context, key string, task *Task, submitErr error) {
	if submitErr != nil {
		payload, _ := json.Marshal(map[string]string{"error": submitErr.Error()})
		if err := s.idem.Fail(ctx, key, payload); err != nil {
			logger.L().Error("记录幂等失败状态出错", slog.Any("error", err), slog.String("key", key))
		}
		return
	}
	payload, err := json.Marshal(task)
	if err != nil {
		logger.L().Error("编码幂等响应失败", slog.Any("error", err), slog.String("key", key))
		return
	}
	if err := s.idem.Complete(ctx, key, payload); err != nil {
		logger.L().Error("记录幂等完成状态出错", slog.Any("error", err), slog.String("key", key))
	}
}

// Get 返回指定提案。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的提案列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的提案统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "支付存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Retry 把失败的提案拉回 pending 并重新入队，这是唯一的逆向转换。
func (s *Service) Retry(ctx context.Context, id string) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未初始化")
	}
	task, err := s.store.ResetForRetry(ctx, id)
	if err != nil {
		return task, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		wrapped := xerrors.Wrap(CodePaymentPublish, err, "重试支付入队失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodePaymentPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("支付提案已重新入队",
		slog.String("payment_id", task.ID),
		slog.String("agent_id", task.AgentID),
	)
	return task, nil
}

// EnqueueSettlement 校验入账核验任务并投递到结算队列。
func (s *Service) EnqueueSettlement(ctx context.Context, task *SettlementTask) error {
	if s.settlement == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算队列未配置")
	}
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	if err := s.settlement.Publish(ctx, string(payload)); err != nil {
		return xerrors.Wrap(CodePaymentPublish, err, "发布结算任务失败")
	}
	return nil
}

// WaitUntilSettled 在指定超时时间内轮询提案状态，SDK 与测试使用。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusExecuted || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			return err
		}
	}
	if s.settlement != nil {
		return s.settlement.Close()
	}
	return nil
}
