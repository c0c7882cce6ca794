package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// Instruction 是创建批次时的一条支付指令。
type Instruction struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
}

// CreateRequest 是创建批次的入参。BatchID 为空时自动生成。
type CreateRequest struct {
	BatchID string        `json:"batch_id,omitempty"`
	AgentID string        `json:"agent_id"`
	Items   []Instruction `json:"items"`
}

// Progress 是批次的即时进度视图。
type Progress struct {
	BatchID   string  `json:"batch_id"`
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Claimed   int     `json:"claimed"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Done      bool    `json:"done"`
	Status    Status  `json:"status,omitempty"`
	Items     []*Item `json:"items,omitempty"`
}

// Service 封装批次的创建、执行与进度查询。
type Service struct {
	store  Store
	worker *Worker
}

// NewService 构造批次服务。
func NewService(store Store, worker *Worker) *Service {
	return &Service{store: store, worker: worker}
}

// Create 校验指令并落库，返回批次 ID。Index 按入参顺序分配。
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	if s.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "批次存储未初始化")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return "", xerrors.New(CodeBatchValidation, "批次缺少 agent_id")
	}
	if len(req.Items) == 0 {
		return "", xerrors.New(CodeBatchValidation, "批次不能为空")
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	}
	items := make([]*Item, 0, len(req.Items))
	for i, instr := range req.Items {
		if strings.TrimSpace(instr.Recipient) == "" ||
			strings.TrimSpace(instr.Token) == "" ||
			strings.TrimSpace(instr.Chain) == "" {
			return "", xerrors.New(CodeBatchValidation,
				fmt.Sprintf("第 %d 条指令缺少必填字段", i))
		}
		amount, err := money.ParsePositive(instr.Amount)
		if err != nil {
			return "", xerrors.Wrap(CodeBatchValidation, err,
				fmt.Sprintf("第 %d 条指令金额非法", i))
		}
		items = append(items, &Item{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			Index:     i,
			AgentID:   req.AgentID,
			Recipient: instr.Recipient,
			Amount:    amount,
			Token:     strings.ToUpper(strings.TrimSpace(instr.Token)),
			Chain:     instr.Chain,
			Status:    ItemPending,
		})
	}
	if err := s.store.CreateItems(ctx, items); err != nil {
		return "", err
	}
	return batchID, nil
}

// Execute 触发批次执行并返回汇总。
func (s *Service) Execute(ctx context.Context, batchID string) (Summary, error) {
	if s.worker == nil {
		return Summary{}, xerrors.New(xerrors.CodeInitializationFailure, "批次执行器未初始化")
	}
	return s.worker.ExecuteBatch(ctx, batchID)
}

// Status 返回批次的即时进度。全部条目落定后补充聚合状态。
func (s *Service) Status(ctx context.Context, batchID string, withItems bool) (Progress, error) {
	if s.store == nil {
		return Progress{}, xerrors.New(xerrors.CodeInitializationFailure, "批次存储未初始化")
	}
	items, err := s.store.ListByBatch(ctx, batchID)
	if err != nil {
		return Progress{}, err
	}
	progress := Progress{BatchID: batchID, Total: len(items)}
	for _, item := range items {
		switch item.Status {
		case ItemPending:
			progress.Pending++
		case ItemClaimed:
			progress.Claimed++
		case ItemCompleted:
			progress.Completed++
		case ItemFailed:
			progress.Failed++
		}
	}
	progress.Done = progress.Pending == 0 && progress.Claimed == 0
	if progress.Done {
		progress.Status = DeriveStatus(progress.Completed, progress.Failed)
	}
	if withItems {
		progress.Items = items
	}
	return progress, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
