// Package batch 实现批量支付的拆单、并发执行与汇总。同一批次可能
// 被多个 worker 同时认领，条目级的原子认领保证每条指令只执行一次。
package batch

import (
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// ItemStatus 表示批次条目的状态。
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemClaimed   ItemStatus = "claimed"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// Status 是由条目聚合出来的批次状态。
type Status string

const (
	// StatusCompleted 表示全部条目成功（被其他 worker 认领的不算失败）。
	StatusCompleted Status = "completed"
	// StatusPartial 表示部分成功部分失败。
	StatusPartial Status = "partial"
	// StatusFailed 表示有失败且没有任何成功。
	StatusFailed Status = "failed"
)

// Item 是批次中的一条支付指令。Index 决定执行顺序。
type Item struct {
	ID        string       `json:"id"`
	BatchID   string       `json:"batch_id"`
	Index     int          `json:"index"`
	AgentID   string       `json:"agent_id"`
	Recipient string       `json:"recipient"`
	Amount    money.Amount `json:"amount"`
	Token     string       `json:"token"`
	Chain     string       `json:"chain"`
	Status    ItemStatus   `json:"status"`
	TxRef     string       `json:"tx_ref,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}

// Summary 是一次批次执行的汇总结果。Skipped 是本次执行中被其他
// worker 抢先认领的条目数，只存在于执行视角，条目本身由认领方落定。
type Summary struct {
	BatchID   string `json:"batch_id"`
	Status    Status `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	// DurationMS 是本次执行的耗时，毫秒。
	DurationMS int64 `json:"duration_ms"`
}

// DeriveStatus 从计数聚合批次状态。跳过的条目由认领它的 worker
// 负责，不参与本地成败判断。
func DeriveStatus(completed, failed int) Status {
	switch {
	case failed > 0 && completed == 0:
		return StatusFailed
	case failed > 0:
		return StatusPartial
	default:
		return StatusCompleted
	}
}

var (
	// ErrBatchNotFound 表示批次不存在或没有任何条目。
	ErrBatchNotFound = xerrors.New(CodeBatchNotFound, "batch not found")
	// ErrItemNotFound 表示批次条目不存在。
	ErrItemNotFound = xerrors.New(CodeBatchNotFound, "batch item not found")
	// ErrItemConflict 表示条目状态不允许所请求的转换。
	ErrItemConflict = xerrors.New(CodeBatchConflict, "batch item conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeBatchNotFound   xerrors.Code = "BATCH_NOT_FOUND"
	CodeBatchConflict   xerrors.Code = "BATCH_CONFLICT"
	CodeBatchValidation xerrors.Code = "BATCH_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeBatchNotFound, xerrors.Attributes{
		Message:   "batch not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBatchConflict, xerrors.Attributes{
		Message:   "batch item conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBatchValidation, xerrors.Attributes{
		Message:   "batch validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneItem(item *Item) *Item {
	clone := *item
	return &clone
}
