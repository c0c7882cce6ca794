// Package payment 实现支付提案从提交、授权、额度扣减到链上执行的
// 全生命周期编排。
package payment

import (
	stdErrors "errors"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// Status 表示支付提案在生命周期中的状态。
// 状态只能单向推进，唯一的例外是 failed→pending 的人工重试。
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Task 描述一笔支付提案。
type Task struct {
	ID         string       `json:"id"`
	AgentID    string       `json:"agent_id"`
	Owner      string       `json:"owner"`
	Recipient  string       `json:"recipient"`
	Amount     money.Amount `json:"amount"`
	Token      string       `json:"token"`
	Chain      string       `json:"chain"`
	Status     Status       `json:"status"`
	BudgetRefs []string     `json:"budget_refs,omitempty"`
	TxRef      string       `json:"tx_ref,omitempty"`
	Strategy   string       `json:"strategy,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	ErrorCode  string       `json:"error_code,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	UpdatedAt  int64        `json:"updated_at"`
}

var (
	// ErrPaymentNotFound 表示指定的支付提案不存在。
	ErrPaymentNotFound = xerrors.New(CodePaymentNotFound, "payment not found")
	// ErrPaymentConflict 表示提案在当前状态下无法进行所请求的转换。
	ErrPaymentConflict = xerrors.New(CodePaymentConflict, "payment conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrPaymentCompleted 表示提案已经执行完成。
	ErrPaymentCompleted = xerrors.New(CodePaymentCompleted, "payment already executed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodePaymentNotFound   xerrors.Code = "PAYMENT_NOT_FOUND"
	CodePaymentConflict   xerrors.Code = "PAYMENT_CONFLICT"
	CodePaymentCompleted  xerrors.Code = "PAYMENT_COMPLETED"
	CodePaymentValidation xerrors.Code = "PAYMENT_VALIDATION_FAILED"
	CodePaymentDenied     xerrors.Code = "PAYMENT_DENIED"
	CodePaymentPublish    xerrors.Code = "PAYMENT_PUBLISH_FAILED"
	CodePaymentExecution  xerrors.Code = "PAYMENT_EXECUTION_FAILED"
	CodePaymentDeduction  xerrors.Code = "PAYMENT_DEDUCTION_FAILED"
)

func init() {
	xerrors.Register(CodePaymentNotFound, xerrors.Attributes{
		Message:   "payment not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentConflict, xerrors.Attributes{
		Message:   "payment conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentCompleted, xerrors.Attributes{
		Message:   "payment already executed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentValidation, xerrors.Attributes{
		Message:   "payment validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentDenied, xerrors.Attributes{
		Message:   "payment denied by authorization policy",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentPublish, xerrors.Attributes{
		Message:   "failed to publish payment",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodePaymentExecution, xerrors.Attributes{
		Message:   "payment execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodePaymentDeduction, xerrors.Attributes{
		Message:   "budget deduction failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApproved, StatusExecuting, StatusExecuted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态转换是否合法。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusFailed
	case StatusApproved:
		return to == StatusExecuting || to == StatusFailed
	case StatusExecuting:
		return to == StatusExecuted || to == StatusFailed
	case StatusFailed:
		// 人工重试允许回到 pending。
		return to == StatusPending
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。failed 不算真正终态，
// 人工重试可以把它拉回 pending。
func IsTerminal(status Status) bool {
	return status == StatusExecuted
}

// IsPaymentError 判断错误是否为统一支付错误。
func IsPaymentError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrPaymentNotFound) {
		return target == CodePaymentNotFound
	}
	if stdErrors.Is(err, ErrPaymentConflict) {
		return target == CodePaymentConflict
	}
	if stdErrors.Is(err, ErrPaymentCompleted) {
		return target == CodePaymentCompleted
	}
	return false
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.BudgetRefs = append([]string(nil), task.BudgetRefs...)
	return &clone
}
