package budget

import (
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// Period 表示预算额度的滚动周期。
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	// PeriodTotal 是不滚动的终身额度，没有窗口结束时间。
	PeriodTotal Period = "total"
)

// IsValidPeriod 检查给定的周期是否为支持的枚举值。
func IsValidPeriod(period Period) bool {
	switch period {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodTotal:
		return true
	default:
		return false
	}
}

// Budget 描述某个智能体在一个周期内可支配的额度。
// 不变式：Remaining = Amount - Used，扣减成功后永不为负。
type Budget struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agent_id"`
	Token       string       `json:"token"`
	Chain       string       `json:"chain,omitempty"`
	Period      Period       `json:"period"`
	Amount      money.Amount `json:"amount"`
	Used        money.Amount `json:"used_amount"`
	PeriodStart int64        `json:"period_start,omitempty"`
	PeriodEnd   int64        `json:"period_end,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// Remaining 返回剩余额度，向下钳制到零。
func (b *Budget) Remaining() money.Amount {
	remaining := b.Amount.Sub(b.Used)
	if !remaining.IsPositive() && !remaining.IsZero() {
		return money.Zero()
	}
	return remaining
}

// Matches 判断预算是否约束给定的 token/chain 组合。
// Chain 为空表示该预算对所有链生效。
func (b *Budget) Matches(token, chainName string) bool {
	if !strings.EqualFold(b.Token, token) {
		return false
	}
	if b.Chain == "" {
		return true
	}
	return strings.EqualFold(b.Chain, chainName)
}

// Expired 判断周期窗口是否已经结束。total 周期永不过期。
func (b *Budget) Expired(now time.Time) bool {
	if b.Period == PeriodTotal {
		return false
	}
	return b.PeriodEnd > 0 && now.Unix() >= b.PeriodEnd
}

// periodBounds 计算从 now 开始的新周期窗口。
func periodBounds(period Period, now time.Time) (start, end int64) {
	switch period {
	case PeriodDaily:
		return now.Unix(), now.Add(24 * time.Hour).Unix()
	case PeriodWeekly:
		return now.Unix(), now.Add(7 * 24 * time.Hour).Unix()
	case PeriodMonthly:
		return now.Unix(), now.AddDate(0, 1, 0).Unix()
	default:
		return 0, 0
	}
}

// rollover 将过期窗口原地重置：清零 Used 并开启新窗口。
func (b *Budget) rollover(now time.Time) {
	start, end := periodBounds(b.Period, now)
	b.Used = money.Zero()
	b.PeriodStart = start
	b.PeriodEnd = end
	b.UpdatedAt = now.Unix()
}

// Availability 是额度检查的结果。
type Availability struct {
	Available bool         `json:"available"`
	Remaining money.Amount `json:"remaining"`
	Reason    string       `json:"reason,omitempty"`
	BudgetID  string       `json:"budget_id,omitempty"`
}

var (
	// ErrBudgetNotFound 表示指定的预算不存在。
	ErrBudgetNotFound = xerrors.New(CodeBudgetNotFound, "budget not found")
	// ErrBudgetConflict 表示相同 ID 的预算已存在。
	ErrBudgetConflict = xerrors.New(CodeBudgetConflict, "budget conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInsufficient 表示扣减金额超过剩余额度。
	ErrInsufficient = xerrors.New(CodeBudgetExceeded, "insufficient budget", xerrors.WithSeverity(xerrors.SeverityWarning))
)

// 预算模块的统一错误码。
const (
	CodeBudgetNotFound   xerrors.Code = "BUDGET_NOT_FOUND"
	CodeBudgetConflict   xerrors.Code = "BUDGET_CONFLICT"
	CodeBudgetExceeded   xerrors.Code = "BUDGET_EXCEEDED"
	CodeBudgetValidation xerrors.Code = "BUDGET_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeBudgetNotFound, xerrors.Attributes{
		Message:   "budget not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBudgetConflict, xerrors.Attributes{
		Message:   "budget conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:   "insufficient budget",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBudgetValidation, xerrors.Attributes{
		Message:   "budget validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
