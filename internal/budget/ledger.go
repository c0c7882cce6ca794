package budget

import (
	"context"
	"fmt"
	"log/slog"

	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/pkg/logger"
)

// Ledger 在 Store 之上实现授权决策所需的额度语义：一个智能体可以同时
// 持有多个周期的预算（例如日限额加月限额），支付必须全部通过。
type Ledger struct {
	store Store
}

// NewLedger 构造 Ledger。
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// CheckAvailability 检查智能体针对 token/chain 的所有预算是否都能容纳
// amount。没有任何匹配预算时拒绝：未经授权的组合不允许隐式放行。
func (l *Ledger) CheckAvailability(ctx context.Context, agentID, token, chainName string, amount money.Amount) (Availability, error) {
	budgets, err := l.matching(ctx, agentID, token, chainName)
	if err != nil {
		return Availability{}, err
	}
	if len(budgets) == 0 {
		return Availability{
			Available: false,
			Remaining: money.Zero(),
			Reason:    fmt.Sprintf("no budget configured for token %s", token),
		}, nil
	}

	lowest := budgets[0]
	for _, b := range budgets[1:] {
		if b.Remaining().Cmp(lowest.Remaining()) < 0 {
			lowest = b
		}
	}
	if lowest.Remaining().Cmp(amount) < 0 {
		return Availability{
			Available: false,
			Remaining: lowest.Remaining(),
			BudgetID:  lowest.ID,
			Reason: fmt.Sprintf("amount %s exceeds remaining %s budget %s",
				amount.String(), lowest.Period, lowest.Remaining().String()),
		}, nil
	}
	return Availability{Available: true, Remaining: lowest.Remaining(), BudgetID: lowest.ID}, nil
}

// Deduct 对所有匹配预算依次扣减。任何一笔不足都会回滚此前已扣减的
// 部分，保证"全有或全无"。返回被扣减的预算 ID 列表，供执行失败时回补。
func (l *Ledger) Deduct(ctx context.Context, agentID, token, chainName string, amount money.Amount) ([]string, error) {
	budgets, err := l.matching(ctx, agentID, token, chainName)
	if err != nil {
		return nil, err
	}
	if len(budgets) == 0 {
		return nil, ErrInsufficient
	}

	deducted := make([]string, 0, len(budgets))
	for _, b := range budgets {
		if err := l.store.Deduct(ctx, b.ID, amount); err != nil {
			l.Refund(ctx, deducted, amount)
			return nil, err
		}
		deducted = append(deducted, b.ID)
	}
	return deducted, nil
}

// Refund 回补此前扣减的预算。回补失败只记录日志：额度偏紧比状态
// 不一致安全。
func (l *Ledger) Refund(ctx context.Context, budgetIDs []string, amount money.Amount) {
	for _, id := range budgetIDs {
		if err := l.store.Refund(ctx, id, amount); err != nil {
			logger.L().Error("回补预算失败",
				slog.String("budget_id", id),
				slog.String("amount", amount.String()),
				slog.Any("error", err),
			)
		}
	}
}

func (l *Ledger) matching(ctx context.Context, agentID, token, chainName string) ([]*Budget, error) {
	all, err := l.store.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var results []*Budget
	for _, b := range all {
		if b.Matches(token, chainName) {
			results = append(results, b)
		}
	}
	return results, nil
}
