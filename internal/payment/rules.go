package payment

import (
	"fmt"
	"strings"

	"AgentPay-Chain/internal/money"
)

// Policy 是智能体的支付策略。白名单为空表示不限制对应维度。
type Policy struct {
	MaxPerTx           money.Amount `json:"max_per_tx"`
	TokenWhitelist     []string     `json:"token_whitelist,omitempty"`
	RecipientWhitelist []string     `json:"recipient_whitelist,omitempty"`
	ChainWhitelist     []string     `json:"chain_whitelist,omitempty"`
}

// Violation 是一条规则违例。
type Violation struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Evaluate 对提案执行全部规则并收集所有违例，不短路。
// 提案方一次就能看到全部问题，而不是改一条报一条。
func (p Policy) Evaluate(task *Task) []Violation {
	var violations []Violation

	if !p.MaxPerTx.IsZero() && task.Amount.Cmp(p.MaxPerTx) > 0 {
		violations = append(violations, Violation{
			Rule:   "amount_ceiling",
			Reason: fmt.Sprintf("amount %s exceeds policy ceiling %s", task.Amount.String(), p.MaxPerTx.String()),
		})
	}
	if len(p.TokenWhitelist) > 0 && !containsFold(p.TokenWhitelist, task.Token) {
		violations = append(violations, Violation{
			Rule:   "token_whitelist",
			Reason: fmt.Sprintf("token %s is not whitelisted", task.Token),
		})
	}
	if len(p.RecipientWhitelist) > 0 && !containsFold(p.RecipientWhitelist, task.Recipient) {
		violations = append(violations, Violation{
			Rule:   "recipient_whitelist",
			Reason: fmt.Sprintf("recipient %s is not whitelisted", task.Recipient),
		})
	}
	if len(p.ChainWhitelist) > 0 && !containsFold(p.ChainWhitelist, task.Chain) {
		violations = append(violations, Violation{
			Rule:   "chain_whitelist",
			Reason: fmt.Sprintf("chain %s is not whitelisted", task.Chain),
		})
	}
	return violations
}

// JoinViolations 把违例列表拼成单条可读的拒绝原因。
func JoinViolations(violations []Violation) string {
	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, v.Reason)
	}
	return strings.Join(reasons, "; ")
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
