package payment

import (
	"strings"
	"testing"

	"AgentPay-Chain/internal/money"
)

func TestPolicyCollectsAllViolations(t *testing.T) {
	policy := Policy{
		MaxPerTx:           money.MustParse("20"),
		TokenWhitelist:     []string{"USDC"},
		RecipientWhitelist: []string{"0xTrusted"},
		ChainWhitelist:     []string{"base"},
	}
	task := &Task{
		Amount:    money.MustParse("50"),
		Token:     "DAI",
		Recipient: "0xStranger",
		Chain:     "polygon",
	}

	violations := policy.Evaluate(task)
	if len(violations) != 4 {
		t.Fatalf("应收集全部 4 条违例, got %d: %+v", len(violations), violations)
	}
	rules := make(map[string]bool, len(violations))
	for _, v := range violations {
		rules[v.Rule] = true
	}
	for _, want := range []string{"amount_ceiling", "token_whitelist", "recipient_whitelist", "chain_whitelist"} {
		if !rules[want] {
			t.Fatalf("缺少违例 %s: %+v", want, violations)
		}
	}

	joined := JoinViolations(violations)
	if strings.Count(joined, ";") != 3 {
		t.Fatalf("拼接结果应包含全部违例: %s", joined)
	}
}

func TestPolicyWhitelistIsCaseInsensitive(t *testing.T) {
	policy := Policy{
		TokenWhitelist:     []string{"usdc"},
		RecipientWhitelist: []string{"0xTRUSTED"},
	}
	task := &Task{
		Amount:    money.MustParse("1"),
		Token:     "USDC",
		Recipient: "0xtrusted",
		Chain:     "base",
	}
	if violations := policy.Evaluate(task); len(violations) != 0 {
		t.Fatalf("白名单匹配应忽略大小写: %+v", violations)
	}
}

func TestEmptyPolicyAllowsEverything(t *testing.T) {
	task := &Task{
		Amount:    money.MustParse("9999"),
		Token:     "DAI",
		Recipient: "0xAnyone",
		Chain:     "polygon",
	}
	if violations := (Policy{}).Evaluate(task); len(violations) != 0 {
		t.Fatalf("空策略不应产生违例: %+v", violations)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusApproved, StatusExecuting, true},
		{StatusExecuting, StatusExecuted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusExecuted, StatusPending, false},
		{StatusExecuted, StatusFailed, false},
		{StatusPending, StatusExecuting, false},
		{StatusApproved, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("转换 %s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
