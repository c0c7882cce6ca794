package payment

import (
	"context"
	"fmt"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
)

// DirectStrategy 通过链后端直接广播转账，是兜底执行路径。
type DirectStrategy struct {
	backends BackendSource
}

var _ Strategy = (*DirectStrategy)(nil)

// NewDirectStrategy 构造直接转账策略。
func NewDirectStrategy(backends BackendSource) *DirectStrategy {
	return &DirectStrategy{backends: backends}
}

// Name 实现 Strategy 接口。
func (s *DirectStrategy) Name() string {
	return StrategyDirectTransfer
}

// Execute 组装转账请求并提交到链后端。
func (s *DirectStrategy) Execute(ctx context.Context, task *Task) (string, error) {
	backend, ok := s.backends.Backend(task.Chain)
	if !ok {
		return "", xerrors.New(chain.CodeChainFailure, fmt.Sprintf("链 %s 未在注册表中", task.Chain))
	}
	token, found := s.backends.Definitions().Token(task.Chain, task.Token)
	if !found {
		return "", xerrors.New(CodePaymentValidation,
			fmt.Sprintf("代币 %s 未在链 %s 上配置", task.Token, task.Chain))
	}
	return backend.Submit(ctx, chain.TransferRequest{
		Chain:        task.Chain,
		Token:        task.Token,
		TokenAddress: token.Address,
		Decimals:     token.Decimals,
		To:           task.Recipient,
		Amount:       task.Amount,
	})
}
