package payment

import (
	"context"

	"AgentPay-Chain/internal/chain"
)

// 执行策略名称，落入提案记录用于审计。
const (
	StrategyGaslessRelay   = "gasless_relay"
	StrategyDirectTransfer = "direct_transfer"
)

// Strategy 是一种支付执行路径。Execute 成功时返回最终交易引用。
type Strategy interface {
	Name() string
	Execute(ctx context.Context, task *Task) (txRef string, err error)
}

// BackendSource 提供链后端与链元数据，由链后端注册表适配。
type BackendSource interface {
	Backend(name string) (chain.Backend, bool)
	Definitions() chain.ChainDefinitions
}
