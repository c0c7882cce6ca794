package payment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/guard"
	"AgentPay-Chain/pkg/logger"
)

// PolicySource 提供智能体的支付策略。
type PolicySource interface {
	PolicyFor(ctx context.Context, agentID string) (Policy, error)
}

// StaticPolicySource 用固定映射实现 PolicySource，缺省返回空策略。
type StaticPolicySource map[string]Policy

// PolicyFor 实现 PolicySource 接口。
func (s StaticPolicySource) PolicyFor(_ context.Context, agentID string) (Policy, error) {
	if s == nil {
		return Policy{}, nil
	}
	return s[agentID], nil
}

// Notifier 是事后通知的发射口。发射失败绝不影响主流程。
type Notifier interface {
	PaymentExecuted(ctx context.Context, task *Task)
	PaymentFailed(ctx context.Context, task *Task, reason string)
}

// OrchestratorConfig 汇集编排器的可调参数。
type OrchestratorConfig struct {
	// ExecuteTimeout 约束单次策略调用。超时按失败计入熔断器。
	ExecuteTimeout time.Duration
	// SenderAddress 是各链的出账地址，供授权层做余额预检。
	SenderAddresses map[string]string
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 60 * time.Second
	}
}

// Orchestrator 驱动单笔提案的完整状态机：
// pending → (规则 + 授权) → approved → 扣减额度 → executing →
// 策略执行（免 gas 中继优先，失败回退直接转账）→ executed|failed。
type Orchestrator struct {
	cfg      OrchestratorConfig
	store    Store
	ledger   *budget.Ledger
	guard    *guard.Guard
	policies PolicySource
	backends BackendSource
	gasless  Strategy
	direct   Strategy
	notifier Notifier
}

// NewOrchestrator 构造编排器。gasless 可以为 nil，表示未配置中继，
// 所有支付都走直接转账。
func NewOrchestrator(cfg OrchestratorConfig, store Store, ledger *budget.Ledger, g *guard.Guard,
	policies PolicySource, backends BackendSource, gasless, direct Strategy, notifier Notifier) *Orchestrator {
	cfg.applyDefaults()
	if policies == nil {
		policies = StaticPolicySource(nil)
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		guard:    g,
		policies: policies,
		backends: backends,
		gasless:  gasless,
		direct:   direct,
		notifier: notifier,
	}
}

// Execute 执行一笔提案。拒绝与执行失败都落入提案状态，返回错误仅
// 代表基础设施故障（处理器据此决定是否重投队列）。
func (o *Orchestrator) Execute(ctx context.Context, paymentID string) error {
	task, err := o.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if task.Status != StatusPending {
		logger.L().Debug("跳过非 pending 状态的提案",
			slog.String("payment_id", paymentID),
			slog.String("status", string(task.Status)),
		)
		return nil
	}

	// 规则检查先于授权：把所有违例一次性报给提案方。
	policy, err := o.policies.PolicyFor(ctx, task.AgentID)
	if err != nil {
		return err
	}
	if violations := policy.Evaluate(task); len(violations) > 0 {
		return o.fail(ctx, task, CodePaymentValidation, JoinViolations(violations))
	}

	decision, err := o.guard.GuardedCheck(ctx, guard.Request{
		AgentID:      task.AgentID,
		Token:        task.Token,
		Chain:        task.Chain,
		Amount:       task.Amount,
		MaxPerTx:     policy.MaxPerTx,
		Sender:       o.cfg.SenderAddresses[task.Chain],
		TokenAddress: o.tokenAddress(task),
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return o.fail(ctx, task, CodePaymentDenied,
			fmt.Sprintf("denied at %s: %s", decision.Layer, decision.Reason))
	}

	agentID := task.AgentID

	// 原子批准是并发 worker 之间的唯一裁决点。
	task, err = o.store.Approve(ctx, task.ID)
	if err != nil {
		// 放行后没有走到执行，归还熔断器可能在途的试探名额。
		o.guard.ReleaseTrial(agentID)
		if stdErrors.Is(err, ErrPaymentConflict) || stdErrors.Is(err, ErrPaymentCompleted) {
			logger.L().Debug("提案已被其他 worker 处理", slog.String("payment_id", paymentID))
			return nil
		}
		return err
	}

	// 先扣减再执行。扣不动就回滚刚做出的批准，绝不带着超支状态付款。
	budgetRefs, err := o.ledger.Deduct(ctx, task.AgentID, task.Token, task.Chain, task.Amount)
	if err != nil {
		o.guard.ReleaseTrial(task.AgentID)
		if stdErrors.Is(err, budget.ErrInsufficient) {
			return o.fail(ctx, task, CodePaymentDeduction,
				fmt.Sprintf("budget deduction failed despite authorization pass: %v", err))
		}
		// 存储故障：提案留在 approved，等待重投后继续。
		return err
	}
	if err := o.store.MarkExecuting(ctx, task.ID, budgetRefs); err != nil {
		o.guard.ReleaseTrial(task.AgentID)
		o.ledger.Refund(ctx, budgetRefs, task.Amount)
		return err
	}

	txRef, strategyName, execErr := o.runStrategies(ctx, task)
	if execErr != nil {
		o.ledger.Refund(ctx, budgetRefs, task.Amount)
		o.guard.RecordFailure(task.AgentID)
		return o.fail(ctx, task, CodePaymentExecution, execErr.Error())
	}
	// 执行结果在这一刻已成事实，熔断器先于记账回报。
	o.guard.RecordSuccess(task.AgentID)

	if err := o.store.MarkExecuted(ctx, task.ID, txRef, strategyName); err != nil {
		logger.L().Error("记录执行结果失败",
			slog.String("payment_id", task.ID),
			slog.String("tx_ref", txRef),
			slog.Any("error", err),
		)
		return err
	}

	logger.Audit().Info("支付执行成功",
		slog.String("payment_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("amount", task.Amount.String()),
		slog.String("token", task.Token),
		slog.String("chain", task.Chain),
		slog.String("strategy", strategyName),
		slog.String("tx_ref", txRef),
	)
	if o.notifier != nil {
		executed, getErr := o.store.Get(ctx, task.ID)
		if getErr == nil {
			o.notifier.PaymentExecuted(ctx, executed)
		}
	}
	return nil
}

// runStrategies 按"中继优先、直接转账兜底"的次序执行。最终成功的
// 策略决定交易引用，最后失败的策略决定上报错误。
func (o *Orchestrator) runStrategies(ctx context.Context, task *Task) (string, string, error) {
	var lastErr error

	if o.gasless != nil && o.backends.Definitions().SupportsGasless(task.Chain, task.Token) {
		txRef, err := o.runOne(ctx, o.gasless, task)
		if err == nil {
			return txRef, o.gasless.Name(), nil
		}
		lastErr = err
		logger.L().Warn("中继执行失败，回退直接转账",
			slog.String("payment_id", task.ID),
			slog.String("chain", task.Chain),
			slog.Any("error", err),
		)
	}

	if o.direct == nil {
		if lastErr != nil {
			return "", "", lastErr
		}
		return "", "", xerrors.New(xerrors.CodeInitializationFailure, "未配置任何执行策略")
	}
	txRef, err := o.runOne(ctx, o.direct, task)
	if err != nil {
		return "", "", err
	}
	return txRef, o.direct.Name(), nil
}

func (o *Orchestrator) runOne(ctx context.Context, strategy Strategy, task *Task) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecuteTimeout)
	defer cancel()
	txRef, err := strategy.Execute(execCtx, task)
	if err != nil && execCtx.Err() != nil {
		// 超时按失败处理，依赖后续对链上状态的幂等查询恢复真相。
		return "", xerrors.Wrap(xerrors.CodeTimeout, err,
			fmt.Sprintf("策略 %s 执行超时", strategy.Name()))
	}
	return txRef, err
}

// fail 把提案落入 failed 并发出通知。拒绝属于业务结论而不是错误。
func (o *Orchestrator) fail(ctx context.Context, task *Task, code xerrors.Code, reason string) error {
	if err := o.store.MarkFailed(ctx, task.ID, code, reason); err != nil {
		return err
	}
	logger.Audit().Warn("支付未能执行",
		slog.String("payment_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("error_code", string(code)),
		slog.String("reason", reason),
	)
	if o.notifier != nil {
		failed, getErr := o.store.Get(ctx, task.ID)
		if getErr == nil {
			o.notifier.PaymentFailed(ctx, failed, reason)
		}
	}
	return nil
}

func (o *Orchestrator) tokenAddress(task *Task) string {
	token, ok := o.backends.Definitions().Token(task.Chain, task.Token)
	if !ok {
		return ""
	}
	return token.Address
}
