package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/pkg/logger"
)

// 授权层名称。拒绝决策携带具体层，调用方据此区分"硬顶"、
// "限频"、"额度不足"、"熔断"等原因。
const (
	LayerHardLimit = "hard_limit"
	LayerTxLimit   = "transaction_limit"
	LayerRateLimit = "rate_limit"
	LayerBudget    = "daily_budget"
	LayerBreaker   = "circuit_breaker"
	LayerBalance   = "balance_check"
)

// HardLimit 是全局硬顶：任何调用方都无法配置绕过。
var HardLimit = money.NewFromInt(10_000)

// CodeAuthorizationDenied 表示授权被策略层拒绝。
const CodeAuthorizationDenied xerrors.Code = "AUTHORIZATION_DENIED"

func init() {
	xerrors.Register(CodeAuthorizationDenied, xerrors.Attributes{
		Message:   "authorization denied",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Request 是一次支付授权请求。
type Request struct {
	AgentID string
	Token   string
	Chain   string
	Amount  money.Amount
	// MaxPerTx 是智能体策略配置的单笔上限，零值表示未配置。
	MaxPerTx money.Amount
	// Sender 与 TokenAddress 用于链上余额预检，缺省时跳过该层。
	Sender       string
	TokenAddress string
}

// Decision 是授权结果。拒绝永远以结构化结果返回，而不是错误。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Layer   string `json:"layer,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func deny(layer, reason string) Decision {
	return Decision{Allowed: false, Layer: layer, Reason: reason}
}

// BalanceSource 提供链上余额查询，由链后端注册表适配。
type BalanceSource interface {
	Balance(ctx context.Context, chainName, account, tokenAddress string) (money.Amount, error)
}

// Config 汇集授权层的阈值参数。
type Config struct {
	RateWindow       time.Duration
	RateLimit        int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c *Config) applyDefaults() {
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
}

// Guard 把硬顶、单笔上限、滑动限频、周期额度、熔断器和链上余额
// 预检组合成一个固定顺序的授权决策。顺序本身就是契约：
// 越便宜、越关键的检查越先执行，首个拒绝即短路。
type Guard struct {
	cfg      Config
	ledger   *budget.Ledger
	balances BalanceSource
	locks    *KeyedMutex
	breakers *BreakerSet
	rates    *RateWindowSet
	now      func() time.Time
}

// New 构造 Guard。balances 可以为 nil，此时跳过余额预检层。
func New(cfg Config, ledger *budget.Ledger, balances BalanceSource) *Guard {
	cfg.applyDefaults()
	return &Guard{
		cfg:      cfg,
		ledger:   ledger,
		balances: balances,
		locks:    NewKeyedMutex(),
		breakers: NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		rates:    NewRateWindowSet(cfg.RateWindow),
		now:      time.Now,
	}
}

// SetClock 注入时钟，仅供测试。
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Reset 清空限频与熔断状态，仅供测试生命周期使用。
func (g *Guard) Reset() {
	g.rates.Reset()
	g.breakers.Reset()
	g.locks.Reset()
}

// Authorize 按固定顺序执行各授权层。拒绝没有任何副作用。
func (g *Guard) Authorize(ctx context.Context, req Request) (Decision, error) {
	now := g.now()

	// 1. 全局硬顶，任何配置都不能覆盖。
	if req.Amount.Cmp(HardLimit) > 0 {
		return deny(LayerHardLimit, fmt.Sprintf(
			"amount %s exceeds hard limit %s", req.Amount.String(), HardLimit.String())), nil
	}

	// 2. 智能体策略配置的单笔上限。
	if !req.MaxPerTx.IsZero() && req.Amount.Cmp(req.MaxPerTx) > 0 {
		return deny(LayerTxLimit, fmt.Sprintf(
			"amount %s exceeds per-transaction limit %s", req.Amount.String(), req.MaxPerTx.String())), nil
	}

	// 3. 滑动窗口限频。
	if count := g.rates.Count(req.AgentID, now); count >= g.cfg.RateLimit {
		return deny(LayerRateLimit, fmt.Sprintf(
			"%d executions within %s, limit is %d", count, g.cfg.RateWindow, g.cfg.RateLimit)), nil
	}

	// 4. 周期额度，委托给预算台账。
	availability, err := g.ledger.CheckAvailability(ctx, req.AgentID, req.Token, req.Chain, req.Amount)
	if err != nil {
		return Decision{}, err
	}
	if !availability.Available {
		return deny(LayerBudget, availability.Reason), nil
	}

	// 5. 熔断器。
	if !g.breakers.Allow(req.AgentID, now) {
		return deny(LayerBreaker, fmt.Sprintf(
			"circuit open until %s after repeated failures",
			g.breakers.OpenedUntil(req.AgentID).UTC().Format(time.RFC3339))), nil
	}

	// 6. 链上余额预检。这一层只是提前预警而非信任根：
	// 查询失败记录日志后放行，绝不因此拒绝。
	if g.balances != nil && req.Sender != "" {
		balance, err := g.balances.Balance(ctx, req.Chain, req.Sender, req.TokenAddress)
		if err != nil {
			logger.L().Warn("余额预检查询失败，按通过处理",
				slog.String("agent_id", req.AgentID),
				slog.String("chain", req.Chain),
				slog.Any("error", err),
			)
		} else if balance.Cmp(req.Amount) < 0 {
			// 熔断层可能刚放行了一次试探，余额拒绝要把名额归还，
			// 否则这笔从未执行的请求会一直占着 half-open。
			g.breakers.ReleaseTrial(req.AgentID)
			return deny(LayerBalance, fmt.Sprintf(
				"sender balance %s below amount %s", balance.String(), req.Amount.String())), nil
		}
	}

	return Decision{Allowed: true}, nil
}

// GuardedCheck 在智能体级互斥锁内执行 Authorize，保证同一智能体
// 同一时刻只有一个授权决策在途，消除检查与使用之间的竞态。
func (g *Guard) GuardedCheck(ctx context.Context, req Request) (Decision, error) {
	unlock := g.locks.Lock(req.AgentID)
	defer unlock()
	decision, err := g.Authorize(ctx, req)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		logger.Audit().Warn("支付授权被拒绝",
			slog.String("agent_id", req.AgentID),
			slog.String("layer", decision.Layer),
			slog.String("reason", decision.Reason),
			slog.String("amount", req.Amount.String()),
			slog.String("token", req.Token),
		)
	}
	return decision, nil
}

// ReleaseTrial 归还熔断器的 half-open 试探名额。调用方在放行之后
// 没有走到真正执行（并发裁决出局、额度扣减失败等）时使用，避免
// 试探悬空挡住后续请求。
func (g *Guard) ReleaseTrial(agentID string) {
	g.breakers.ReleaseTrial(agentID)
}

// RecordSuccess 在执行成功后回报：推进限频窗口并关闭熔断器。
func (g *Guard) RecordSuccess(agentID string) {
	g.rates.Record(agentID, g.now())
	g.breakers.RecordSuccess(agentID)
}

// RecordFailure 在执行失败后回报：推进限频窗口并累加熔断计数。
// 超时同样按失败处理。
func (g *Guard) RecordFailure(agentID string) {
	now := g.now()
	g.rates.Record(agentID, now)
	g.breakers.RecordFailure(agentID, now)
}
