// Package verify 实现入账前的双花校验：交易引用唯一性、链上存在性、
// 金额与收款地址比对、随金额升级的确认深度要求，以及针对新近区块的
// 保守重组窗口。所有否定结论都是结构化结果而不是错误。
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/pkg/logger"
)

// 校验层名称。否定结果携带具体层，审计方据此归类。
const (
	LayerUniqueness   = "uniqueness"
	LayerExistence    = "existence"
	LayerAmount       = "amount_match"
	LayerRecipient    = "recipient_match"
	LayerConfirmation = "confirmation_depth"
	LayerReorg        = "reorg_window"
)

// ReasonReused 是引用被其他订单占用时的固定原因串。
const ReasonReused = "already used for another order"

// DefaultTolerance 是金额比对的绝对容差，吸收浮点与精度噪声。
var DefaultTolerance = money.MustParse("0.01")

// DefaultReorgWindow 是重组启发式的时间窗口：出块时间晚于
// now-window 的区块被视为可能被重组。
const DefaultReorgWindow = 2 * time.Minute

// CodeVerification 表示校验流程自身的基础设施故障。
const CodeVerification xerrors.Code = "VERIFICATION_FAILURE"

func init() {
	xerrors.Register(CodeVerification, xerrors.Attributes{
		Message:   "verification infrastructure failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Request 是一次双花校验请求。
type Request struct {
	TxRef             string
	OrderID           string
	ExpectedAmount    money.Amount
	ExpectedRecipient string
	Chain             string
}

// Result 是结构化的校验结论。校验不通过时 Layer/Reason 指明原因。
type Result struct {
	TxRef         string `json:"tx_ref"`
	OrderID       string `json:"order_id"`
	Valid         bool   `json:"valid"`
	Layer         string `json:"layer,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	Required      uint64 `json:"required_confirmations,omitempty"`
}

// RequiredConfirmations 返回随金额升级的确认深度要求。
// 金额越大，要求的确认数越多。
func RequiredConfirmations(amount money.Amount) uint64 {
	switch {
	case amount.Cmp(money.NewFromInt(100)) < 0:
		return 1
	case amount.Cmp(money.NewFromInt(1000)) < 0:
		return 3
	case amount.Cmp(money.NewFromInt(10000)) < 0:
		return 6
	default:
		return 12
	}
}

// Flag 是落入审计轨迹的可疑引用记录，独立于主台账。
type Flag struct {
	ID        string    `json:"id"`
	TxRef     string    `json:"tx_ref"`
	OrderID   string    `json:"order_id"`
	Layer     string    `json:"layer"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// RefStore 持久化"交易引用 → 订单"的绑定关系，是唯一性判定的
// 正确性兜底。Bind 必须原子地"不存在则绑定"，冲突时返回已有归属。
type RefStore interface {
	Owner(ctx context.Context, txRef string) (orderID string, found bool, err error)
	Bind(ctx context.Context, txRef, orderID string) (owner string, bound bool, err error)
	Close() error
}

// FlagStore 持久化可疑引用的审计记录。
type FlagStore interface {
	Save(ctx context.Context, flag *Flag) error
	ListByOrder(ctx context.Context, orderID string) ([]*Flag, error)
	Close() error
}

// Deduper 是跨进程的快路径去重原语（set-if-not-exists + 短 TTL）。
// 不可用时校验退回 RefStore 的持久化唯一性检查，正确性不受影响。
type Deduper interface {
	TryClaim(ctx context.Context, txRef, orderID string, ttl time.Duration) (owner string, claimed bool, err error)
}

// Source 是链上事实来源，由链后端注册表适配。
type Source interface {
	GetTransaction(ctx context.Context, chainName, txRef string) (*chain.Transaction, error)
	ConfirmationInfo(ctx context.Context, chainName, txRef string) (chain.ConfirmationInfo, error)
}

// Config 汇集校验参数，零值使用默认。
type Config struct {
	Tolerance   money.Amount
	ReorgWindow time.Duration
	DedupTTL    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Tolerance.IsZero() {
		c.Tolerance = DefaultTolerance
	}
	if c.ReorgWindow <= 0 {
		c.ReorgWindow = DefaultReorgWindow
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 5 * time.Minute
	}
}

// Verifier 按固定顺序执行校验层，首个否定即短路。
type Verifier struct {
	cfg    Config
	source Source
	refs   RefStore
	flags  FlagStore
	dedup  Deduper
	now    func() time.Time
}

// NewVerifier 构造校验器。dedup 与 flags 均可为 nil，分别表示
// 跳过快路径去重和关闭审计落盘。
func NewVerifier(cfg Config, source Source, refs RefStore, flags FlagStore, dedup Deduper) *Verifier {
	cfg.applyDefaults()
	return &Verifier{
		cfg:    cfg,
		source: source,
		refs:   refs,
		flags:  flags,
		dedup:  dedup,
		now:    time.Now,
	}
}

// SetClock 注入时钟，仅供测试。
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify 对单个交易引用执行全部校验层。返回错误仅代表基础设施
// 故障；业务上的不通过通过 Result 表达。
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	result, err := v.verify(ctx, req)
	if err != nil {
		return result, err
	}
	if !result.Valid {
		v.flag(ctx, req, result)
	}
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, req Request) (Result, error) {
	res := Result{TxRef: req.TxRef, OrderID: req.OrderID}

	// 1. 唯一性。先走分布式快路径，失败不影响正确性；
	// 持久化存储是兜底判据。
	if v.dedup != nil {
		owner, claimed, err := v.dedup.TryClaim(ctx, req.TxRef, req.OrderID, v.cfg.DedupTTL)
		if err != nil {
			logger.L().Warn("去重快路径不可用，退回持久化检查",
				slog.String("tx_ref", req.TxRef),
				slog.Any("error", err),
			)
		} else if !claimed && owner != req.OrderID {
			res.Layer, res.Reason = LayerUniqueness, ReasonReused
			return res, nil
		}
	}
	owner, found, err := v.refs.Owner(ctx, req.TxRef)
	if err != nil {
		return res, xerrors.Wrap(CodeVerification, err, "查询交易引用归属失败")
	}
	if found && owner != req.OrderID {
		res.Layer, res.Reason = LayerUniqueness, ReasonReused
		return res, nil
	}

	// 2. 链上存在性。解析不到的引用按伪造处理。
	tx, err := v.source.GetTransaction(ctx, req.Chain, req.TxRef)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			res.Layer = LayerExistence
			res.Reason = "transaction not found, possible forged reference"
			return res, nil
		}
		return res, xerrors.Wrap(CodeVerification, err, "查询链上交易失败")
	}

	// 3. 金额绝对容差比对。
	if !tx.Amount.WithinTolerance(req.ExpectedAmount, v.cfg.Tolerance) {
		res.Layer = LayerAmount
		res.Reason = fmt.Sprintf("amount mismatch: on-chain %s, expected %s",
			tx.Amount.String(), req.ExpectedAmount.String())
		return res, nil
	}

	// 4. 收款地址比对，大小写不敏感。
	if !strings.EqualFold(tx.To, req.ExpectedRecipient) {
		res.Layer = LayerRecipient
		res.Reason = fmt.Sprintf("recipient mismatch: on-chain %s, expected %s",
			tx.To, req.ExpectedRecipient)
		return res, nil
	}

	// 5. 确认深度随金额升级。
	info, err := v.source.ConfirmationInfo(ctx, req.Chain, req.TxRef)
	if err != nil {
		return res, xerrors.Wrap(CodeVerification, err, "查询确认信息失败")
	}
	res.Confirmations = info.Confirmations
	res.Required = RequiredConfirmations(req.ExpectedAmount)
	if info.Confirmations < res.Required {
		res.Layer = LayerConfirmation
		res.Reason = fmt.Sprintf("insufficient confirmations: %d of %d required",
			info.Confirmations, res.Required)
		return res, nil
	}

	// 6. 重组窗口。出块时间是时间启发式的代理判据，
	// 隔离在独立方法里，便于将来换成区块哈希比对。
	if v.inReorgWindow(tx.BlockTime) {
		res.Layer = LayerReorg
		res.Reason = fmt.Sprintf("block younger than %s, possible reorganization", v.cfg.ReorgWindow)
		return res, nil
	}

	// 全部通过后才落下持久化绑定。并发竞争中输掉绑定的一方
	// 同样按引用被占用处理。
	bindOwner, bound, err := v.refs.Bind(ctx, req.TxRef, req.OrderID)
	if err != nil {
		return res, xerrors.Wrap(CodeVerification, err, "绑定交易引用失败")
	}
	if !bound && bindOwner != req.OrderID {
		res.Layer, res.Reason = LayerUniqueness, ReasonReused
		return res, nil
	}

	res.Valid = true
	return res, nil
}

// inReorgWindow 判断出块时间是否仍处在保守重组窗口内。
func (v *Verifier) inReorgWindow(blockTime time.Time) bool {
	if blockTime.IsZero() {
		return false
	}
	return v.now().Sub(blockTime) < v.cfg.ReorgWindow
}

// VerifyBatch 逐条执行校验并聚合结果。单条的基础设施故障转换为
// 该条的否定结论，不中断整批。
func (v *Verifier) VerifyBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		result, err := v.Verify(ctx, req)
		if err != nil {
			result.Valid = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("verification error: %v", err)
			}
		}
		results = append(results, result)
	}
	return results
}

// flag 把可疑引用写入审计轨迹。落盘失败只记日志，绝不影响主流程。
func (v *Verifier) flag(ctx context.Context, req Request, res Result) {
	if v.flags == nil {
		return
	}
	f := &Flag{
		ID:        newFlagID(),
		TxRef:     req.TxRef,
		OrderID:   req.OrderID,
		Layer:     res.Layer,
		Reason:    res.Reason,
		CreatedAt: v.now(),
	}
	if err := v.flags.Save(ctx, f); err != nil {
		logger.L().Error("可疑引用审计落盘失败",
			slog.String("tx_ref", req.TxRef),
			slog.String("order_id", req.OrderID),
			slog.Any("error", err),
		)
	}
}
