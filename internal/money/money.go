package money

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// 金额在系统边界上始终以十进制字符串传递，内部使用 big.Rat 做精确运算，
// 避免浮点误差影响预算扣减与校验比对。

var amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// MaxAmount 是单笔金额的格式上限（十亿），超出视为非法输入。
var MaxAmount = NewFromInt(1_000_000_000)

// CodeInvalidAmount 表示金额字符串无法解析或超出允许范围。
const CodeInvalidAmount xerrors.Code = "INVALID_AMOUNT"

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "invalid amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Amount 表示一个非负的代币金额。零值等价于 0。
type Amount struct {
	rat *big.Rat
}

// Zero 返回金额 0。
func Zero() Amount {
	return Amount{rat: new(big.Rat)}
}

// NewFromInt 以整数构造金额。
func NewFromInt(v int64) Amount {
	return Amount{rat: new(big.Rat).SetInt64(v)}
}

// Parse 解析十进制金额字符串。只接受非负的纯数字格式，
// 科学计数法、前导符号等一律拒绝。
func Parse(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, xerrors.New(CodeInvalidAmount, "金额不能为空")
	}
	if !amountPattern.MatchString(trimmed) {
		return Amount{}, xerrors.New(CodeInvalidAmount, fmt.Sprintf("金额格式非法: %q", s))
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Amount{}, xerrors.New(CodeInvalidAmount, fmt.Sprintf("金额解析失败: %q", s))
	}
	return Amount{rat: rat}, nil
}

// ParsePositive 在 Parse 的基础上要求金额大于零且不超过 MaxAmount。
// 用于入队前的 wire 层校验。
func ParsePositive(s string) (Amount, error) {
	amount, err := Parse(s)
	if err != nil {
		return Amount{}, err
	}
	if !amount.IsPositive() {
		return Amount{}, xerrors.New(CodeInvalidAmount, "金额必须大于零")
	}
	if amount.Cmp(MaxAmount) > 0 {
		return Amount{}, xerrors.New(CodeInvalidAmount, "金额超出允许上限")
	}
	return amount, nil
}

// MustParse 仅供测试与常量初始化使用。
func MustParse(s string) Amount {
	amount, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return amount
}

func (a Amount) value() *big.Rat {
	if a.rat == nil {
		return new(big.Rat)
	}
	return a.rat
}

// Cmp 比较两个金额，返回 -1/0/1。
func (a Amount) Cmp(b Amount) int {
	return a.value().Cmp(b.value())
}

// IsPositive 判断金额是否大于零。
func (a Amount) IsPositive() bool {
	return a.value().Sign() > 0
}

// IsZero 判断金额是否为零。
func (a Amount) IsZero() bool {
	return a.value().Sign() == 0
}

// Add 返回 a+b。
func (a Amount) Add(b Amount) Amount {
	return Amount{rat: new(big.Rat).Add(a.value(), b.value())}
}

// Sub 返回 a-b。调用方需要自行保证结果非负。
func (a Amount) Sub(b Amount) Amount {
	return Amount{rat: new(big.Rat).Sub(a.value(), b.value())}
}

// WithinTolerance 判断 |a-b| 是否不超过 tol。
// 校验层用绝对容差吸收汇总过程中的舍入噪声。
func (a Amount) WithinTolerance(b, tol Amount) bool {
	diff := new(big.Rat).Sub(a.value(), b.value())
	diff.Abs(diff)
	return diff.Cmp(tol.value()) <= 0
}

// String 输出规范化的十进制表示，最多保留 18 位小数并去掉尾随零。
func (a Amount) String() string {
	rat := a.value()
	if rat.IsInt() {
		return rat.Num().String()
	}
	s := rat.FloatString(18)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}

// MarshalText 实现 encoding.TextMarshaler，序列化为十进制字符串。
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	a.rat = parsed.rat
	return nil
}

// BaseUnits 将金额转换为代币最小单位（例如 USDC 的 6 位小数）。
// 无法整除时说明金额精度超过代币精度，直接报错而不是静默截断。
func (a Amount) BaseUnits(decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 36 {
		return nil, xerrors.New(CodeInvalidAmount, fmt.Sprintf("代币精度非法: %d", decimals))
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(a.value(), new(big.Rat).SetInt(scale))
	if !scaled.IsInt() {
		return nil, xerrors.New(CodeInvalidAmount, "金额精度超出代币最小单位")
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// FromBaseUnits 由最小单位换算回十进制金额。
func FromBaseUnits(v *big.Int, decimals int) Amount {
	if v == nil {
		return Zero()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return Amount{rat: new(big.Rat).SetFrac(new(big.Int).Set(v), scale)}
}
