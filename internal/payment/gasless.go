package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/google/uuid"
)

// TransferAuthorization 是免 gas 转账的链下授权载荷。签名后由中继
// 服务代为上链，金主不消耗原生代币。
type TransferAuthorization struct {
	ChainID      uint64 `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	From         string `json:"from"`
	To           string `json:"to"`
	// Value 是代币最小单位下的整数金额。
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// AuthorizationSigner 对转账授权做链下签名，由托管层实现。
type AuthorizationSigner interface {
	Address() string
	SignAuthorization(ctx context.Context, auth TransferAuthorization) ([]byte, error)
}

// RelayConfig 描述中继服务的接入参数。
type RelayConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// AuthorizationWindow 是授权的有效时长。
	AuthorizationWindow time.Duration
}

// GaslessStrategy 实现"链下签名 + 中继提交"的执行路径。
type GaslessStrategy struct {
	cfg      RelayConfig
	backends BackendSource
	signer   AuthorizationSigner
	client   *http.Client
	now      func() time.Time
}

var _ Strategy = (*GaslessStrategy)(nil)

// NewGaslessStrategy 构造免 gas 中继策略。
func NewGaslessStrategy(cfg RelayConfig, backends BackendSource, signer AuthorizationSigner) (*GaslessStrategy, error) {
	if cfg.Endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "中继 endpoint 不能为空")
	}
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "中继策略需要授权签名器")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if cfg.AuthorizationWindow <= 0 {
		cfg.AuthorizationWindow = 10 * time.Minute
	}
	return &GaslessStrategy{
		cfg:      cfg,
		backends: backends,
		signer:   signer,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

// Name 实现 Strategy 接口。
func (s *GaslessStrategy) Name() string {
	return StrategyGaslessRelay
}

// Execute 签发转账授权并提交给中继服务。
func (s *GaslessStrategy) Execute(ctx context.Context, task *Task) (string, error) {
	defs := s.backends.Definitions()
	token, found := defs.Token(task.Chain, task.Token)
	if !found {
		return "", xerrors.New(CodePaymentValidation,
			fmt.Sprintf("代币 %s 未在链 %s 上配置", task.Token, task.Chain))
	}
	if !token.Gasless {
		return "", xerrors.New(CodePaymentValidation,
			fmt.Sprintf("代币 %s 在链 %s 上不支持授权转账", task.Token, task.Chain))
	}

	value, err := task.Amount.BaseUnits(token.Decimals)
	if err != nil {
		return "", err
	}
	now := s.now()
	auth := TransferAuthorization{
		ChainID:      defs.Chains[task.Chain].ChainID,
		TokenAddress: token.Address,
		From:         s.signer.Address(),
		To:           task.Recipient,
		Value:        value.String(),
		ValidAfter:   now.Unix() - 1,
		ValidBefore:  now.Add(s.cfg.AuthorizationWindow).Unix(),
		Nonce:        newAuthorizationNonce(),
	}
	signature, err := s.signer.SignAuthorization(ctx, auth)
	if err != nil {
		return "", xerrors.Wrap(CodePaymentExecution, err, "签名转账授权失败")
	}
	return s.submit(ctx, auth, signature)
}

type relayRequest struct {
	Authorization TransferAuthorization `json:"authorization"`
	Signature     string                `json:"signature"`
}

type relayResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

func (s *GaslessStrategy) submit(ctx context.Context, auth TransferAuthorization, signature []byte) (string, error) {
	payload, err := json.Marshal(relayRequest{
		Authorization: auth,
		Signature:     "0x" + hex.EncodeToString(signature),
	})
	if err != nil {
		return "", xerrors.Wrap(CodePaymentExecution, err, "编码中继请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(CodePaymentExecution, err, "构造中继请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodePaymentExecution, err, "提交中继请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", xerrors.Wrap(CodePaymentExecution, err, "读取中继响应失败")
	}
	var parsed relayResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", xerrors.Wrap(CodePaymentExecution, err,
			fmt.Sprintf("解析中继响应失败 (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK || parsed.TxHash == "" {
		reason := parsed.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", xerrors.New(CodePaymentExecution, fmt.Sprintf("中继拒绝转账授权: %s", reason))
	}
	return parsed.TxHash, nil
}

// newAuthorizationNonce 生成 32 字节随机 nonce 的十六进制表示。
func newAuthorizationNonce() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return "0x" + hex.EncodeToString(sum[:])
}
