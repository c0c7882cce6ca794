package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc20ABI carries the two fragments the backend needs: transfer for
// submission and balanceOf for the pre-flight balance check.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const nativeDecimals = 18

// Config describes how to construct an EVM compatible backend.
type Config struct {
	Name    string
	RPCURL  string
	ChainID uint64
	Notes   string
	Tokens  map[string]chain.TokenDefinition
}

// Signer signs transactions on behalf of the treasury account. Key custody
// (KMS, HSM, local keystore) lives behind this interface.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, chainID *big.Int, tx *coretypes.Transaction) (*coretypes.Transaction, error)
}

// nodeBackend mirrors the subset of ethclient.Client methods the backend
// relies on, so tests can substitute a fake node.
type nodeBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements the chain.Backend interface for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	node           nodeBackend
	signer         Signer
	erc20          abi.ABI
	chainID        *big.Int
	decimalsByAddr map[common.Address]int
	mu             sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// backend.
func NewClient(ctx context.Context, cfg Config, signer Signer) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	client := newClient(cfg, eth, signer, chainID)
	client.rpcClient = rpcClient
	return client, nil
}

// NewClientWithBackend wires an externally provided node backend, used by
// tests and simulated environments.
func NewClientWithBackend(cfg Config, node nodeBackend, signer Signer, chainID *big.Int) *Client {
	return newClient(cfg, node, signer, new(big.Int).Set(chainID))
}

func newClient(cfg Config, node nodeBackend, signer Signer, chainID *big.Int) *Client {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		// 常量 ABI 解析失败只能是编码错误。
		panic(fmt.Sprintf("解析 ERC20 ABI 失败: %v", err))
	}

	decimals := make(map[common.Address]int, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		addr := strings.TrimSpace(token.Address)
		if addr == "" {
			continue
		}
		decimals[common.HexToAddress(addr)] = token.Decimals
	}

	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		node:           node,
		signer:         signer,
		erc20:          parsed,
		chainID:        chainID,
		decimalsByAddr: decimals,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.node = nil
}

// Submit builds, signs, and broadcasts a stablecoin transfer.
func (c *Client) Submit(ctx context.Context, req chain.TransferRequest) (string, error) {
	if c == nil || c.node == nil {
		return "", xerrors.New(chain.CodeChainFailure, "以太坊客户端未初始化")
	}
	if c.signer == nil {
		return "", xerrors.New(chain.CodeChainFailure, "当前客户端未配置签名器，无法提交交易")
	}

	from := c.signer.Address()
	nonce, err := c.node.PendingNonceAt(ctx, from)
	if err != nil {
		return "", xerrors.Wrap(chain.CodeChainFailure, err, "获取 nonce 失败")
	}
	gasPrice, err := c.node.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(chain.CodeChainFailure, err, "获取 gas 价格失败")
	}

	var (
		to    common.Address
		value = new(big.Int)
		data  []byte
	)
	if isNativeToken(req.TokenAddress) {
		to = common.HexToAddress(req.To)
		value, err = req.Amount.BaseUnits(nativeDecimals)
		if err != nil {
			return "", err
		}
	} else {
		to = common.HexToAddress(req.TokenAddress)
		units, unitErr := req.Amount.BaseUnits(req.Decimals)
		if unitErr != nil {
			return "", unitErr
		}
		data, err = c.erc20.Pack("transfer", common.HexToAddress(req.To), units)
		if err != nil {
			return "", xerrors.Wrap(chain.CodeChainFailure, err, "编码 transfer 调用失败")
		}
	}

	gasLimit, err := c.node.EstimateGas(ctx, gethcore.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", xerrors.Wrap(chain.CodeChainFailure, err, "估算 gas 失败")
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(ctx, c.chainID, tx)
	if err != nil {
		return "", xerrors.Wrap(chain.CodeChainFailure, err, "签名交易失败")
	}
	if err := c.node.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(chain.CodeChainFailure, err, "广播交易失败")
	}
	return signed.Hash().Hex(), nil
}

// GetTransaction resolves a transaction reference into the transfer view
// needed by the verifier. Pending transactions resolve with block number 0.
func (c *Client) GetTransaction(ctx context.Context, txRef string) (*chain.Transaction, error) {
	if c == nil || c.node == nil {
		return nil, xerrors.New(chain.CodeChainFailure, "以太坊客户端未初始化")
	}
	hash := common.HexToHash(txRef)
	tx, pending, err := c.node.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, chain.ErrTxNotFound
		}
		return nil, xerrors.Wrap(chain.CodeChainFailure, err, "查询交易失败")
	}

	resolved := &chain.Transaction{TxRef: hash.Hex()}
	if sender, senderErr := coretypes.Sender(coretypes.LatestSignerForChainID(c.chainID), tx); senderErr == nil {
		resolved.From = sender.Hex()
	}

	if data := tx.Data(); len(data) >= 4 && tx.To() != nil {
		// ERC20 transfer：目标地址是代币合约，真实收款人在 calldata 里。
		if method, methodErr := c.erc20.MethodById(data[:4]); methodErr == nil && method.Name == "transfer" {
			args, unpackErr := method.Inputs.Unpack(data[4:])
			if unpackErr != nil {
				return nil, xerrors.Wrap(chain.CodeChainFailure, unpackErr, "解析 transfer 参数失败")
			}
			recipient := args[0].(common.Address)
			units := args[1].(*big.Int)
			contract := *tx.To()
			resolved.To = recipient.Hex()
			resolved.TokenAddress = contract.Hex()
			resolved.Amount = money.FromBaseUnits(units, c.tokenDecimals(contract))
		}
	}
	if resolved.To == "" && tx.To() != nil {
		resolved.To = tx.To().Hex()
		resolved.Amount = money.FromBaseUnits(tx.Value(), nativeDecimals)
	}

	if !pending {
		receipt, rcptErr := c.node.TransactionReceipt(ctx, hash)
		if rcptErr == nil && receipt != nil && receipt.BlockNumber != nil {
			resolved.BlockNumber = receipt.BlockNumber.Uint64()
			if header, headerErr := c.node.HeaderByNumber(ctx, receipt.BlockNumber); headerErr == nil && header != nil {
				resolved.BlockTime = headerTime(header)
			}
		}
	}
	return resolved, nil
}

// ConfirmationInfo reports the confirmation depth of a mined transaction.
func (c *Client) ConfirmationInfo(ctx context.Context, txRef string) (chain.ConfirmationInfo, error) {
	if c == nil || c.node == nil {
		return chain.ConfirmationInfo{}, xerrors.New(chain.CodeChainFailure, "以太坊客户端未初始化")
	}
	receipt, err := c.node.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return chain.ConfirmationInfo{}, chain.ErrTxNotFound
		}
		return chain.ConfirmationInfo{}, xerrors.Wrap(chain.CodeChainFailure, err, "查询交易回执失败")
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return chain.ConfirmationInfo{Confirmations: 0}, nil
	}

	head, err := c.node.BlockNumber(ctx)
	if err != nil {
		return chain.ConfirmationInfo{}, xerrors.Wrap(chain.CodeChainFailure, err, "获取最新区块高度失败")
	}
	mined := receipt.BlockNumber.Uint64()
	info := chain.ConfirmationInfo{BlockNumber: mined}
	if head >= mined {
		info.Confirmations = head - mined + 1
	}
	if header, headerErr := c.node.HeaderByNumber(ctx, receipt.BlockNumber); headerErr == nil && header != nil {
		info.BlockTime = headerTime(header)
	}
	return info, nil
}

// Balance reads the live balance of the account for the given token.
func (c *Client) Balance(ctx context.Context, account, tokenAddress string) (money.Amount, error) {
	if c == nil || c.node == nil {
		return money.Zero(), xerrors.New(chain.CodeChainFailure, "以太坊客户端未初始化")
	}
	owner := common.HexToAddress(account)
	if isNativeToken(tokenAddress) {
		balance, err := c.node.BalanceAt(ctx, owner, nil)
		if err != nil {
			return money.Zero(), xerrors.Wrap(chain.CodeChainFailure, err, "查询余额失败")
		}
		return money.FromBaseUnits(balance, nativeDecimals), nil
	}

	contract := common.HexToAddress(tokenAddress)
	data, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return money.Zero(), xerrors.Wrap(chain.CodeChainFailure, err, "编码 balanceOf 调用失败")
	}
	raw, err := c.node.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return money.Zero(), xerrors.Wrap(chain.CodeChainFailure, err, "查询代币余额失败")
	}
	outputs, err := c.erc20.Unpack("balanceOf", raw)
	if err != nil {
		return money.Zero(), xerrors.Wrap(chain.CodeChainFailure, err, "解析 balanceOf 返回值失败")
	}
	units, ok := outputs[0].(*big.Int)
	if !ok {
		return money.Zero(), xerrors.New(chain.CodeChainFailure, "balanceOf 返回值类型异常")
	}
	return money.FromBaseUnits(units, c.tokenDecimals(contract)), nil
}

func (c *Client) tokenDecimals(contract common.Address) int {
	if decimals, ok := c.decimalsByAddr[contract]; ok {
		return decimals
	}
	return nativeDecimals
}

func isNativeToken(tokenAddress string) bool {
	trimmed := strings.TrimSpace(tokenAddress)
	return trimmed == "" || trimmed == "0x0000000000000000000000000000000000000000"
}

func headerTime(header *coretypes.Header) time.Time {
	return time.Unix(int64(header.Time), 0).UTC()
}
