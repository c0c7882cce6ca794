package chain

import (
	"context"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// Family groups networks by settlement model. Account-based chains with a
// shared sender nonce tolerate far less parallelism than others, so batch
// execution limits are keyed by family rather than by individual chain.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilyTron   Family = "tron"
	FamilySolana Family = "solana"
)

// FamilyOf normalizes a chain type string into a known family.
// Unknown types fall back to the conservative EVM limits.
func FamilyOf(chainType string) Family {
	switch Family(chainType) {
	case FamilyTron:
		return FamilyTron
	case FamilySolana:
		return FamilySolana
	default:
		return FamilyEVM
	}
}

// TransferRequest describes an outbound stablecoin transfer.
type TransferRequest struct {
	Chain        string
	Token        string
	TokenAddress string
	Decimals     int
	From         string
	To           string
	Amount       money.Amount
}

// Transaction is the resolved view of an on-chain transfer, used by the
// double-spend verifier to cross-check claimed payments.
type Transaction struct {
	TxRef        string
	From         string
	To           string
	TokenAddress string
	Amount       money.Amount
	BlockNumber  uint64
	BlockTime    time.Time
}

// ConfirmationInfo reports how deeply a transaction is buried.
type ConfirmationInfo struct {
	Confirmations uint64
	BlockNumber   uint64
	BlockTime     time.Time
}

// Backend is the opaque chain execution contract. Settlement truth lives
// behind this interface; the core only defends against replay and budget
// overrun at the application layer.
type Backend interface {
	// Submit broadcasts the transfer and returns the transaction reference.
	Submit(ctx context.Context, req TransferRequest) (string, error)
	// GetTransaction resolves a reference; ErrTxNotFound when it does not
	// exist on the source of truth.
	GetTransaction(ctx context.Context, txRef string) (*Transaction, error)
	// ConfirmationInfo returns the confirmation depth for a mined
	// transaction reference.
	ConfirmationInfo(ctx context.Context, txRef string) (ConfirmationInfo, error)
	// Balance reads the live balance of account for the given token
	// contract. An empty tokenAddress means the native coin.
	Balance(ctx context.Context, account, tokenAddress string) (money.Amount, error)
	Close()
}

// 链访问相关错误码。
const (
	CodeChainFailure xerrors.Code = "CHAIN_FAILURE"
	CodeTxNotFound   xerrors.Code = "TX_NOT_FOUND"
)

var (
	// ErrTxNotFound 表示交易引用在链上无法解析。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
)

func init() {
	xerrors.Register(CodeChainFailure, xerrors.Attributes{
		Message:   "chain backend failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
