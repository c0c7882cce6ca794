package provider

import (
	"context"
	"fmt"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/money"
)

// BalanceReader adapts the registry to per-chain balance lookups used by
// the authorization layer.
type BalanceReader struct {
	registry *Registry
}

// NewBalanceReader wraps a registry for balance queries.
func NewBalanceReader(registry *Registry) *BalanceReader {
	return &BalanceReader{registry: registry}
}

// Balance resolves the backend by chain name and reads the live balance.
func (b *BalanceReader) Balance(ctx context.Context, chainName, account, tokenAddress string) (money.Amount, error) {
	backend, ok := b.registry.Backend(chainName)
	if !ok {
		return money.Zero(), fmt.Errorf("链 %s 未在注册表中", chainName)
	}
	return backend.Balance(ctx, account, tokenAddress)
}

// TxReader adapts the registry to transaction lookups used by the
// settlement verifier.
type TxReader struct {
	registry *Registry
}

// NewTxReader wraps a registry for transaction queries.
func NewTxReader(registry *Registry) *TxReader {
	return &TxReader{registry: registry}
}

// GetTransaction resolves a transaction reference on the named chain.
func (t *TxReader) GetTransaction(ctx context.Context, chainName, txRef string) (*chain.Transaction, error) {
	backend, ok := t.registry.Backend(chainName)
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", chainName)
	}
	return backend.GetTransaction(ctx, txRef)
}

// ConfirmationInfo reports confirmation depth on the named chain.
func (t *TxReader) ConfirmationInfo(ctx context.Context, chainName, txRef string) (chain.ConfirmationInfo, error) {
	backend, ok := t.registry.Backend(chainName)
	if !ok {
		return chain.ConfirmationInfo{}, fmt.Errorf("链 %s 未在注册表中", chainName)
	}
	return backend.ConfirmationInfo(ctx, txRef)
}
