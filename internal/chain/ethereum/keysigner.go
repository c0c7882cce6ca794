package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner holds a plain in-process private key. Meant for development and
// testing; production deployments should put KMS or HSM custody behind the
// Signer interface instead.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner parses a hex encoded private key.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("私钥不能为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the treasury account address.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTx signs the transaction for the given chain.
func (s *KeySigner) SignTx(_ context.Context, chainID *big.Int, tx *coretypes.Transaction) (*coretypes.Transaction, error) {
	return coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
}

// SignDigest signs a 32-byte digest, used for off-chain transfer
// authorizations submitted through a relayer.
func (s *KeySigner) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("摘要长度必须是 32 字节")
	}
	return crypto.Sign(digest, s.key)
}
