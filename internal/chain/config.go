package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and its token set.
type ChainDefinition struct {
	Type        string                     `yaml:"type"`
	ChainID     uint64                     `yaml:"chain_id"`
	RPCURL      string                     `yaml:"rpc_url"`
	Description string                     `yaml:"description"`
	Tokens      map[string]TokenDefinition `yaml:"tokens"`
}

// TokenDefinition describes a stablecoin deployed on one chain.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
	// Gasless marks tokens supporting authorization-based transfers that a
	// relayer can submit on the signer's behalf.
	Gasless bool `yaml:"gasless"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Token looks up a token definition by chain name and symbol.
func (d ChainDefinitions) Token(chainName, symbol string) (TokenDefinition, bool) {
	chain, ok := d.Chains[chainName]
	if !ok {
		return TokenDefinition{}, false
	}
	token, ok := chain.Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// SupportsGasless reports whether the token/chain pair accepts
// authorization-based transfers.
func (d ChainDefinitions) SupportsGasless(chainName, symbol string) bool {
	token, ok := d.Token(chainName, symbol)
	return ok && token.Gasless
}

// FamilyOfChain returns the settlement family of a configured chain.
func (d ChainDefinitions) FamilyOfChain(chainName string) Family {
	chain, ok := d.Chains[chainName]
	if !ok {
		return FamilyEVM
	}
	return FamilyOf(strings.ToLower(strings.TrimSpace(chain.Type)))
}
