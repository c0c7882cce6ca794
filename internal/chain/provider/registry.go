package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/chain/ethereum"
)

// Registry manages a set of chain backends keyed by human readable names.
type Registry struct {
	defaultChain string
	defs         chain.ChainDefinitions
	backends     map[string]chain.Backend
}

// Config controls which chains get instantiated.
type Config struct {
	// ChainConfig is the path to the YAML chain definitions file.
	ChainConfig  string
	DefaultChain string
	// Signers holds the treasury signer per chain name. Chains without a
	// signer come up read-only: lookups and balance checks work, Submit
	// does not.
	Signers map[string]ethereum.Signer
}

// NewRegistry loads chain definitions and instantiates concrete backends.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	defs, err := chain.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	backends := make(map[string]chain.Backend)
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = string(chain.FamilyEVM)
		}
		switch chain.FamilyOf(chainType) {
		case chain.FamilyEVM:
			backend, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  def.RPCURL,
				ChainID: def.ChainID,
				Notes:   def.Description,
				Tokens:  def.Tokens,
			}, cfg.Signers[name])
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			backends[name] = backend
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(backends) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(backends))
		for name := range backends {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := backends[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, defs: defs, backends: backends}, nil
}

// NewStaticRegistry assembles a registry from pre-built backends, used by
// tests and embedded setups.
func NewStaticRegistry(defaultChain string, defs chain.ChainDefinitions, backends map[string]chain.Backend) *Registry {
	return &Registry{defaultChain: defaultChain, defs: defs, backends: backends}
}

// Definitions exposes the loaded chain metadata.
func (r *Registry) Definitions() chain.ChainDefinitions {
	if r == nil {
		return chain.ChainDefinitions{Chains: map[string]chain.ChainDefinition{}}
	}
	return r.defs
}

// DefaultBackend returns the backend configured as default chain.
func (r *Registry) DefaultBackend() (chain.Backend, error) {
	if r == nil {
		return nil, errors.New("未初始化的链后端注册表")
	}
	backend, ok := r.backends[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return backend, nil
}

// Backend returns the chain backend identified by name.
func (r *Registry) Backend(name string) (chain.Backend, bool) {
	if r == nil {
		return nil, false
	}
	backend, ok := r.backends[name]
	return backend, ok
}

// Close releases all backends managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, backend := range r.backends {
		if backend != nil {
			backend.Close()
		}
		delete(r.backends, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
