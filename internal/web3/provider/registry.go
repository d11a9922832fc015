package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	"GluePay-Chain/internal/config"
	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/signing"
	"GluePay-Chain/internal/web3"
	"GluePay-Chain/internal/web3/ethereum"
)

// Backend bundles everything settlement needs for one network: the settler,
// the signing domain, and the supported-kind advertisement.
type Backend struct {
	Network string
	Domain  signing.Domain
	Settler web3.Settler
	Kind    web3.Kind
}

// Registry manages settlement backends keyed by network name.
type Registry struct {
	defaultNetwork string
	backends       map[string]Backend
	closers        []func()
}

// NewRegistry loads network definitions and instantiates concrete backends.
// The private key is only required when at least one network is of type evm.
func NewRegistry(ctx context.Context, cfg config.Web3Config, key *ecdsa.PrivateKey) (*Registry, error) {
	defs, err := web3.LoadNetworkDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	registry := &Registry{backends: make(map[string]Backend)}
	for name, def := range defs.Networks {
		networkType := strings.ToLower(strings.TrimSpace(def.Type))
		if networkType == "" {
			networkType = "evm"
		}
		switch networkType {
		case "evm":
			if key == nil {
				return nil, fmt.Errorf("网络 %s 需要结算账户私钥", name)
			}
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:         name,
				RPCURL:       def.RPCURL,
				ChainID:      def.Domain().ChainID,
				TokenAddress: def.Domain().VerifyingContract,
				PrivateKey:   key,
			})
			if err != nil {
				registry.Close()
				return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
			}
			registry.backends[name] = Backend{
				Network: name,
				Domain:  def.Domain(),
				Settler: client,
				Kind:    def.Kind(name),
			}
			registry.closers = append(registry.closers, client.Close)
		case "local":
			registry.backends[name] = Backend{
				Network: name,
				Domain:  def.Domain(),
				Settler: ledger.NewMemoryLedger(def.Domain()),
				Kind:    def.Kind(name),
			}
		default:
			registry.Close()
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(registry.backends) == 0 {
		return nil, errors.New("未配置任何结算网络")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		names := make([]string, 0, len(registry.backends))
		for name := range registry.backends {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := registry.backends[defaultNetwork]; !ok {
		registry.Close()
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}
	registry.defaultNetwork = defaultNetwork

	return registry, nil
}

// Backend returns the backend for the given network name.
func (r *Registry) Backend(network string) (Backend, bool) {
	backend, ok := r.backends[network]
	return backend, ok
}

// DefaultBackend returns the backend for the configured default network.
func (r *Registry) DefaultBackend() Backend {
	return r.backends[r.defaultNetwork]
}

// Backends returns all backends sorted by network name.
func (r *Registry) Backends() []Backend {
	result := make([]Backend, 0, len(r.backends))
	for _, backend := range r.backends {
		result = append(result, backend)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Network < result[j].Network })
	return result
}

// Close releases all backend connections.
func (r *Registry) Close() {
	for _, closeFn := range r.closers {
		closeFn()
	}
	r.closers = nil
}
