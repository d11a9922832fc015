package web3

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"GluePay-Chain/internal/signing"
)

// SchemeEIP3009 is the only payment scheme settled today: a signed
// TransferWithAuthorization consumed at most once per (payer, nonce).
const SchemeEIP3009 = "eip3009"

// NetworkDefinitions models the structure of configs/chain.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes a single settlement network and its asset.
type NetworkDefinition struct {
	Type         string `yaml:"type"`
	ChainID      int64  `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	Asset        string `yaml:"asset"`
	AssetName    string `yaml:"asset_name"`
	AssetVersion string `yaml:"asset_version"`
	Scheme       string `yaml:"scheme"`
	Description  string `yaml:"description"`
}

// Domain derives the EIP-712 signing domain binding authorizations to this
// network and asset.
func (d NetworkDefinition) Domain() signing.Domain {
	version := d.AssetVersion
	if version == "" {
		version = "1"
	}
	return signing.Domain{
		Name:              d.AssetName,
		Version:           version,
		ChainID:           big.NewInt(d.ChainID),
		VerifyingContract: common.HexToAddress(d.Asset),
	}
}

// Kind returns the supported-kinds entry for this network.
func (d NetworkDefinition) Kind(network string) Kind {
	scheme := d.Scheme
	if scheme == "" {
		scheme = SchemeEIP3009
	}
	return Kind{Network: network, Asset: d.Asset, Scheme: scheme}
}

// LoadNetworkDefinitions parses the YAML file containing network metadata.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	for name, def := range defs.Networks {
		if def.ChainID <= 0 {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 缺少 chain_id", name)
		}
		if strings.TrimSpace(def.Asset) == "" {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 缺少 asset 地址", name)
		}
		if strings.TrimSpace(def.AssetName) == "" {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 缺少 asset_name", name)
		}
	}
	return defs, nil
}
