// Package config loads the protocol configuration file: the hub and spoke
// asset registries and the reward token schedules. Runtime settings (postgres,
// RPC, intervals) stay in flags and environment variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/everclear-protocol/settler/pkg/rewards"
)

type AssetYAML struct {
	Symbol      string `yaml:"symbol"`
	Address     string `yaml:"address"`
	Decimals    int    `yaml:"decimals"`
	IsStable    bool   `yaml:"isStable"`
	CoingeckoID string `yaml:"coingeckoId"`
}

type ChainYAML struct {
	Assets []AssetYAML `yaml:"assets"`
}

type APYTierYAML struct {
	Term   int64 `yaml:"term"`
	APYBps int64 `yaml:"apyBps"`
}

type StakingTokenYAML struct {
	Address string        `yaml:"address"`
	APY     []APYTierYAML `yaml:"apy"`
}

type VolumeTokenYAML struct {
	Address            string `yaml:"address"`
	EpochVolumeReward  string `yaml:"epochVolumeReward"`
	BaseRewardDbps     int64  `yaml:"baseRewardDbps"`
	MaxBpsUsdVolumeCap int64  `yaml:"maxBpsUsdVolumeCap"`
}

type RewardsYAML struct {
	ClearAssetAddress string `yaml:"clearAssetAddress"`
	Volume            struct {
		Tokens []VolumeTokenYAML `yaml:"tokens"`
	} `yaml:"volume"`
	Staking struct {
		Tokens []StakingTokenYAML `yaml:"tokens"`
	} `yaml:"staking"`
}

type FileYAML struct {
	Network string `yaml:"network"`
	Hub     struct {
		Domain string      `yaml:"domain"`
		Assets []AssetYAML `yaml:"assets"`
	} `yaml:"hub"`
	Chains  map[string]ChainYAML `yaml:"chains"`
	Rewards RewardsYAML          `yaml:"rewards"`
}

// Config is the parsed, normalized protocol configuration. All addresses are
// lowercased; APY tiers are sorted ascending by term; domains are sorted for
// deterministic iteration.
type Config struct {
	Network       string
	HubDomain     string
	Domains       []string
	HubAssets     map[string]rewards.AssetConfig
	ChainAssets   map[string]map[string]rewards.AssetConfig
	ClearAsset    string
	StakingTokens []rewards.StakingToken
	VolumeTokens  []rewards.VolumeToken
}

// Load reads and validates the protocol configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse validates and normalizes a raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	var f FileYAML
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if f.Network == "" {
		return nil, errors.New("network is required")
	}
	if f.Hub.Domain == "" {
		return nil, errors.New("hub domain is required")
	}
	if f.Rewards.ClearAssetAddress == "" {
		return nil, errors.New("rewards.clearAssetAddress is required")
	}

	cfg := &Config{
		Network:     f.Network,
		HubDomain:   f.Hub.Domain,
		HubAssets:   map[string]rewards.AssetConfig{},
		ChainAssets: map[string]map[string]rewards.AssetConfig{},
		ClearAsset:  strings.ToLower(f.Rewards.ClearAssetAddress),
	}

	for _, a := range f.Hub.Assets {
		asset, err := normalizeAsset(a)
		if err != nil {
			return nil, fmt.Errorf("hub asset %s: %w", a.Address, err)
		}
		cfg.HubAssets[asset.Address] = asset
	}

	for domain, chain := range f.Chains {
		assets := map[string]rewards.AssetConfig{}
		for _, a := range chain.Assets {
			asset, err := normalizeAsset(a)
			if err != nil {
				return nil, fmt.Errorf("chain %s asset %s: %w", domain, a.Address, err)
			}
			assets[asset.Address] = asset
		}
		cfg.ChainAssets[domain] = assets
		cfg.Domains = append(cfg.Domains, domain)
	}
	sort.Strings(cfg.Domains)

	if _, ok := cfg.HubAssets[cfg.ClearAsset]; !ok {
		return nil, fmt.Errorf("clear asset %s is not a configured hub asset", cfg.ClearAsset)
	}

	for _, t := range f.Rewards.Staking.Tokens {
		if t.Address == "" {
			return nil, errors.New("staking token address is required")
		}
		token := rewards.StakingToken{Address: strings.ToLower(t.Address)}
		for _, tier := range t.APY {
			if tier.Term < 0 || tier.APYBps < 0 {
				return nil, fmt.Errorf("staking token %s has a negative apy tier", t.Address)
			}
			token.APY = append(token.APY, rewards.APYTier{Term: tier.Term, APYBps: tier.APYBps})
		}
		sort.Slice(token.APY, func(a, b int) bool { return token.APY[a].Term < token.APY[b].Term })
		cfg.StakingTokens = append(cfg.StakingTokens, token)
	}

	for _, t := range f.Rewards.Volume.Tokens {
		if t.Address == "" {
			return nil, errors.New("volume token address is required")
		}
		reward, ok := new(big.Int).SetString(t.EpochVolumeReward, 10)
		if !ok || reward.Sign() < 0 {
			return nil, fmt.Errorf("volume token %s has invalid epochVolumeReward %q", t.Address, t.EpochVolumeReward)
		}
		if t.BaseRewardDbps < 0 {
			return nil, fmt.Errorf("volume token %s has negative baseRewardDbps", t.Address)
		}
		if t.MaxBpsUsdVolumeCap <= 0 {
			return nil, fmt.Errorf("volume token %s needs a positive maxBpsUsdVolumeCap", t.Address)
		}
		cfg.VolumeTokens = append(cfg.VolumeTokens, rewards.VolumeToken{
			Address:            strings.ToLower(t.Address),
			EpochVolumeReward:  reward,
			BaseRewardDbps:     t.BaseRewardDbps,
			MaxBpsUsdVolumeCap: t.MaxBpsUsdVolumeCap,
		})
	}

	for _, token := range cfg.StakingTokens {
		if _, ok := cfg.HubAssets[token.Address]; !ok {
			return nil, fmt.Errorf("staking token %s is not a configured hub asset", token.Address)
		}
	}
	for _, token := range cfg.VolumeTokens {
		if _, ok := cfg.HubAssets[token.Address]; !ok {
			return nil, fmt.Errorf("volume token %s is not a configured hub asset", token.Address)
		}
	}

	return cfg, nil
}

func normalizeAsset(a AssetYAML) (rewards.AssetConfig, error) {
	if a.Address == "" {
		return rewards.AssetConfig{}, errors.New("address is required")
	}
	if a.Decimals < 0 || a.Decimals > 77 {
		return rewards.AssetConfig{}, fmt.Errorf("invalid decimals %d", a.Decimals)
	}
	return rewards.AssetConfig{
		Symbol:      a.Symbol,
		Address:     strings.ToLower(a.Address),
		Decimals:    a.Decimals,
		IsStable:    a.IsStable,
		CoingeckoID: a.CoingeckoID,
	}, nil
}
