package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// EpochResult is one user's settled volume on one domain, plus the per-asset
// reward emissions attributed to that volume.
type EpochResult struct {
	ScaledUserVolume *big.Int
	Emissions        map[string]*big.Int
}

// UserVolume aggregates one user's per-domain epoch results and the total
// volume rewards earned per asset.
type UserVolume struct {
	EpochResults    map[string]*EpochResult
	ProtocolRewards map[string]*big.Int
}

// VolumeMetadata is the full output of the volume calculator for one epoch.
type VolumeMetadata struct {
	UserVolume  map[string]*UserVolume
	TotalVolume map[string]*big.Int
}

type VolumeConfig struct {
	Logger *slog.Logger
	Store  VolumeStore
	Oracle PriceOracle

	// Domains are the spoke domains whose settled intents count as volume.
	Domains []string
	// ChainAssets is the per-domain asset configuration keyed by domain,
	// then lowercase asset address.
	ChainAssets map[string]map[string]AssetConfig
	// HubAssets is the hub asset configuration keyed by lowercase address.
	HubAssets map[string]AssetConfig
	// Tokens are the configured volume-reward assets.
	Tokens []VolumeToken
}

func (cfg *VolumeConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Oracle == nil {
		return errors.New("price oracle is required")
	}
	return nil
}

// Volume computes per-user trading-volume rewards: a guaranteed base share
// proportional to settled USD volume, plus a governance-vote-weighted
// variable share of the remaining pool.
type Volume struct {
	log *slog.Logger
	cfg VolumeConfig
}

func NewVolume(cfg VolumeConfig) (*Volume, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Volume{log: cfg.Logger, cfg: cfg}, nil
}

// initiatorAddress converts the 32-byte padded hex form an intent initiator
// is stored in back to a 20-byte address.
func initiatorAddress(padded string) string {
	if len(padded) == 66 {
		return "0x" + strings.ToLower(padded[26:])
	}
	return strings.ToLower(padded)
}

// domainVolume is the settled USD volume of one domain, scaled by USDScale.
type domainVolume struct {
	total    *big.Int
	accounts map[string]*big.Int
}

// collectDomainVolume prices every settled intent of one domain and sums the
// scaled USD volume per initiator.
func (v *Volume) collectDomainVolume(ctx context.Context, domain string, epoch, epochEnd int64) (*domainVolume, error) {
	intents, err := v.cfg.Store.GetSettledIntentsInEpoch(ctx, domain, epoch, epochEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled intents for domain %s: %w", domain, err)
	}
	if len(intents) == 0 {
		v.log.Warn("domain has no settled intents in epoch", "epoch", epoch, "domain", domain)
		return nil, nil
	}

	assets := v.cfg.ChainAssets[domain]
	dv := &domainVolume{total: new(big.Int), accounts: map[string]*big.Int{}}
	for _, intent := range intents {
		assetCfg, ok := assets[strings.ToLower(intent.Asset)]
		if !ok {
			v.log.Error("settlement asset has no config for domain",
				"epoch", epoch, "domain", domain, "asset", intent.Asset, "intent", intent.ID)
			return nil, fmt.Errorf("settlement asset %s on domain %s: %w", intent.Asset, domain, ErrInvalidAsset)
		}

		price, err := v.cfg.Oracle.HistoricPrice(ctx, assetCfg, time.Unix(intent.Timestamp, 0).UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to price %s at intent settlement: %w", intent.Asset, err)
		}

		// usd volume = amount / 10^decimals * price; the price is
		// scaled by USDScale and rounded so the division happens once,
		// against the asset multiplier.
		scaledPrice := big.NewInt(int64(math.Round(price * USDScale)))
		assetMultiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(assetCfg.Decimals)), nil)
		scaledUSD := new(big.Int).Mul(intent.Amount, scaledPrice)
		scaledUSD.Div(scaledUSD, assetMultiplier)

		dv.total.Add(dv.total, scaledUSD)
		initiator := initiatorAddress(intent.Initiator)
		if cur, ok := dv.accounts[initiator]; ok {
			cur.Add(cur, scaledUSD)
		} else {
			dv.accounts[initiator] = scaledUSD
		}
	}
	return dv, nil
}

// Compute aggregates settled volume across all domains, splits each reward
// token's pool into base and variable parts and allocates both, accumulating
// each user's total into dist.
func (v *Volume) Compute(ctx context.Context, epoch, epochEnd int64, dist Distributions) (*VolumeMetadata, error) {
	v.log.Info("computing volume rewards", "epoch", epoch, "epoch_end", epochEnd, "tokens", len(v.cfg.Tokens))

	votes, err := v.cfg.Store.GetVotes(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load votes for epoch %d: %w", epoch, err)
	}
	totalVote := new(big.Int)
	domainVotes := map[string]*big.Int{}
	for _, vote := range votes {
		totalVote.Add(totalVote, vote.Votes)
		domainVotes[vote.Domain] = vote.Votes
	}
	v.log.Info("retrieved votes for epoch", "epoch", epoch, "domains", len(votes), "total_vote", totalVote)

	// Volume aggregation fans out per domain; the reads are independent
	// and any failure aborts the whole step.
	volumes := make([]*domainVolume, len(v.cfg.Domains))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, domain := range v.cfg.Domains {
		g.Go(func() error {
			dv, err := v.collectDomainVolume(gctx, domain, epoch, epochEnd)
			if err != nil {
				return err
			}
			mu.Lock()
			volumes[i] = dv
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := &VolumeMetadata{
		UserVolume:  map[string]*UserVolume{},
		TotalVolume: map[string]*big.Int{},
	}
	totalVolumeAcrossDomains := new(big.Int)
	for i, domain := range v.cfg.Domains {
		dv := volumes[i]
		if dv == nil {
			continue
		}
		meta.TotalVolume[domain] = dv.total
		totalVolumeAcrossDomains.Add(totalVolumeAcrossDomains, dv.total)
		for account, volume := range dv.accounts {
			uv, ok := meta.UserVolume[account]
			if !ok {
				uv = &UserVolume{
					EpochResults:    map[string]*EpochResult{},
					ProtocolRewards: map[string]*big.Int{},
				}
				meta.UserVolume[account] = uv
			}
			uv.EpochResults[domain] = &EpochResult{
				ScaledUserVolume: volume,
				Emissions:        map[string]*big.Int{},
			}
		}
	}
	v.log.Info("total scaled volume in epoch", "epoch", epoch, "total_volume", totalVolumeAcrossDomains)

	epochEndTime := time.Unix(epochEnd, 0).UTC()
	for _, token := range v.cfg.Tokens {
		if totalVolumeAcrossDomains.Sign() <= 0 {
			v.log.Warn("no volume in epoch, skipping volume rewards",
				"epoch", epoch, "token", token.Address, "total_vote", totalVote)
			continue
		}
		if err := v.computeTokenRewards(ctx, epoch, epochEndTime, token, meta,
			totalVolumeAcrossDomains, totalVote, domainVotes, dist); err != nil {
			return nil, err
		}
	}

	return meta, nil
}

func (v *Volume) computeTokenRewards(
	ctx context.Context,
	epoch int64,
	epochEndTime time.Time,
	token VolumeToken,
	meta *VolumeMetadata,
	totalVolumeAcrossDomains, totalVote *big.Int,
	domainVotes map[string]*big.Int,
	dist Distributions,
) error {
	assetCfg, ok := v.cfg.HubAssets[token.Address]
	if !ok {
		v.log.Error("volume token has no hub asset config", "epoch", epoch, "token", token.Address)
		return fmt.Errorf("volume token %s: %w", token.Address, ErrInvalidAsset)
	}
	assetMultiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(assetCfg.Decimals)), nil)

	// The epoch-end price anchors the whole pool computation.
	price, err := v.cfg.Oracle.HistoricPrice(ctx, assetCfg, epochEndTime)
	if err != nil {
		return fmt.Errorf("failed to price volume token %s at epoch end: %w", token.Address, err)
	}
	scaledPrice := big.NewInt(int64(math.Round(price * USDScale)))

	// The maximum reward rate is the full epoch reward (in USD) spread
	// over the configured USD volume cap, in dbps.
	scaledEpochRewardUSD := new(big.Int).Mul(scaledPrice, token.EpochVolumeReward)
	scaledEpochRewardUSD.Div(scaledEpochRewardUSD, assetMultiplier)
	scaledVolumeCapUSD := new(big.Int).Mul(big.NewInt(token.MaxBpsUsdVolumeCap), big.NewInt(USDScale))
	maxRewardsDbps := new(big.Int).Mul(scaledEpochRewardUSD, big.NewInt(DBPSScale))
	maxRewardsDbps.Div(maxRewardsDbps, scaledVolumeCapUSD)

	baseRewardDbps := big.NewInt(token.BaseRewardDbps)
	basePoolUSD := new(big.Int).Mul(totalVolumeAcrossDomains, baseRewardDbps)
	basePoolUSD.Div(basePoolUSD, big.NewInt(DBPSScale))
	totalPoolUSD := new(big.Int).Mul(maxRewardsDbps, totalVolumeAcrossDomains)
	totalPoolUSD.Div(totalPoolUSD, big.NewInt(DBPSScale))

	// If the base pool alone exceeds the epoch's hard cap, clamp both
	// pools to the cap and recompute the base rate.
	if basePoolUSD.Cmp(scaledEpochRewardUSD) > 0 {
		totalPoolUSD = new(big.Int).Set(scaledEpochRewardUSD)
		basePoolUSD = new(big.Int).Set(scaledEpochRewardUSD)
		baseRewardDbps = new(big.Int).Mul(basePoolUSD, big.NewInt(DBPSScale))
		baseRewardDbps.Div(baseRewardDbps, totalVolumeAcrossDomains)
	}

	variablePoolUSD := new(big.Int).Sub(totalPoolUSD, basePoolUSD)
	// A negative variable pool collapses everything into base rewards.
	if variablePoolUSD.Sign() < 0 {
		variablePoolUSD = new(big.Int)
		totalPoolUSD = new(big.Int).Set(basePoolUSD)
	}

	v.log.Info("reward pools for token",
		"epoch", epoch, "token", token.Address,
		"base_reward_dbps", baseRewardDbps, "max_rewards_dbps", maxRewardsDbps,
		"base_pool_usd", basePoolUSD, "variable_pool_usd", variablePoolUSD,
		"total_pool_usd", totalPoolUSD, "scaled_price", scaledPrice)

	// Base rewards: each user's settled volume earns baseRewardDbps,
	// converted back into token units at the epoch-end price.
	totalBaseReward := new(big.Int)
	baseDivisor := new(big.Int).Mul(scaledPrice, big.NewInt(DBPSScale))
	for user, uv := range meta.UserVolume {
		baseReward := new(big.Int)
		for domain, result := range uv.EpochResults {
			domainBase := new(big.Int).Mul(result.ScaledUserVolume, baseRewardDbps)
			domainBase.Mul(domainBase, assetMultiplier)
			domainBase.Div(domainBase, baseDivisor)
			if domainBase.Sign() < 0 {
				v.log.Error("negative domain base reward",
					"epoch", epoch, "user", user, "domain", domain, "token", token.Address,
					"user_volume", result.ScaledUserVolume, "base_reward_dbps", baseRewardDbps)
				return fmt.Errorf("negative base reward for %s on %s: %w", user, domain, ErrInvalidState)
			}
			baseReward.Add(baseReward, domainBase)
			result.Emissions[token.Address] = domainBase
		}
		uv.ProtocolRewards[token.Address] = baseReward
		totalBaseReward.Add(totalBaseReward, baseReward)
	}

	// More base rewards than the configured epoch reward means either
	// implausible volume or a broken price; both are fatal.
	if totalBaseReward.Cmp(token.EpochVolumeReward) > 0 {
		v.log.Error("base reward exceeds epoch reward",
			"epoch", epoch, "token", token.Address,
			"total_base_reward", totalBaseReward, "epoch_volume_reward", token.EpochVolumeReward,
			"total_volume", totalVolumeAcrossDomains, "max_rewards_dbps", maxRewardsDbps,
			"base_reward_dbps", baseRewardDbps, "scaled_price", scaledPrice)
		return fmt.Errorf("base reward exceeds epoch reward for %s: %w", token.Address, ErrInvalidState)
	}

	// Variable rewards: the remaining pool is split by governance vote
	// weight per domain, then by volume share within the domain.
	totalVariableReward := new(big.Int)
	if totalVote.Sign() <= 0 {
		v.log.Warn("no votes in epoch, skipping variable rewards",
			"epoch", epoch, "token", token.Address, "total_base_reward", totalBaseReward)
	} else {
		for user, uv := range meta.UserVolume {
			variableReward := new(big.Int)
			for domain, result := range uv.EpochResults {
				domainVote, ok := domainVotes[domain]
				if !ok {
					domainVote = new(big.Int)
				}
				divisor := new(big.Int).Mul(totalVote, meta.TotalVolume[domain])
				divisor.Mul(divisor, scaledPrice)
				domainVariable := new(big.Int).Mul(variablePoolUSD, result.ScaledUserVolume)
				domainVariable.Mul(domainVariable, domainVote)
				domainVariable.Mul(domainVariable, assetMultiplier)
				domainVariable.Div(domainVariable, divisor)
				if domainVariable.Sign() < 0 {
					v.log.Error("negative domain variable reward",
						"epoch", epoch, "user", user, "domain", domain, "token", token.Address,
						"user_volume", result.ScaledUserVolume, "domain_vote", domainVote,
						"total_vote", totalVote, "domain_volume", meta.TotalVolume[domain])
					return fmt.Errorf("negative variable reward for %s on %s: %w", user, domain, ErrInvalidState)
				}
				variableReward.Add(variableReward, domainVariable)

				emission, ok := result.Emissions[token.Address]
				if !ok {
					emission = new(big.Int)
					result.Emissions[token.Address] = emission
				}
				emission.Add(emission, domainVariable)
			}
			uv.ProtocolRewards[token.Address].Add(uv.ProtocolRewards[token.Address], variableReward)
			totalVariableReward.Add(totalVariableReward, variableReward)
		}
	}

	total := new(big.Int).Add(totalBaseReward, totalVariableReward)
	if total.Cmp(token.EpochVolumeReward) > 0 {
		v.log.Error("total reward exceeds epoch reward",
			"epoch", epoch, "token", token.Address,
			"total_base_reward", totalBaseReward, "total_variable_reward", totalVariableReward,
			"epoch_volume_reward", token.EpochVolumeReward)
		return fmt.Errorf("total reward exceeds epoch reward for %s: %w", token.Address, ErrInvalidState)
	}

	dist.Ensure(token.Address)
	for user, uv := range meta.UserVolume {
		dist.Add(token.Address, user, uv.ProtocolRewards[token.Address])
	}

	// totalVariableReward carries per-user rounding error but stays very
	// close to the variable pool.
	v.log.Info("computed volume rewards for token",
		"epoch", epoch, "token", token.Address,
		"total_base_reward", totalBaseReward, "total_variable_reward", totalVariableReward,
		"total_reward", total)

	return nil
}
