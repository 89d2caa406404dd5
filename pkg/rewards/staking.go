package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"
)

// StakeMetadata is the per (asset, user) staking report for one epoch.
type StakeMetadata struct {
	// StakeAPYBps is the stake-weighted average APY realized by the user.
	StakeAPYBps *big.Int
	// StakeRewards is the reward amount earned this epoch, in asset units.
	StakeRewards *big.Int
	// TotalClearStaked is the user's total locked stake across cohorts.
	TotalClearStaked *big.Int
}

// StakeMetadatas maps asset address -> user address -> metadata.
type StakeMetadatas map[string]map[string]StakeMetadata

type StakingConfig struct {
	Logger *slog.Logger
	Store  StakingStore
	Oracle PriceOracle

	// Assets is the hub asset configuration keyed by lowercase address.
	Assets map[string]AssetConfig
	// Tokens are the configured staking-reward assets.
	Tokens []StakingToken
	// ClearAsset is the protocol's native staking token address. Rewards
	// in any other asset are converted through USD parity.
	ClearAsset string
}

func (cfg *StakingConfig) Validate() error {
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

// Staking computes per-user staking rewards from reconciled lock cohorts and
// a tiered APY schedule.
type Staking struct {
	log *slog.Logger
	cfg StakingConfig
}

func NewStaking(cfg StakingConfig) (*Staking, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Staking{log: cfg.Logger, cfg: cfg}, nil
}

// eligibleAPYBps walks the token's tier table, sorted ascending by term, and
// returns the highest tier whose term the lock period reaches; 0 if none.
func eligibleAPYBps(token StakingToken, pos LockPosition) int64 {
	lockMonths := (pos.Expiry - pos.Start) / MonthSeconds
	var eligible int64
	for _, tier := range token.APY {
		if lockMonths >= tier.Term {
			eligible = tier.APYBps
		} else {
			break
		}
	}
	return eligible
}

// effectiveLockDuration is the portion of the epoch the position was locked
// for. Note: when expiry <= epochEnd but start > epoch, expiry-epoch
// overstates the overlap; this mirrors the on-chain accounting and is pinned
// by a regression test.
func effectiveLockDuration(pos LockPosition, epoch, epochEnd, epochDuration int64) int64 {
	if pos.Expiry > epochEnd {
		if pos.Start <= epoch {
			return epochDuration
		}
		return epochEnd - pos.Start
	}
	return pos.Expiry - epoch
}

// Compute calculates staking rewards for every configured token and every
// lock cohort overlapping [epoch, epochEnd), accumulating into dist and
// returning the per (asset, user) metadata.
func (s *Staking) Compute(ctx context.Context, epoch, epochEnd, epochDuration int64, dist Distributions) (StakeMetadatas, error) {
	s.log.Info("computing staking rewards", "epoch", epoch, "epoch_end", epochEnd, "tokens", len(s.cfg.Tokens))

	stakingDist := Distributions{}
	metadata := StakeMetadatas{}
	weightedStake := map[string]map[string]*big.Int{}
	for _, token := range s.cfg.Tokens {
		dist.Ensure(token.Address)
		stakingDist.Ensure(token.Address)
		metadata[token.Address] = map[string]StakeMetadata{}
		weightedStake[token.Address] = map[string]*big.Int{}
	}

	positions, err := s.cfg.Store.GetActiveLockPositions(ctx, epoch, epochEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load lock positions for epoch %d: %w", epoch, err)
	}

	totalStaked := map[string]*big.Int{}
	var users []string
	epochEndTime := time.Unix(epochEnd, 0).UTC()

	for _, pos := range positions {
		user := pos.User
		if _, ok := totalStaked[user]; !ok {
			totalStaked[user] = new(big.Int)
			users = append(users, user)
		}
		totalStaked[user].Add(totalStaked[user], pos.AmountLocked)

		for _, token := range s.cfg.Tokens {
			apy := eligibleAPYBps(token, pos)
			duration := effectiveLockDuration(pos, epoch, epochEnd, epochDuration)

			// apy is scaled up to keep 3 d.p. of bps through the
			// rounding division by YearSeconds.
			scaledAPY := (apy*duration*APYScale + YearSeconds/2) / YearSeconds
			reward := new(big.Int).Mul(pos.AmountLocked, big.NewInt(scaledAPY))
			reward.Div(reward, big.NewInt(APYScale*10_000))
			if reward.Sign() < 0 {
				s.log.Error("negative position reward",
					"epoch", epoch, "user", user, "asset", token.Address,
					"reward", reward, "apy_bps", apy, "duration", duration,
					"amount_locked", pos.AmountLocked, "start", pos.Start, "expiry", pos.Expiry)
				return nil, fmt.Errorf("negative staking reward for %s on %s: %w", user, token.Address, ErrInvalidState)
			}

			// Rewards paid in anything but the native staking token
			// are converted through USD parity at epoch end.
			if token.Address != s.cfg.ClearAsset {
				assetCfg, ok := s.cfg.Assets[token.Address]
				if !ok {
					s.log.Error("staking token has no hub asset config", "epoch", epoch, "asset", token.Address)
					return nil, fmt.Errorf("staking token %s: %w", token.Address, ErrInvalidAsset)
				}
				clearCfg, ok := s.cfg.Assets[s.cfg.ClearAsset]
				if !ok {
					s.log.Error("clear asset has no hub asset config", "epoch", epoch, "asset", s.cfg.ClearAsset)
					return nil, fmt.Errorf("clear asset %s: %w", s.cfg.ClearAsset, ErrInvalidAsset)
				}
				tokenPrice, err := s.cfg.Oracle.HistoricPrice(ctx, assetCfg, epochEndTime)
				if err != nil {
					return nil, fmt.Errorf("failed to price %s at epoch end: %w", token.Address, err)
				}
				clearPrice, err := s.cfg.Oracle.HistoricPrice(ctx, clearCfg, epochEndTime)
				if err != nil {
					return nil, fmt.Errorf("failed to price clear asset at epoch end: %w", err)
				}
				// usd reward = reward in clear * clear price;
				// token reward = usd reward / token price. The USD
				// scale cancels out.
				scaledTokenPrice := big.NewInt(int64(math.Round(tokenPrice * USDScale)))
				scaledClearPrice := big.NewInt(int64(math.Round(clearPrice * USDScale)))
				reward.Mul(reward, scaledClearPrice)
				reward.Div(reward, scaledTokenPrice)
			}

			stakingDist.Add(token.Address, user, reward)

			weighted, ok := weightedStake[token.Address][user]
			if !ok {
				weighted = new(big.Int)
				weightedStake[token.Address][user] = weighted
			}
			weighted.Add(weighted, new(big.Int).Mul(pos.AmountLocked, big.NewInt(apy)))
		}
	}

	for _, token := range s.cfg.Tokens {
		totalRewards := new(big.Int)
		totalUserStaked := new(big.Int)
		for _, user := range users {
			stakeRewards := stakingDist[token.Address][user]
			if stakeRewards == nil {
				stakeRewards = new(big.Int)
			}
			metadata[token.Address][user] = StakeMetadata{
				StakeAPYBps:      new(big.Int).Div(weightedStake[token.Address][user], totalStaked[user]),
				StakeRewards:     stakeRewards,
				TotalClearStaked: totalStaked[user],
			}
			totalRewards.Add(totalRewards, stakeRewards)
			totalUserStaked.Add(totalUserStaked, totalStaked[user])

			dist.Add(token.Address, user, stakeRewards)
		}
		s.log.Info("computed staking rewards for token",
			"epoch", epoch, "token", token.Address,
			"total_stake_rewards", totalRewards, "total_staked", totalUserStaked)
	}

	return metadata, nil
}
