// Package settler drives the reward settlement pipeline: it drains the lock
// ledger, gates on epoch finality, runs the staking and volume calculators
// into one cumulative accumulator, merges the previous per-asset merkle
// trees, builds and proves the new trees, and persists everything behind an
// epoch checkpoint.
package settler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"

	"github.com/everclear-protocol/settler/pkg/config"
	"github.com/everclear-protocol/settler/pkg/merkle"
	"github.com/everclear-protocol/settler/pkg/metrics"
	"github.com/everclear-protocol/settler/pkg/rewards"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ChainReader reads the epoch schedule and distribution counters from the hub
// contracts.
type ChainReader interface {
	GenesisEpoch(ctx context.Context) (int64, error)
	EpochDuration(ctx context.Context) (int64, error)
	RewardDistributorUpdateCount(ctx context.Context, asset string) (int64, error)
}

// Store is the persistence surface of the settlement pipeline.
type Store interface {
	rewards.LockStore
	rewards.StakingStore
	rewards.VolumeStore

	SaveCheckpoint(ctx context.Context, name string, value int64) error
	GetLatestMerkleTrees(ctx context.Context, cutoff time.Time) ([]rewards.MerkleTreeRecord, error)
	SaveMerkleTrees(ctx context.Context, trees []rewards.MerkleTreeRecord) error
	SaveEpochResults(ctx context.Context, results []rewards.EpochResultRow) error
	SaveRewards(ctx context.Context, rows []rewards.RewardRow) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    Store
	Chain    ChainReader
	Oracle   rewards.PriceOracle
	Protocol *config.Config
	// Interval is the settlement loop period.
	Interval time.Duration
	// ReconcileBatchLimit bounds each lock-event drain batch.
	ReconcileBatchLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain reader is required")
	}
	if cfg.Oracle == nil {
		return errors.New("price oracle is required")
	}
	if cfg.Protocol == nil {
		return errors.New("protocol config is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Settler struct {
	log   *slog.Logger
	cfg   Config
	runMu sync.Mutex

	reconciler *rewards.Reconciler
	staking    *rewards.Staking
	volume     *rewards.Volume

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Settler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reconciler, err := rewards.NewReconciler(rewards.ReconcilerConfig{
		Logger:     cfg.Logger,
		Store:      cfg.Store,
		BatchLimit: cfg.ReconcileBatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	staking, err := rewards.NewStaking(rewards.StakingConfig{
		Logger:     cfg.Logger,
		Store:      cfg.Store,
		Oracle:     cfg.Oracle,
		Assets:     cfg.Protocol.HubAssets,
		Tokens:     cfg.Protocol.StakingTokens,
		ClearAsset: cfg.Protocol.ClearAsset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staking calculator: %w", err)
	}
	volume, err := rewards.NewVolume(rewards.VolumeConfig{
		Logger:      cfg.Logger,
		Store:       cfg.Store,
		Oracle:      cfg.Oracle,
		Domains:     cfg.Protocol.Domains,
		ChainAssets: cfg.Protocol.ChainAssets,
		HubAssets:   cfg.Protocol.HubAssets,
		Tokens:      cfg.Protocol.VolumeTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume calculator: %w", err)
	}

	return &Settler{
		log:        cfg.Logger,
		cfg:        cfg,
		reconciler: reconciler,
		staking:    staking,
		volume:     volume,
		readyCh:    make(chan struct{}),
	}, nil
}

func (s *Settler) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

func (s *Settler) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for settler: %w", ctx.Err())
	}
}

// Start runs the settlement loop until the context is cancelled.
func (s *Settler) Start(ctx context.Context) {
	go func() {
		s.log.Info("settler: starting settlement loop", "interval", s.cfg.Interval)

		s.safeRun(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeRun(ctx)
			}
		}
	}()
}

func (s *Settler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("settler: run panicked", "panic", r)
			metrics.SettleRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	start := time.Now()
	err := s.Settle(ctx)
	metrics.SettleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("settler: run failed", "error", err)
		metrics.SettleRunsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.SettleRunsTotal.WithLabelValues("success").Inc()
	s.readyOnce.Do(func() {
		close(s.readyCh)
		s.log.Info("settler: ready")
	})
}

// Settle performs one settlement attempt. It is safe to re-invoke: the epoch
// checkpoint is written last, so a failed run leaves the epoch fully
// re-computable, and a run inside the finality window is a no-op.
func (s *Settler) Settle(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	// Drain the lock ledger before any epoch math; the staking calculator
	// must see every cohort up to the epoch end.
	for {
		n, err := s.reconciler.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("failed to reconcile lock positions: %w", err)
		}
		if n == 0 {
			break
		}
		s.log.Info("processed new lock positions", "count", n)
	}

	epochDuration, err := s.cfg.Chain.EpochDuration(ctx)
	if err != nil {
		return fmt.Errorf("failed to read epoch duration: %w", err)
	}
	epoch, err := s.cfg.Store.GetCheckpoint(ctx, rewards.EpochCheckpoint)
	if err != nil {
		return fmt.Errorf("failed to read epoch checkpoint: %w", err)
	}
	if epoch == 0 {
		s.log.Warn("no previous epoch checkpoint, using genesis")
		if epoch, err = s.cfg.Chain.GenesisEpoch(ctx); err != nil {
			return fmt.Errorf("failed to read genesis epoch: %w", err)
		}
	} else {
		epoch += epochDuration
	}
	epochEnd := epoch + epochDuration

	// Settlement waits until the midpoint of the following epoch so every
	// intent of the target epoch had time to settle.
	now := s.cfg.Clock.Now().Unix()
	if now < epochEnd+epochDuration/2 {
		s.log.Info("current epoch has not come to an end, exiting",
			"now", now, "epoch", epoch, "epoch_end", epochEnd)
		return nil
	}

	dist := rewards.Distributions{}
	volumeMeta, err := s.volume.Compute(ctx, epoch, epochEnd, dist)
	if err != nil {
		return fmt.Errorf("failed to compute volume rewards: %w", err)
	}
	stakeMeta, err := s.staking.Compute(ctx, epoch, epochEnd, epochDuration, dist)
	if err != nil {
		return fmt.Errorf("failed to compute staking rewards: %w", err)
	}

	if err := s.mergeWithPreviousTrees(ctx, epoch, dist); err != nil {
		return err
	}

	treeRecords, roots, proofs, err := s.buildTrees(ctx, epoch, epochEnd, dist)
	if err != nil {
		return err
	}

	epochResults := s.assembleEpochResults(epoch, volumeMeta, dist)
	rewardRows, err := s.assembleRewards(epoch, dist, volumeMeta, stakeMeta, roots, proofs)
	if err != nil {
		return err
	}

	if len(treeRecords) > 0 {
		if err := s.cfg.Store.SaveMerkleTrees(ctx, treeRecords); err != nil {
			return fmt.Errorf("failed to save merkle trees: %w", err)
		}
	}
	if len(epochResults) > 0 {
		if err := s.cfg.Store.SaveEpochResults(ctx, epochResults); err != nil {
			return fmt.Errorf("failed to save epoch results: %w", err)
		}
	}
	if len(rewardRows) > 0 {
		if err := s.cfg.Store.SaveRewards(ctx, rewardRows); err != nil {
			return fmt.Errorf("failed to save rewards: %w", err)
		}
	}
	if err := s.cfg.Store.SaveCheckpoint(ctx, rewards.EpochCheckpoint, epoch); err != nil {
		return fmt.Errorf("failed to save epoch checkpoint: %w", err)
	}

	metrics.EpochsSettledTotal.Inc()
	s.log.Info("settled epoch", "epoch", epoch, "epoch_end", epochEnd,
		"trees", len(treeRecords), "epoch_results", len(epochResults), "rewards", len(rewardRows))
	return nil
}

// mergeWithPreviousTrees adds the latest persisted cumulative tree of every
// asset into the current distribution, making each new tree a superset of the
// old one. An asset that lost its reward config is skipped with a warning,
// which drops its continuity; a negative persisted leaf is fatal.
func (s *Settler) mergeWithPreviousTrees(ctx context.Context, epoch int64, dist rewards.Distributions) error {
	previous, err := s.cfg.Store.GetLatestMerkleTrees(ctx, time.Unix(epoch, 0).UTC())
	if err != nil {
		return fmt.Errorf("failed to load previous merkle trees: %w", err)
	}
	for _, record := range previous {
		if _, ok := dist[record.Asset]; !ok {
			s.log.Warn("previous tree contains alternate asset, reward config changed in last epoch",
				"removed_asset", record.Asset, "epoch", epoch)
			continue
		}
		tree, err := merkle.Load(record.Tree)
		if err != nil {
			return fmt.Errorf("failed to load previous tree for %s: %w", record.Asset, err)
		}
		for _, leaf := range tree.Entries() {
			if leaf.Amount.Sign() < 0 {
				s.log.Error("user has negative rewards in previous tree",
					"epoch", epoch, "asset", record.Asset, "address", leaf.Address, "value", leaf.Amount)
				return fmt.Errorf("negative merged leaf for %s on %s: %w", leaf.Address, record.Asset, rewards.ErrInvalidState)
			}
			dist.Add(record.Asset, leaf.Address, leaf.Amount)
		}
	}
	return nil
}

// buildTrees constructs one cumulative tree per asset with at least one
// positive entry and anchors each root to the on-chain distributor state.
func (s *Settler) buildTrees(ctx context.Context, epoch, epochEnd int64, dist rewards.Distributions) (
	[]rewards.MerkleTreeRecord, map[string]string, map[string]map[string][]string, error,
) {
	var records []rewards.MerkleTreeRecord
	roots := map[string]string{}
	proofs := map[string]map[string][]string{}

	for _, asset := range sortedKeys(dist) {
		var leaves []merkle.Leaf
		for _, user := range sortedKeys(dist[asset]) {
			if dist[asset][user].Sign() > 0 {
				leaves = append(leaves, merkle.Leaf{Address: user, Amount: dist[asset][user]})
			}
		}
		if len(leaves) == 0 {
			s.log.Warn("no voting / staking activity in epoch, skipping tree computation",
				"epoch", epoch, "asset", asset)
			continue
		}
		if len(leaves) == 1 {
			// Single-leaf trees cannot produce proofs; pad with a zero
			// leaf.
			s.log.Warn("only one leaf encountered", "epoch", epoch, "asset", asset)
			leaves = append(leaves, merkle.Leaf{Address: zeroAddress, Amount: new(big.Int)})
		}

		tree, err := merkle.New(leaves)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to build tree for %s: %w", asset, err)
		}
		root := tree.Root()

		updateCount, err := s.cfg.Chain.RewardDistributorUpdateCount(ctx, asset)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to read update count for %s: %w", asset, err)
		}
		// The anchor binds the new root to the distributor's current
		// update count so a stale root cannot be replayed later.
		combined := fmt.Sprintf(`%s%s{"timestamp":%d,"updateCount":%d}`, asset, root, epoch, updateCount)
		anchor := hexutil.Encode(crypto.Keccak256([]byte(combined)))

		dump, err := tree.Dump()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to serialize tree for %s: %w", asset, err)
		}
		records = append(records, rewards.MerkleTreeRecord{
			Asset:             asset,
			Root:              root,
			Proof:             anchor,
			EpochEndTimestamp: time.Unix(epochEnd, 0).UTC(),
			Tree:              dump,
		})
		roots[asset] = root

		assetProofs := map[string][]string{}
		for i, leaf := range tree.Entries() {
			proof, err := tree.Proof(i)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to prove leaf %s for %s: %w", leaf.Address, asset, err)
			}
			if len(proof) == 0 {
				s.log.Error("empty inclusion proof", "epoch", epoch, "asset", asset, "address", leaf.Address)
				return nil, nil, nil, fmt.Errorf("empty proof for %s on %s: %w", leaf.Address, asset, rewards.ErrInvalidAddressProof)
			}
			assetProofs[leaf.Address] = proof
		}
		proofs[asset] = assetProofs
	}

	return records, roots, proofs, nil
}

func (s *Settler) assembleEpochResults(epoch int64, meta *rewards.VolumeMetadata, dist rewards.Distributions) []rewards.EpochResultRow {
	clearAsset := s.cfg.Protocol.ClearAsset
	epochTime := time.Unix(epoch, 0).UTC()

	var results []rewards.EpochResultRow
	for _, user := range sortedKeys(meta.UserVolume) {
		uv := meta.UserVolume[user]
		for _, domain := range sortedKeys(uv.EpochResults) {
			result := uv.EpochResults[domain]
			clearEmissions := result.Emissions[clearAsset]
			if clearEmissions == nil {
				clearEmissions = new(big.Int)
			}
			cumulative := dist[clearAsset][user]
			if cumulative == nil {
				cumulative = new(big.Int)
			}
			results = append(results, rewards.EpochResultRow{
				Account:          user,
				Domain:           domain,
				UserVolume:       result.ScaledUserVolume,
				TotalVolume:      meta.TotalVolume[domain],
				ClearEmissions:   clearEmissions,
				CumulativeReward: cumulative,
				EpochTimestamp:   epochTime,
			})
		}
	}
	return results
}

func (s *Settler) assembleRewards(
	epoch int64,
	dist rewards.Distributions,
	volumeMeta *rewards.VolumeMetadata,
	stakeMeta rewards.StakeMetadatas,
	roots map[string]string,
	proofs map[string]map[string][]string,
) ([]rewards.RewardRow, error) {
	epochTime := time.Unix(epoch, 0).UTC()

	var rows []rewards.RewardRow
	for _, asset := range sortedKeys(dist) {
		for _, user := range sortedKeys(dist[asset]) {
			protocolRewards := new(big.Int)
			if uv := volumeMeta.UserVolume[user]; uv != nil && uv.ProtocolRewards[asset] != nil {
				protocolRewards = uv.ProtocolRewards[asset]
			}
			stakeAPY := new(big.Int)
			stakeRewards := new(big.Int)
			totalClearStaked := new(big.Int)
			if sm, ok := stakeMeta[asset][user]; ok {
				stakeAPY = sm.StakeAPYBps
				stakeRewards = sm.StakeRewards
				totalClearStaked = sm.TotalClearStaked
			}

			proof := proofs[asset][user]
			if len(proof) == 0 {
				s.log.Error("user must have a proof if they have a reward distribution",
					"epoch", epoch, "asset", asset, "user", user,
					"protocol_rewards", protocolRewards, "stake_rewards", stakeRewards,
					"cumulative_rewards", dist[asset][user])
				return nil, fmt.Errorf("missing proof for %s on %s: %w", user, asset, rewards.ErrInvalidState)
			}

			rows = append(rows, rewards.RewardRow{
				Account:          user,
				Asset:            asset,
				MerkleRoot:       roots[asset],
				Proof:            proof,
				StakeAPY:         stakeAPY,
				StakeRewards:     stakeRewards,
				TotalClearStaked: totalClearStaked,
				ProtocolRewards:  protocolRewards,
				CumulativeReward: dist[asset][user],
				EpochTimestamp:   epochTime,
			})
		}
	}
	return rows, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
