package rewards

import (
	"context"
	"math/big"
	"time"
)

// NewLockPositionEvent is one append-only tokenomics event: the latest state
// of a user's locked tokens after a lock, extension or (partial) exit.
type NewLockPositionEvent struct {
	VID                  int64
	User                 string
	NewTotalAmountLocked *big.Int
	BlockTimestamp       int64
	Expiry               int64
}

// LockPosition is one cohort of a user's stake: the slice of locked tokens
// sharing a single start timestamp. A user may hold several cohorts with
// different starts; all of them share the user's latest expiry.
type LockPosition struct {
	User         string
	AmountLocked *big.Int
	Start        int64
	Expiry       int64
}

// AssetConfig is the price/decimals configuration of one asset on one chain.
type AssetConfig struct {
	Symbol      string
	Address     string
	Decimals    int
	IsStable    bool
	CoingeckoID string
}

// APYTier maps a minimum lock term (whole months) to a staking APY in bps.
type APYTier struct {
	Term   int64
	APYBps int64
}

// StakingToken configures one staking-reward asset. APY tiers are sorted
// ascending by term; the highest tier whose term the lock period reaches wins.
type StakingToken struct {
	Address string
	APY     []APYTier
}

// VolumeToken configures one volume-reward asset.
type VolumeToken struct {
	Address            string
	EpochVolumeReward  *big.Int
	BaseRewardDbps     int64
	MaxBpsUsdVolumeCap int64
}

// DomainVote is the aggregated governance vote weight for one domain in one
// epoch.
type DomainVote struct {
	Domain string
	Votes  *big.Int
}

// SettledIntent is a cross-domain intent settled inside an epoch window.
// Initiator is kept in its on-chain 32-byte padded hex form; the volume
// calculator truncates it back to a 20-byte address.
type SettledIntent struct {
	ID        string
	Initiator string
	Asset     string
	Amount    *big.Int
	Timestamp int64
}

// Distribution maps a user address to a cumulative reward amount.
type Distribution map[string]*big.Int

// Distributions is the shared accumulator of the pipeline: per reward asset,
// per user, the cumulative amount to be committed into that asset's merkle
// tree. Both calculators only ever add into it.
type Distributions map[string]Distribution

// Ensure makes sure the per-asset map exists, mirroring how calculators
// register their configured assets even when no user earned anything.
func (d Distributions) Ensure(asset string) Distribution {
	dist, ok := d[asset]
	if !ok {
		dist = Distribution{}
		d[asset] = dist
	}
	return dist
}

// Add accumulates amount into (asset, user), creating the entry at zero if
// absent. The stored value is a fresh big.Int; amount is never retained.
func (d Distributions) Add(asset, user string, amount *big.Int) {
	dist := d.Ensure(asset)
	cur, ok := dist[user]
	if !ok {
		cur = new(big.Int)
		dist[user] = cur
	}
	cur.Add(cur, amount)
}

// MerkleTreeRecord is one persisted per-asset cumulative tree.
type MerkleTreeRecord struct {
	Asset             string
	Root              string
	Proof             string
	EpochEndTimestamp time.Time
	Tree              []byte
}

// RewardRow is the denormalized per (asset, user) settlement output.
type RewardRow struct {
	Account          string
	Asset            string
	MerkleRoot       string
	Proof            []string
	StakeAPY         *big.Int
	StakeRewards     *big.Int
	TotalClearStaked *big.Int
	ProtocolRewards  *big.Int
	CumulativeReward *big.Int
	EpochTimestamp   time.Time
}

// EpochResultRow is the per (user, domain) volume report for one epoch.
type EpochResultRow struct {
	Account          string
	Domain           string
	UserVolume       *big.Int
	TotalVolume      *big.Int
	ClearEmissions   *big.Int
	CumulativeReward *big.Int
	EpochTimestamp   time.Time
}

// PriceOracle returns the USD price of an asset at a point in time. It is
// expected to memoize per (price feed, UTC calendar day) and be safe for
// concurrent use.
type PriceOracle interface {
	HistoricPrice(ctx context.Context, asset AssetConfig, at time.Time) (float64, error)
}

// LockStore is the slice of the store the lock ledger reconciler needs.
type LockStore interface {
	GetCheckpoint(ctx context.Context, name string) (int64, error)
	GetNewLockPositionEvents(ctx context.Context, sinceVID int64, limit int) ([]NewLockPositionEvent, error)
	GetLockPositions(ctx context.Context, user string) ([]LockPosition, error)
	// SaveLockPositions atomically advances the lock-event checkpoint and
	// replaces the full cohort list of every touched user.
	SaveLockPositions(ctx context.Context, checkpoint string, vid int64, positions []LockPosition) error
}

// StakingStore is the slice of the store the staking calculator needs.
type StakingStore interface {
	// GetActiveLockPositions returns every cohort with expiry after
	// expiryAfter and start before startBefore, ordered by start.
	GetActiveLockPositions(ctx context.Context, expiryAfter, startBefore int64) ([]LockPosition, error)
}

// VolumeStore is the slice of the store the volume calculator needs.
type VolumeStore interface {
	GetVotes(ctx context.Context, epoch int64) ([]DomainVote, error)
	GetSettledIntentsInEpoch(ctx context.Context, domain string, from, to int64) ([]SettledIntent, error)
}
