package store_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/everclear-protocol/settler/pkg/rewards"
	. "github.com/everclear-protocol/settler/pkg/store"
	settlertesting "github.com/everclear-protocol/settler/utils/pkg/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	log := settlertesting.NewLogger()
	db, err := settlertesting.NewDB(t.Context(), log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	settlertesting.Migrate(t, db)
	pool := settlertesting.NewTestPool(t, db)

	s, err := New(Config{Logger: log, Pool: pool})
	require.NoError(t, err)
	return s
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }

func TestSettler_Store_Checkpoints(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	// Unwritten checkpoints read back as zero.
	value, err := s.GetCheckpoint(ctx, rewards.LockEventsCheckpoint)
	require.NoError(t, err)
	require.Equal(t, int64(0), value)

	require.NoError(t, s.SaveCheckpoint(ctx, rewards.LockEventsCheckpoint, 42))
	value, err = s.GetCheckpoint(ctx, rewards.LockEventsCheckpoint)
	require.NoError(t, err)
	require.Equal(t, int64(42), value)

	// Saving again overwrites.
	require.NoError(t, s.SaveCheckpoint(ctx, rewards.LockEventsCheckpoint, 43))
	value, err = s.GetCheckpoint(ctx, rewards.LockEventsCheckpoint)
	require.NoError(t, err)
	require.Equal(t, int64(43), value)

	// Checkpoints are independent per name.
	value, err = s.GetCheckpoint(ctx, rewards.EpochCheckpoint)
	require.NoError(t, err)
	require.Equal(t, int64(0), value)
}

func TestSettler_Store_NewLockPositionEvents_Paging(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	events := []rewards.NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(100), BlockTimestamp: 10, Expiry: 1000},
		{VID: 2, User: "0xbb", NewTotalAmountLocked: bigInt(200), BlockTimestamp: 20, Expiry: 2000},
		{VID: 3, User: "0xaa", NewTotalAmountLocked: bigInt(300), BlockTimestamp: 30, Expiry: 3000},
	}
	require.NoError(t, s.SaveNewLockPositionEvents(ctx, events))

	got, err := s.GetNewLockPositionEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, events[:2], got)

	// The cursor is exclusive; the next page starts after the last seen vid.
	got, err = s.GetNewLockPositionEvents(ctx, 2, 100)
	require.NoError(t, err)
	require.Equal(t, events[2:], got)

	got, err = s.GetNewLockPositionEvents(ctx, 3, 100)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSettler_Store_SaveLockPositions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	positions := []rewards.LockPosition{
		{User: "0xaa", AmountLocked: bigInt(500), Start: 10, Expiry: 1000},
		{User: "0xaa", AmountLocked: bigInt(250), Start: 20, Expiry: 1000},
		{User: "0xbb", AmountLocked: bigInt(900), Start: 15, Expiry: 2000},
	}
	require.NoError(t, s.SaveLockPositions(ctx, rewards.LockEventsCheckpoint, 7, positions))

	// The checkpoint advances in the same transaction.
	value, err := s.GetCheckpoint(ctx, rewards.LockEventsCheckpoint)
	require.NoError(t, err)
	require.Equal(t, int64(7), value)

	got, err := s.GetLockPositions(ctx, "0xaa")
	require.NoError(t, err)
	require.Equal(t, positions[:2], got)

	// Re-saving a cohort updates amount and expiry; a zero amount deletes it.
	update := []rewards.LockPosition{
		{User: "0xaa", AmountLocked: bigInt(400), Start: 10, Expiry: 1500},
		{User: "0xaa", AmountLocked: bigInt(0), Start: 20, Expiry: 1500},
	}
	require.NoError(t, s.SaveLockPositions(ctx, rewards.LockEventsCheckpoint, 8, update))

	got, err = s.GetLockPositions(ctx, "0xaa")
	require.NoError(t, err)
	require.Equal(t, []rewards.LockPosition{
		{User: "0xaa", AmountLocked: bigInt(400), Start: 10, Expiry: 1500},
	}, got)

	// Other users are untouched.
	got, err = s.GetLockPositions(ctx, "0xbb")
	require.NoError(t, err)
	require.Equal(t, positions[2:], got)
}

func TestSettler_Store_GetActiveLockPositions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	positions := []rewards.LockPosition{
		{User: "0xaa", AmountLocked: bigInt(100), Start: 10, Expiry: 500},
		{User: "0xaa", AmountLocked: bigInt(200), Start: 50, Expiry: 5000},
		{User: "0xbb", AmountLocked: bigInt(300), Start: 2000, Expiry: 5000},
		{User: "0xcc", AmountLocked: bigInt(400), Start: 30, Expiry: 5000},
	}
	require.NoError(t, s.SaveLockPositions(ctx, rewards.LockEventsCheckpoint, 1, positions))

	// Expired cohorts and cohorts starting after the window are excluded.
	got, err := s.GetActiveLockPositions(ctx, 1000, 1000)
	require.NoError(t, err)
	require.Equal(t, []rewards.LockPosition{
		{User: "0xaa", AmountLocked: bigInt(200), Start: 50, Expiry: 5000},
		{User: "0xcc", AmountLocked: bigInt(400), Start: 30, Expiry: 5000},
	}, got)

	// Both bounds are strict.
	got, err = s.GetActiveLockPositions(ctx, 5000, 10000)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSettler_Store_GetVotes_SumsPerDomain(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.SaveVoteCasts(ctx, 1000, []rewards.DomainVote{
		{Domain: "1", Votes: bigInt(100)},
		{Domain: "10", Votes: bigInt(50)},
		{Domain: "1", Votes: bigInt(25)},
	}))
	require.NoError(t, s.SaveVoteCasts(ctx, 2000, []rewards.DomainVote{
		{Domain: "1", Votes: bigInt(999)},
	}))

	got, err := s.GetVotes(ctx, 1000)
	require.NoError(t, err)
	require.Equal(t, []rewards.DomainVote{
		{Domain: "1", Votes: bigInt(125)},
		{Domain: "10", Votes: bigInt(50)},
	}, got)

	got, err = s.GetVotes(ctx, 3000)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSettler_Store_GetSettledIntentsInEpoch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	intents := []Intent{
		{ID: "0x01", Initiator: "0xaa", OriginDomain: "1", SettlementDomain: "10", SettlementStatus: "SETTLED", SettlementAsset: "0xdd", SettlementAmount: bigInt(100), SettlementTimestamp: 1100, OriginTimestamp: 1000},
		{ID: "0x02", Initiator: "0xbb", OriginDomain: "1", SettlementDomain: "10", SettlementStatus: "SETTLED", SettlementAsset: "0xdd", SettlementAmount: bigInt(200), SettlementTimestamp: 1050, OriginTimestamp: 1000},
		// Wrong status.
		{ID: "0x03", Initiator: "0xcc", OriginDomain: "1", SettlementDomain: "10", SettlementStatus: "DISPATCHED", SettlementAsset: "0xdd", SettlementAmount: bigInt(300), SettlementTimestamp: 1060, OriginTimestamp: 1000},
		// Wrong domain.
		{ID: "0x04", Initiator: "0xaa", OriginDomain: "1", SettlementDomain: "1", SettlementStatus: "SETTLED", SettlementAsset: "0xdd", SettlementAmount: bigInt(400), SettlementTimestamp: 1070, OriginTimestamp: 1000},
		// At the exclusive upper bound.
		{ID: "0x05", Initiator: "0xaa", OriginDomain: "1", SettlementDomain: "10", SettlementStatus: "SETTLED", SettlementAsset: "0xdd", SettlementAmount: bigInt(500), SettlementTimestamp: 2000, OriginTimestamp: 1900},
	}
	require.NoError(t, s.SaveIntents(ctx, intents))

	got, err := s.GetSettledIntentsInEpoch(ctx, "10", 1000, 2000)
	require.NoError(t, err)
	require.Equal(t, []rewards.SettledIntent{
		{ID: "0x02", Initiator: "0xbb", Asset: "0xdd", Amount: bigInt(200), Timestamp: 1050},
		{ID: "0x01", Initiator: "0xaa", Asset: "0xdd", Amount: bigInt(100), Timestamp: 1100},
	}, got)

	// Upserting a settlement moves an intent into the window.
	intents[2].SettlementStatus = "SETTLED"
	require.NoError(t, s.SaveIntents(ctx, intents[2:3]))
	got, err = s.GetSettledIntentsInEpoch(ctx, "10", 1000, 2000)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestSettler_Store_GetLatestMerkleTrees(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	at := func(epoch int64) time.Time { return time.Unix(epoch, 0).UTC() }
	trees := []rewards.MerkleTreeRecord{
		{Asset: "0xaa", Root: "0x01", Proof: "0xp1", EpochEndTimestamp: at(1000), Tree: []byte(`{"v":1}`)},
		{Asset: "0xaa", Root: "0x02", Proof: "0xp2", EpochEndTimestamp: at(2000), Tree: []byte(`{"v":2}`)},
		{Asset: "0xbb", Root: "0x03", Proof: "0xp3", EpochEndTimestamp: at(1000), Tree: []byte(`{"v":3}`)},
		{Asset: "0xbb", Root: "0x04", Proof: "0xp4", EpochEndTimestamp: at(3000), Tree: []byte(`{"v":4}`)},
	}
	require.NoError(t, s.SaveMerkleTrees(ctx, trees))

	// One tree per asset: the newest at or before the cutoff.
	got, err := s.GetLatestMerkleTrees(ctx, at(2000))
	require.NoError(t, err)
	require.Equal(t, []rewards.MerkleTreeRecord{trees[1], trees[2]}, got)

	got, err = s.GetLatestMerkleTrees(ctx, at(3000))
	require.NoError(t, err)
	require.Equal(t, []rewards.MerkleTreeRecord{trees[1], trees[3]}, got)

	// Nothing persisted before the cutoff.
	got, err = s.GetLatestMerkleTrees(ctx, at(500))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSettler_Store_SaveRewards_ProofRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()
	epochTime := time.Unix(5000, 0).UTC()

	row := rewards.RewardRow{
		Account:          "0xaa",
		Asset:            "0xdd",
		MerkleRoot:       "0x01",
		Proof:            []string{"0xabc", "0xdef"},
		StakeAPY:         bigInt(1000),
		StakeRewards:     bigInt(12345),
		TotalClearStaked: bigInt(99999),
		ProtocolRewards:  bigInt(777),
		CumulativeReward: bigInt(13122),
		EpochTimestamp:   epochTime,
	}
	require.NoError(t, s.SaveRewards(ctx, []rewards.RewardRow{row}))

	var proof []string
	var cumulative string
	var at time.Time
	err := s.Pool().QueryRow(ctx, `
		SELECT proof, cumulative_rewards::text, epoch_timestamp
		FROM rewards WHERE account = $1 AND asset = $2`, "0xaa", "0xdd").
		Scan(&proof, &cumulative, &at)
	require.NoError(t, err)
	require.Equal(t, row.Proof, proof)
	require.Equal(t, "13122", cumulative)
	require.True(t, epochTime.Equal(at))
}

func TestSettler_Store_SaveEpochResults(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()
	epochTime := time.Unix(5000, 0).UTC()

	results := []rewards.EpochResultRow{
		{Account: "0xaa", Domain: "10", UserVolume: bigInt(100), TotalVolume: bigInt(400), ClearEmissions: bigInt(50), CumulativeReward: bigInt(50), EpochTimestamp: epochTime},
		{Account: "0xbb", Domain: "10", UserVolume: bigInt(300), TotalVolume: bigInt(400), ClearEmissions: bigInt(150), CumulativeReward: bigInt(150), EpochTimestamp: epochTime},
	}
	require.NoError(t, s.SaveEpochResults(ctx, results))

	var count int
	var total string
	err := s.Pool().QueryRow(ctx, `
		SELECT COUNT(*), MAX(total_volume::text)
		FROM epoch_results WHERE epoch_timestamp = $1`, epochTime).
		Scan(&count, &total)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, "400", total)
}
