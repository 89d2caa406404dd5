package rewards_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/everclear-protocol/settler/pkg/rewards"
	settlertesting "github.com/everclear-protocol/settler/utils/pkg/testing"
)

func newTestReconciler(t *testing.T, store *fakeStore, batchLimit int) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerConfig{
		Logger:     settlertesting.NewLogger(),
		Store:      store,
		BatchLimit: batchLimit,
	})
	require.NoError(t, err)
	return r
}

func TestSettler_Rewards_Reconciler_FirstLock(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(1000), BlockTimestamp: 100, Expiry: 200},
	}

	r := newTestReconciler(t, store, 0)
	n, err := r.Reconcile(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	positions, err := store.GetLockPositions(t.Context(), "0xaa")
	require.NoError(t, err)
	require.Equal(t, []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(1000), Start: 100, Expiry: 200},
	}, positions)
	require.Equal(t, int64(1), store.checkpoints[LockEventsCheckpoint])
}

func TestSettler_Rewards_Reconciler_IncreaseMergesSameStart(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(1000), BlockTimestamp: 100, Expiry: 200},
		{VID: 2, User: "0xaa", NewTotalAmountLocked: bigInt(1500), BlockTimestamp: 100, Expiry: 250},
	}

	r := newTestReconciler(t, store, 0)
	n, err := r.Reconcile(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	positions, err := store.GetLockPositions(t.Context(), "0xaa")
	require.NoError(t, err)
	require.Equal(t, []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(1500), Start: 100, Expiry: 250},
	}, positions)
}

func TestSettler_Rewards_Reconciler_IncreaseAppendsNewCohort(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(1000), BlockTimestamp: 100, Expiry: 200},
		{VID: 2, User: "0xaa", NewTotalAmountLocked: bigInt(1800), BlockTimestamp: 150, Expiry: 260},
	}

	r := newTestReconciler(t, store, 0)
	_, err := r.Reconcile(t.Context())
	require.NoError(t, err)

	positions, err := store.GetLockPositions(t.Context(), "0xaa")
	require.NoError(t, err)
	// Both cohorts carry the latest expiry.
	require.Equal(t, []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(1000), Start: 100, Expiry: 260},
		{User: "0xaa", AmountLocked: bigInt(800), Start: 150, Expiry: 260},
	}, positions)
}

func TestSettler_Rewards_Reconciler_PartialExitConsumesOldestFirst(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.positions["0xaa"] = []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(500), Start: 1, Expiry: 300},
		{User: "0xaa", AmountLocked: bigInt(500), Start: 2, Expiry: 300},
	}
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(300), BlockTimestamp: 250, Expiry: 300},
	}

	r := newTestReconciler(t, store, 0)
	_, err := r.Reconcile(t.Context())
	require.NoError(t, err)

	positions, err := store.GetLockPositions(t.Context(), "0xaa")
	require.NoError(t, err)
	// The first cohort is fully consumed (and deleted), the second reduced.
	require.Equal(t, []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(300), Start: 2, Expiry: 300},
	}, positions)
}

func TestSettler_Rewards_Reconciler_ExtendOnlyMovesExpiry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.positions["0xaa"] = []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(700), Start: 10, Expiry: 300},
	}
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(700), BlockTimestamp: 50, Expiry: 500},
	}

	r := newTestReconciler(t, store, 0)
	_, err := r.Reconcile(t.Context())
	require.NoError(t, err)

	positions, err := store.GetLockPositions(t.Context(), "0xaa")
	require.NoError(t, err)
	require.Equal(t, []LockPosition{
		{User: "0xaa", AmountLocked: bigInt(700), Start: 10, Expiry: 500},
	}, positions)
}

func TestSettler_Rewards_Reconciler_ZeroFirstLockFails(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: new(big.Int), BlockTimestamp: 100, Expiry: 200},
	}

	r := newTestReconciler(t, store, 0)
	_, err := r.Reconcile(t.Context())
	require.ErrorIs(t, err, ErrNewLockPositionZero)
	// Nothing persisted on failure.
	require.Equal(t, 0, store.saveCalls)
	require.Zero(t, store.checkpoints[LockEventsCheckpoint])
}

func TestSettler_Rewards_Reconciler_DrainReturnsZeroWhenCaughtUp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(100), BlockTimestamp: 1, Expiry: 50},
	}

	r := newTestReconciler(t, store, 0)
	n, err := r.Reconcile(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = r.Reconcile(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

// Replaying the same event log in batches of any size must land on the same
// cohorts as one big batch.
func TestSettler_Rewards_Reconciler_BatchSizeReproducibility(t *testing.T) {
	t.Parallel()

	events := []NewLockPositionEvent{
		{VID: 1, User: "0xaa", NewTotalAmountLocked: bigInt(1000), BlockTimestamp: 100, Expiry: 200},
		{VID: 2, User: "0xbb", NewTotalAmountLocked: bigInt(400), BlockTimestamp: 110, Expiry: 210},
		{VID: 3, User: "0xaa", NewTotalAmountLocked: bigInt(1800), BlockTimestamp: 150, Expiry: 260},
		{VID: 4, User: "0xaa", NewTotalAmountLocked: bigInt(600), BlockTimestamp: 180, Expiry: 260},
		{VID: 5, User: "0xbb", NewTotalAmountLocked: bigInt(400), BlockTimestamp: 190, Expiry: 400},
		{VID: 6, User: "0xaa", NewTotalAmountLocked: bigInt(900), BlockTimestamp: 200, Expiry: 300},
	}

	run := func(batchLimit int) map[string][]LockPosition {
		store := newFakeStore()
		store.events = events
		r := newTestReconciler(t, store, batchLimit)
		for {
			n, err := r.Reconcile(t.Context())
			require.NoError(t, err)
			if n == 0 {
				break
			}
		}
		return store.positions
	}

	want := run(100)
	for _, limit := range []int{1, 2, 3, 5} {
		require.Equal(t, want, run(limit), "batch limit %d diverged", limit)
	}
}
