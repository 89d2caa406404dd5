package rewards_test

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	. "github.com/everclear-protocol/settler/pkg/rewards"
)

// fakeStore is an in-memory stand-in for the postgres store, implementing the
// slices the calculators need with the same semantics.
type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[string]int64
	events      []NewLockPositionEvent
	positions   map[string][]LockPosition
	votes       map[int64][]DomainVote
	intents     map[string][]SettledIntent

	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkpoints: map[string]int64{},
		positions:   map[string][]LockPosition{},
		votes:       map[int64][]DomainVote{},
		intents:     map[string][]SettledIntent{},
	}
}

func (f *fakeStore) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[name], nil
}

func (f *fakeStore) GetNewLockPositionEvents(ctx context.Context, sinceVID int64, limit int) ([]NewLockPositionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []NewLockPositionEvent
	for _, ev := range f.events {
		if ev.VID > sinceVID {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetLockPositions(ctx context.Context, user string) ([]LockPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LockPosition, len(f.positions[user]))
	copy(out, f.positions[user])
	return out, nil
}

func (f *fakeStore) GetActiveLockPositions(ctx context.Context, expiryAfter, startBefore int64) ([]LockPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []string
	for user := range f.positions {
		users = append(users, user)
	}
	sort.Strings(users)
	var out []LockPosition
	for _, user := range users {
		for _, pos := range f.positions[user] {
			if pos.Expiry > expiryAfter && pos.Start < startBefore {
				out = append(out, pos)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) SaveLockPositions(ctx context.Context, checkpoint string, vid int64, positions []LockPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	f.checkpoints[checkpoint] = vid
	for _, pos := range positions {
		existing := f.positions[pos.User]
		idx := -1
		for i := range existing {
			if existing[i].Start == pos.Start {
				idx = i
				break
			}
		}
		switch {
		case pos.AmountLocked.Sign() == 0:
			if idx >= 0 {
				f.positions[pos.User] = append(existing[:idx], existing[idx+1:]...)
			}
		case idx >= 0:
			existing[idx] = pos
		default:
			existing = append(existing, pos)
			sort.Slice(existing, func(a, b int) bool { return existing[a].Start < existing[b].Start })
			f.positions[pos.User] = existing
		}
	}
	return nil
}

func (f *fakeStore) GetVotes(ctx context.Context, epoch int64) ([]DomainVote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.votes[epoch], nil
}

func (f *fakeStore) GetSettledIntentsInEpoch(ctx context.Context, domain string, from, to int64) ([]SettledIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SettledIntent
	for _, in := range f.intents[domain] {
		if in.Timestamp >= from && in.Timestamp < to {
			out = append(out, in)
		}
	}
	return out, nil
}

// fakeOracle prices assets by address.
type fakeOracle struct {
	prices map[string]float64
	calls  int
}

func (f *fakeOracle) HistoricPrice(ctx context.Context, asset AssetConfig, at time.Time) (float64, error) {
	f.calls++
	price, ok := f.prices[asset.Address]
	if !ok {
		return 0, fmt.Errorf("no price for %s: %w", asset.Address, ErrInvalidAsset)
	}
	return price, nil
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }

func bigStr(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big int literal " + s)
	}
	return v
}
