package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/everclear-protocol/settler/pkg/metrics"
)

const defaultReconcileBatchLimit = 100

type ReconcilerConfig struct {
	Logger     *slog.Logger
	Store      LockStore
	BatchLimit int
}

func (cfg *ReconcilerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultReconcileBatchLimit
	}
	return nil
}

// Reconciler folds the ordered new-lock-position event stream into discrete
// per-user cohorts.
//
// Each event carries the latest state of a user's stake: the new total locked
// amount and the latest expiry. The reconciler separates positions created at
// different times:
//   - on an increase, the delta is added to the cohort sharing the event's
//     block timestamp, or a new cohort is appended;
//   - on an unchanged total, only the lock period was extended;
//   - on a decrease (early exit), the earliest cohorts are consumed until the
//     removed amount matches the difference;
//   - in every case the expiry of all of the user's cohorts is moved to the
//     event's expiry (the tokenomics contract guarantees it never decreases).
type Reconciler struct {
	log *slog.Logger
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg}, nil
}

// Reconcile processes the next batch of lock events after the stored
// checkpoint and persists the result atomically. It returns the number of
// events processed; callers loop until it returns 0 to guarantee a full
// drain before computing an epoch.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	vid, err := r.cfg.Store.GetCheckpoint(ctx, LockEventsCheckpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock events checkpoint: %w", err)
	}

	events, err := r.cfg.Store.GetNewLockPositionEvents(ctx, vid, r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to read new lock position events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	positions := map[string][]LockPosition{}
	totals := map[string]*big.Int{}
	var touched []string

	for _, event := range events {
		user := event.User
		newTotal := event.NewTotalAmountLocked

		if _, loaded := totals[user]; !loaded {
			existing, err := r.cfg.Store.GetLockPositions(ctx, user)
			if err != nil {
				return 0, fmt.Errorf("failed to load lock positions for %s: %w", user, err)
			}
			touched = append(touched, user)
			if len(existing) == 0 {
				// First lock position ever, or the user previously
				// withdrew everything.
				if newTotal.Sign() == 0 {
					r.log.Error("invalid new lock position",
						"user", user, "vid", event.VID)
					return 0, fmt.Errorf("user %s vid %d: %w", user, event.VID, ErrNewLockPositionZero)
				}
				positions[user] = []LockPosition{{
					User:         user,
					AmountLocked: new(big.Int).Set(newTotal),
					Start:        event.BlockTimestamp,
					Expiry:       event.Expiry,
				}}
				totals[user] = new(big.Int).Set(newTotal)
				continue
			}
			sum := new(big.Int)
			for _, pos := range existing {
				sum.Add(sum, pos.AmountLocked)
			}
			positions[user] = existing
			totals[user] = sum
		}

		userTotal := totals[user]
		userPositions := positions[user]

		switch newTotal.Cmp(userTotal) {
		case 1:
			// Lock position increased. Merge into the cohort that
			// starts at the same time, if one exists.
			delta := new(big.Int).Sub(newTotal, userTotal)
			merged := false
			for i := range userPositions {
				if userPositions[i].Start == event.BlockTimestamp {
					userPositions[i].AmountLocked = new(big.Int).Add(userPositions[i].AmountLocked, delta)
					merged = true
					break
				}
			}
			if !merged {
				userPositions = append(userPositions, LockPosition{
					User:         user,
					AmountLocked: delta,
					Start:        event.BlockTimestamp,
					Expiry:       event.Expiry,
				})
			}
		case -1:
			// Early exit: consume the earliest cohorts until the
			// unlocked amount is covered.
			unlocked := new(big.Int).Sub(userTotal, newTotal)
			for i := 0; i < len(userPositions) && unlocked.Sign() > 0; i++ {
				locked := userPositions[i].AmountLocked
				if unlocked.Cmp(locked) >= 0 {
					unlocked.Sub(unlocked, locked)
					userPositions[i].AmountLocked = new(big.Int)
				} else {
					userPositions[i].AmountLocked = new(big.Int).Sub(locked, unlocked)
					unlocked.SetInt64(0)
				}
			}
		}

		// The expiry of every cohort moves forward with each event.
		for i := range userPositions {
			userPositions[i].Expiry = event.Expiry
		}

		positions[user] = userPositions
		totals[user] = new(big.Int).Set(newTotal)
	}

	var replacement []LockPosition
	for _, user := range touched {
		replacement = append(replacement, positions[user]...)
	}

	lastVID := events[len(events)-1].VID
	if err := r.cfg.Store.SaveLockPositions(ctx, LockEventsCheckpoint, lastVID, replacement); err != nil {
		return 0, fmt.Errorf("failed to save lock positions: %w", err)
	}

	metrics.LockEventsProcessedTotal.Add(float64(len(events)))
	r.log.Debug("reconciled lock positions",
		"events", len(events), "users", len(touched), "last_vid", lastVID)

	return len(events), nil
}
