package rewards

import "errors"

// The reward pipeline error taxonomy. All of these are fatal for the current
// invocation: the epoch checkpoint is written last, so aborting leaves the
// epoch fully re-computable on the next run. Callers wrap these with
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// ErrNewLockPositionZero means the first-ever lock event for a user
	// carried a zero amount, which the tokenomics contract never emits.
	ErrNewLockPositionZero = errors.New("first new lock position is zero")

	// ErrInvalidAsset means a referenced asset has no price or decimals
	// configuration.
	ErrInvalidAsset = errors.New("invalid asset")

	// ErrInvalidState means a computed value violated an invariant:
	// a negative reward term, a pool exceeding its configured cap, a
	// negative merged leaf, or a distributed user without a proof.
	ErrInvalidState = errors.New("invalid calculation state")

	// ErrInvalidAddressProof means a non-trivial merkle tree produced an
	// empty inclusion proof for one of its leaves.
	ErrInvalidAddressProof = errors.New("invalid address merkle proof")
)
