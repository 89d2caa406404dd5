package rewards

// Checkpoint names used in the checkpoints table. The lock-event checkpoint
// tracks the last processed new_lock_positions vid; the epoch checkpoint
// tracks the last fully settled epoch start timestamp.
const (
	LockEventsCheckpoint = "settler_rewards_last_processed_new_lock_position_vid"
	EpochCheckpoint      = "settler_rewards_epoch"
)

const (
	MonthSeconds = 30 * 24 * 60 * 60
	YearSeconds  = 365 * 24 * 60 * 60

	// APYScale preserves 3 d.p. of bps precision through the per-position
	// reward computation and is divided back out at the end.
	APYScale = 1_000

	// bps have 4 d.p. (1 bps = 1/10000), dbps have 5 d.p.
	DBPSScale = 100_000

	// All USD amounts are scaled by USDScale before big-int math, giving
	// 6 d.p. of accuracy, which is enough for volume accounting.
	USDScale = 1_000_000
)
