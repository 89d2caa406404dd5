// Package store is the PostgreSQL persistence layer of the settler. It holds
// the mirrored tokenomics events and settled intents the calculators read,
// the reconciled lock-position cohorts, and the settlement outputs (merkle
// trees, epoch results, reward rows, checkpoints).
//
// Token amounts travel as NUMERIC(78,0) so the full uint256 range survives
// round-trips; they are read back through ::text casts into big.Int.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/everclear-protocol/settler/pkg/rewards"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// Store wraps a pgx connection pool with the settler's query surface.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate store config: %w", err)
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

// Connect builds a pooled connection from a postgres URL and pings it.
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(connStr string) error {
	goose.SetBaseFS(EmbedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

func numericArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// GetCheckpoint returns the stored checkpoint value, or 0 when the checkpoint
// has never been written.
func (s *Store) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx,
		`SELECT check_point FROM checkpoints WHERE check_name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint %s: %w", name, err)
	}
	return value, nil
}

// SaveCheckpoint upserts a checkpoint value.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, value int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (check_name, check_point) VALUES ($1, $2)
		ON CONFLICT (check_name) DO UPDATE SET check_point = EXCLUDED.check_point`,
		name, value)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}

// SaveNewLockPositionEvents inserts mirrored tokenomics lock events. Used by
// the backfill tooling and tests; the regular write path is the external
// chain indexer.
func (s *Store) SaveNewLockPositionEvents(ctx context.Context, events []rewards.NewLockPositionEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO new_lock_positions (vid, "user", new_total_amount_locked, block_timestamp, expiry)
			VALUES ($1, $2, $3, $4, $5)`,
			ev.VID, ev.User, numericArg(ev.NewTotalAmountLocked), ev.BlockTimestamp, ev.Expiry)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save new lock position events: %w", err)
	}
	return nil
}

// GetNewLockPositionEvents returns up to limit lock events with vid strictly
// greater than sinceVID, in vid order.
func (s *Store) GetNewLockPositionEvents(ctx context.Context, sinceVID int64, limit int) ([]rewards.NewLockPositionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vid, "user", new_total_amount_locked::text, block_timestamp, expiry
		FROM new_lock_positions
		WHERE vid > $1
		ORDER BY vid ASC
		LIMIT $2`, sinceVID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get new lock position events: %w", err)
	}
	defer rows.Close()

	var events []rewards.NewLockPositionEvent
	for rows.Next() {
		var ev rewards.NewLockPositionEvent
		var amount string
		if err := rows.Scan(&ev.VID, &ev.User, &amount, &ev.BlockTimestamp, &ev.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan new lock position event: %w", err)
		}
		if ev.NewTotalAmountLocked, err = parseNumeric(amount); err != nil {
			return nil, fmt.Errorf("failed to parse lock event amount: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetLockPositions returns a user's cohorts ordered by start.
func (s *Store) GetLockPositions(ctx context.Context, user string) ([]rewards.LockPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT "user", amount_locked::text, "start", expiry
		FROM lock_positions
		WHERE "user" = $1
		ORDER BY "start" ASC`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock positions for %s: %w", user, err)
	}
	defer rows.Close()
	return scanLockPositions(rows)
}

// GetActiveLockPositions returns every cohort with expiry after expiryAfter
// and start before startBefore, ordered by user and start.
func (s *Store) GetActiveLockPositions(ctx context.Context, expiryAfter, startBefore int64) ([]rewards.LockPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT "user", amount_locked::text, "start", expiry
		FROM lock_positions
		WHERE expiry > $1 AND "start" < $2
		ORDER BY "user" ASC, "start" ASC`, expiryAfter, startBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to get active lock positions: %w", err)
	}
	defer rows.Close()
	return scanLockPositions(rows)
}

func scanLockPositions(rows pgx.Rows) ([]rewards.LockPosition, error) {
	var positions []rewards.LockPosition
	for rows.Next() {
		var pos rewards.LockPosition
		var amount string
		if err := rows.Scan(&pos.User, &amount, &pos.Start, &pos.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan lock position: %w", err)
		}
		var err error
		if pos.AmountLocked, err = parseNumeric(amount); err != nil {
			return nil, fmt.Errorf("failed to parse lock position amount: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// SaveLockPositions atomically advances the lock-event checkpoint and writes
// the replacement cohort list of every touched user. Zero-amount cohorts are
// deleted, positive ones upserted. Serializable isolation keeps concurrent
// reconcilers from interleaving partial cohort lists.
func (s *Store) SaveLockPositions(ctx context.Context, checkpoint string, vid int64, positions []rewards.LockPosition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin lock position transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO checkpoints (check_name, check_point) VALUES ($1, $2)
		ON CONFLICT (check_name) DO UPDATE SET check_point = EXCLUDED.check_point`,
		checkpoint, vid); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", checkpoint, err)
	}

	for _, pos := range positions {
		if pos.AmountLocked.Sign() == 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM lock_positions WHERE "user" = $1 AND "start" = $2`,
				pos.User, pos.Start); err != nil {
				return fmt.Errorf("failed to delete drained lock position: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO lock_positions ("user", amount_locked, "start", expiry)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT ("user", "start") DO UPDATE
			SET amount_locked = EXCLUDED.amount_locked, expiry = EXCLUDED.expiry`,
			pos.User, numericArg(pos.AmountLocked), pos.Start, pos.Expiry); err != nil {
			return fmt.Errorf("failed to upsert lock position: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit lock positions: %w", err)
	}
	return nil
}

// SaveVoteCasts inserts gauge vote rows. Used by the backfill tooling and
// tests.
func (s *Store) SaveVoteCasts(ctx context.Context, epoch int64, votes []rewards.DomainVote) error {
	batch := &pgx.Batch{}
	for _, v := range votes {
		batch.Queue(`INSERT INTO vote_casts (domain, votes, epoch) VALUES ($1, $2, $3)`,
			v.Domain, numericArg(v.Votes), epoch)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save vote casts: %w", err)
	}
	return nil
}

// GetVotes returns the per-domain vote totals for an epoch.
func (s *Store) GetVotes(ctx context.Context, epoch int64) ([]rewards.DomainVote, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, SUM(votes)::text
		FROM vote_casts
		WHERE epoch = $1
		GROUP BY domain
		ORDER BY domain ASC`, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to get votes for epoch %d: %w", epoch, err)
	}
	defer rows.Close()

	var votes []rewards.DomainVote
	for rows.Next() {
		var v rewards.DomainVote
		var total string
		if err := rows.Scan(&v.Domain, &total); err != nil {
			return nil, fmt.Errorf("failed to scan vote total: %w", err)
		}
		if v.Votes, err = parseNumeric(total); err != nil {
			return nil, fmt.Errorf("failed to parse vote total: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// SaveIntents upserts settled intent rows. Used by the backfill tooling and
// tests.
func (s *Store) SaveIntents(ctx context.Context, intents []Intent) error {
	batch := &pgx.Batch{}
	for _, in := range intents {
		batch.Queue(`
			INSERT INTO intents (id, initiator, origin_domain, settlement_domain, settlement_status,
				settlement_asset, settlement_amount, settlement_timestamp, origin_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				settlement_domain = EXCLUDED.settlement_domain,
				settlement_status = EXCLUDED.settlement_status,
				settlement_asset = EXCLUDED.settlement_asset,
				settlement_amount = EXCLUDED.settlement_amount,
				settlement_timestamp = EXCLUDED.settlement_timestamp`,
			in.ID, in.Initiator, in.OriginDomain, in.SettlementDomain, in.SettlementStatus,
			in.SettlementAsset, numericArg(in.SettlementAmount), in.SettlementTimestamp, in.OriginTimestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save intents: %w", err)
	}
	return nil
}

// Intent is the full mirrored intent row; the volume calculator only sees the
// settled projection.
type Intent struct {
	ID                  string
	Initiator           string
	OriginDomain        string
	SettlementDomain    string
	SettlementStatus    string
	SettlementAsset     string
	SettlementAmount    *big.Int
	SettlementTimestamp int64
	OriginTimestamp     int64
}

// GetSettledIntentsInEpoch returns the intents settled on a domain inside
// [from, to), ordered by settlement time.
func (s *Store) GetSettledIntentsInEpoch(ctx context.Context, domain string, from, to int64) ([]rewards.SettledIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, initiator, settlement_asset, settlement_amount::text, settlement_timestamp
		FROM intents
		WHERE settlement_domain = $1
		  AND settlement_status = 'SETTLED'
		  AND settlement_timestamp >= $2
		  AND settlement_timestamp < $3
		ORDER BY settlement_timestamp ASC, id ASC`, domain, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get settled intents for domain %s: %w", domain, err)
	}
	defer rows.Close()

	var intents []rewards.SettledIntent
	for rows.Next() {
		var in rewards.SettledIntent
		var amount string
		if err := rows.Scan(&in.ID, &in.Initiator, &in.Asset, &amount, &in.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan settled intent: %w", err)
		}
		if in.Amount, err = parseNumeric(amount); err != nil {
			return nil, fmt.Errorf("failed to parse intent amount: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// GetLatestMerkleTrees returns, per asset, the most recent persisted tree
// with epoch_end_timestamp at or before the cutoff. These are the cumulative
// baselines a new epoch merges on top of.
func (s *Store) GetLatestMerkleTrees(ctx context.Context, cutoff time.Time) ([]rewards.MerkleTreeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (asset) asset, merkle_root, proof, epoch_end_timestamp, tree
		FROM merkle_trees
		WHERE epoch_end_timestamp <= $1
		ORDER BY asset ASC, epoch_end_timestamp DESC, id DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest merkle trees: %w", err)
	}
	defer rows.Close()

	var trees []rewards.MerkleTreeRecord
	for rows.Next() {
		var tr rewards.MerkleTreeRecord
		if err := rows.Scan(&tr.Asset, &tr.Root, &tr.Proof, &tr.EpochEndTimestamp, &tr.Tree); err != nil {
			return nil, fmt.Errorf("failed to scan merkle tree: %w", err)
		}
		trees = append(trees, tr)
	}
	return trees, rows.Err()
}

// SaveMerkleTrees persists the per-asset trees of one settled epoch.
func (s *Store) SaveMerkleTrees(ctx context.Context, trees []rewards.MerkleTreeRecord) error {
	batch := &pgx.Batch{}
	for _, tr := range trees {
		batch.Queue(`
			INSERT INTO merkle_trees (asset, merkle_root, proof, epoch_end_timestamp, tree)
			VALUES ($1, $2, $3, $4, $5)`,
			tr.Asset, tr.Root, tr.Proof, tr.EpochEndTimestamp, tr.Tree)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save merkle trees: %w", err)
	}
	return nil
}

// SaveEpochResults persists the per (user, domain) volume reports of one
// settled epoch.
func (s *Store) SaveEpochResults(ctx context.Context, results []rewards.EpochResultRow) error {
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			INSERT INTO epoch_results (account, domain, user_volume, total_volume,
				clear_emissions, cumulative_rewards, epoch_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.Account, r.Domain, numericArg(r.UserVolume), numericArg(r.TotalVolume),
			numericArg(r.ClearEmissions), numericArg(r.CumulativeReward), r.EpochTimestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save epoch results: %w", err)
	}
	return nil
}

// SaveRewards persists the denormalized per (asset, user) reward rows of one
// settled epoch.
func (s *Store) SaveRewards(ctx context.Context, rows []rewards.RewardRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO rewards (account, asset, merkle_root, proof, stake_apy, stake_rewards,
				total_clear_staked, protocol_rewards, cumulative_rewards, epoch_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.Account, r.Asset, r.MerkleRoot, r.Proof, numericArg(r.StakeAPY), numericArg(r.StakeRewards),
			numericArg(r.TotalClearStaked), numericArg(r.ProtocolRewards), numericArg(r.CumulativeReward),
			r.EpochTimestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save rewards: %w", err)
	}
	return nil
}
