package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// chunkSize bounds how many rows go into a single batched INSERT statement.
const chunkSize = 120

// execer is satisfied by both *sql.DB and *sql.Tx, letting the same write
// helpers run either standalone or as part of a larger transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertTreasury appends a new treasury snapshot.
func (s *Store) InsertTreasury(ctx context.Context, t Treasury) error {
	return insertTreasury(ctx, s.db, t)
}

func insertTreasury(ctx context.Context, ex execer, t Treasury) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO treasury (balance, motherlode, total_staked, total_unclaimed, total_refined, miner_rewards_factor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Balance, t.Motherlode, t.TotalStaked, t.TotalUnclaimed, t.TotalRefined, t.MinerRewardsFactor, t.CreatedAt)
	return err
}

// LatestTreasury returns the most recently recorded treasury snapshot.
func (s *Store) LatestTreasury(ctx context.Context) (*Treasury, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, balance, motherlode, total_staked, total_unclaimed, total_refined, miner_rewards_factor, created_at
		FROM treasury ORDER BY id DESC LIMIT 1`)
	var t Treasury
	if err := row.Scan(&t.ID, &t.Balance, &t.Motherlode, &t.TotalStaked, &t.TotalUnclaimed, &t.TotalRefined, &t.MinerRewardsFactor, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Treasuries returns recent treasury snapshots, newest first.
func (s *Store) Treasuries(ctx context.Context, limit, offset int) ([]Treasury, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance, motherlode, total_staked, total_unclaimed, total_refined, miner_rewards_factor, created_at
		FROM treasury ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Treasury
	for rows.Next() {
		var t Treasury
		if err := rows.Scan(&t.ID, &t.Balance, &t.Motherlode, &t.TotalStaked, &t.TotalUnclaimed, &t.TotalRefined, &t.MinerRewardsFactor, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertRound inserts or overwrites a round row, keyed by round id. This is
// the only way a round's contents change, so re-running it with identical
// inputs is a no-op.
func (s *Store) UpsertRound(ctx context.Context, r Round) error {
	return upsertRound(ctx, s.db, r)
}

func upsertRound(ctx context.Context, ex execer, r Round) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO rounds (id, slot_hash, winning_square, expires_at, motherlode, rent_payer, top_miner, top_miner_reward, total_deployed, total_vaulted, total_winnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slot_hash=excluded.slot_hash,
			winning_square=excluded.winning_square,
			expires_at=excluded.expires_at,
			motherlode=excluded.motherlode,
			rent_payer=excluded.rent_payer,
			top_miner=excluded.top_miner,
			top_miner_reward=excluded.top_miner_reward,
			total_deployed=excluded.total_deployed,
			total_vaulted=excluded.total_vaulted,
			total_winnings=excluded.total_winnings,
			created_at=excluded.created_at`,
		r.RoundID, r.SlotHash, r.WinningSquare, r.ExpiresAt, r.Motherlode, r.RentPayer, r.TopMiner, r.TopMinerReward,
		r.TotalDeployed, r.TotalVaulted, r.TotalWinnings, r.CreatedAt)
	return err
}

const roundColumns = `id, slot_hash, winning_square, expires_at, motherlode, rent_payer, top_miner, top_miner_reward, total_deployed, total_vaulted, total_winnings, created_at`

func scanRound(row interface{ Scan(...any) error }) (*Round, error) {
	var r Round
	err := row.Scan(&r.RoundID, &r.SlotHash, &r.WinningSquare, &r.ExpiresAt, &r.Motherlode, &r.RentPayer, &r.TopMiner,
		&r.TopMinerReward, &r.TotalDeployed, &r.TotalVaulted, &r.TotalWinnings, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RoundByID fetches one round by its id.
func (s *Store) RoundByID(ctx context.Context, id uint64) (*Round, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id)
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// LatestRound returns the most recently finalized round.
func (s *Store) LatestRound(ctx context.Context) (*Round, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY id DESC LIMIT 1`)
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// Rounds returns recent rounds, newest first, optionally filtered to rounds
// with a nonzero motherlode. Cursor paging is used when cursor != nil
// (strictly-less-than id), offset paging otherwise.
func (s *Store) Rounds(ctx context.Context, limit, offset int, cursor *uint64, motherlodeOnly bool) ([]Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE 1=1`
	args := []any{}
	if motherlodeOnly {
		query += ` AND motherlode > 0`
	}
	if cursor != nil {
		query += ` AND id < ?`
		args = append(args, *cursor)
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// InsertDeployments writes deployment rows in chunks inside a transaction.
func (s *Store) InsertDeployments(ctx context.Context, deployments []Deployment) error {
	if len(deployments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for start := 0; start < len(deployments); start += chunkSize {
		end := start + chunkSize
		if end > len(deployments) {
			end = len(deployments)
		}
		if err := insertDeploymentChunk(ctx, tx, deployments[start:end]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertDeploymentChunk(ctx context.Context, tx *sql.Tx, chunk []Deployment) error {
	query := `INSERT INTO deployments (round_id, pubkey, square_id, amount, sol_earned, ore_earned, unclaimed_ore, created_at) VALUES `
	args := make([]any, 0, len(chunk)*8)
	for i, d := range chunk {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, d.RoundID, d.Pubkey, d.SquareID, d.Amount, d.SolEarned, d.OreEarned, d.UnclaimedOre, d.CreatedAt)
	}
	query += ` ON CONFLICT(round_id, pubkey, square_id) DO UPDATE SET
		amount=excluded.amount, sol_earned=excluded.sol_earned, ore_earned=excluded.ore_earned,
		unclaimed_ore=excluded.unclaimed_ore, created_at=excluded.created_at`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DeploymentsByRound returns every deployment for a round, ordered by
// ore_earned descending.
func (s *Store) DeploymentsByRound(ctx context.Context, roundID uint64) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_id, pubkey, square_id, amount, sol_earned, ore_earned, unclaimed_ore, created_at
		FROM deployments WHERE round_id = ? ORDER BY ore_earned DESC`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.RoundID, &d.Pubkey, &d.SquareID, &d.Amount, &d.SolEarned, &d.OreEarned, &d.UnclaimedOre, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertMinerSnapshots writes miner snapshot rows in chunks inside a
// transaction.
func (s *Store) InsertMinerSnapshots(ctx context.Context, snapshots []MinerSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for start := 0; start < len(snapshots); start += chunkSize {
		end := start + chunkSize
		if end > len(snapshots) {
			end = len(snapshots)
		}
		if err := insertMinerSnapshotChunk(ctx, tx, snapshots[start:end]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMinerSnapshotChunk(ctx context.Context, tx *sql.Tx, chunk []MinerSnapshot) error {
	query := `INSERT INTO miner_snapshots (pubkey, unclaimed_ore, unclaimed_sol, refined_ore, lifetime_sol, lifetime_ore, created_at) VALUES `
	args := make([]any, 0, len(chunk)*7)
	for i, m := range chunk {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?)"
		args = append(args, m.Pubkey, m.UnclaimedOre, m.UnclaimedSol, m.RefinedOre, m.LifetimeSol, m.LifetimeOre, m.CreatedAt)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// PersistRound writes a finalized round's deployments, miner snapshots,
// round row, and (if taken) treasury snapshot in a single transaction, so a
// reader never observes a round as partially recorded: it is either fully
// present or fully absent.
func (s *Store) PersistRound(ctx context.Context, deployments []Deployment, snapshots []MinerSnapshot, round Round, treasury *Treasury) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for start := 0; start < len(deployments); start += chunkSize {
		end := start + chunkSize
		if end > len(deployments) {
			end = len(deployments)
		}
		if err := insertDeploymentChunk(ctx, tx, deployments[start:end]); err != nil {
			return err
		}
	}

	for start := 0; start < len(snapshots); start += chunkSize {
		end := start + chunkSize
		if end > len(snapshots) {
			end = len(snapshots)
		}
		if err := insertMinerSnapshotChunk(ctx, tx, snapshots[start:end]); err != nil {
			return err
		}
	}

	if err := upsertRound(ctx, tx, round); err != nil {
		return err
	}

	if treasury != nil {
		if err := insertTreasury(ctx, tx, *treasury); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MinerTotalsByPubkey reads a miner's maintained all-time totals directly
// from the MinerTotals table (the fast path).
func (s *Store) MinerTotalsByPubkey(ctx context.Context, pubkey string) (*MinerTotals, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, rounds_played, rounds_won, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_change
		FROM miner_totals WHERE pubkey = ?`, pubkey)
	var t MinerTotals
	if err := row.Scan(&t.Pubkey, &t.RoundsPlayed, &t.RoundsWon, &t.TotalSolDeployed, &t.TotalSolEarned, &t.TotalOreEarned, &t.NetSolChange); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// MinerSnapshots returns a miner's snapshot history, newest first.
func (s *Store) MinerSnapshots(ctx context.Context, pubkey string, limit, offset int) ([]MinerSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pubkey, unclaimed_ore, unclaimed_sol, refined_ore, lifetime_sol, lifetime_ore, created_at
		FROM miner_snapshots WHERE pubkey = ? ORDER BY id DESC LIMIT ? OFFSET ?`, pubkey, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MinerSnapshot
	for rows.Next() {
		var m MinerSnapshot
		if err := rows.Scan(&m.ID, &m.Pubkey, &m.UnclaimedOre, &m.UnclaimedSol, &m.RefinedOre, &m.LifetimeSol, &m.LifetimeOre, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestMinerSnapshotsByPubkey returns, for each distinct pubkey, its most
// recent snapshot row, used to build the current miner list.
func (s *Store) LatestMinerSnapshotsByPubkey(ctx context.Context, limit, offset int, orderBy string) ([]MinerSnapshot, error) {
	order := "s.id DESC"
	switch orderBy {
	case "unclaimed_sol":
		order = "s.unclaimed_sol DESC"
	case "unclaimed_ore":
		order = "s.unclaimed_ore DESC"
	case "refined_ore":
		order = "s.refined_ore DESC"
	case "total_deployed":
		order = "s.lifetime_sol DESC"
	case "round_id":
		order = "s.id DESC"
	}

	query := fmt.Sprintf(`
		SELECT s.id, s.pubkey, s.unclaimed_ore, s.unclaimed_sol, s.refined_ore, s.lifetime_sol, s.lifetime_ore, s.created_at
		FROM miner_snapshots s
		INNER JOIN (SELECT pubkey, MAX(id) AS max_id FROM miner_snapshots GROUP BY pubkey) latest
			ON latest.pubkey = s.pubkey AND latest.max_id = s.id
		ORDER BY %s LIMIT ? OFFSET ?`, order)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MinerSnapshot
	for rows.Next() {
		var m MinerSnapshot
		if err := rows.Scan(&m.ID, &m.Pubkey, &m.UnclaimedOre, &m.UnclaimedSol, &m.RefinedOre, &m.LifetimeSol, &m.LifetimeOre, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
