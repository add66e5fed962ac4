package store

import (
	"context"
	"database/sql"
)

// FinalizeRoundAggregates brings MinerRoundStats and MinerTotals in sync
// with the Deployment rows for roundID. It is safe to call more than once
// for the same round: each call first subtracts whatever that round
// previously contributed to MinerTotals before adding the freshly
// recomputed contribution back in, so MinerTotals always equals the sum
// over MinerRoundStats regardless of how many times a round is reprocessed.
func (s *Store) FinalizeRoundAggregates(ctx context.Context, roundID uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prior, err := priorRoundStats(ctx, tx, roundID)
	if err != nil {
		return err
	}

	for _, p := range prior {
		if _, err := tx.ExecContext(ctx, `
			UPDATE miner_totals SET
				rounds_played = rounds_played - 1,
				rounds_won = rounds_won - ?,
				total_sol_deployed = total_sol_deployed - ?,
				total_sol_earned = total_sol_earned - ?,
				total_ore_earned = total_ore_earned - ?,
				net_sol_change = net_sol_change - ?
			WHERE pubkey = ?`,
			boolToInt(p.WonRound), p.TotalSolDeployed, p.TotalSolEarned, p.TotalOreEarned, p.NetSolRound, p.Pubkey); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO miner_round_stats (round_id, pubkey, total_sol_deployed, total_sol_earned, total_ore_earned, won_round, net_sol_round)
		SELECT d.round_id, d.pubkey,
			SUM(d.amount),
			SUM(d.sol_earned),
			SUM(d.ore_earned),
			MAX(CASE WHEN d.square_id = r.winning_square THEN 1 ELSE 0 END),
			SUM(d.sol_earned) - SUM(d.amount)
		FROM deployments d
		JOIN rounds r ON r.id = d.round_id
		WHERE d.round_id = ?
		GROUP BY d.round_id, d.pubkey
		ON CONFLICT(round_id, pubkey) DO UPDATE SET
			total_sol_deployed=excluded.total_sol_deployed,
			total_sol_earned=excluded.total_sol_earned,
			total_ore_earned=excluded.total_ore_earned,
			won_round=excluded.won_round,
			net_sol_round=excluded.net_sol_round`, roundID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO miner_totals (pubkey, rounds_played, rounds_won, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_change)
		SELECT s.pubkey, COUNT(*), SUM(s.won_round), SUM(s.total_sol_deployed), SUM(s.total_sol_earned), SUM(s.total_ore_earned), SUM(s.net_sol_round)
		FROM miner_round_stats s
		WHERE s.round_id = ?
		GROUP BY s.pubkey
		ON CONFLICT(pubkey) DO UPDATE SET
			rounds_played = miner_totals.rounds_played + excluded.rounds_played,
			rounds_won = miner_totals.rounds_won + excluded.rounds_won,
			total_sol_deployed = miner_totals.total_sol_deployed + excluded.total_sol_deployed,
			total_sol_earned = miner_totals.total_sol_earned + excluded.total_sol_earned,
			total_ore_earned = miner_totals.total_ore_earned + excluded.total_ore_earned,
			net_sol_change = miner_totals.net_sol_change + excluded.net_sol_change`, roundID); err != nil {
		return err
	}

	return tx.Commit()
}

type priorStat struct {
	Pubkey           string
	WonRound         bool
	TotalSolDeployed uint64
	TotalSolEarned   uint64
	TotalOreEarned   uint64
	NetSolRound      int64
}

func priorRoundStats(ctx context.Context, tx *sql.Tx, roundID uint64) ([]priorStat, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT pubkey, won_round, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_round
		FROM miner_round_stats WHERE round_id = ?`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []priorStat
	for rows.Next() {
		var p priorStat
		var won int
		if err := rows.Scan(&p.Pubkey, &won, &p.TotalSolDeployed, &p.TotalSolEarned, &p.TotalOreEarned, &p.NetSolRound); err != nil {
			return nil, err
		}
		p.WonRound = won != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordRoundHistory appends a summary row for a finalized round, an
// additive bookkeeping table independent of the idempotence-critical
// MinerRoundStats/MinerTotals pair.
func (s *Store) RecordRoundHistory(ctx context.Context, roundID uint64, finalizedAt int64, minersCount int, totalSolPaid, totalOrePaid uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO round_history (round_id, finalized_at, miners_count, total_sol_paid, total_ore_paid)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(round_id) DO UPDATE SET
			finalized_at=excluded.finalized_at, miners_count=excluded.miners_count,
			total_sol_paid=excluded.total_sol_paid, total_ore_paid=excluded.total_ore_paid`,
		roundID, finalizedAt, minersCount, totalSolPaid, totalOrePaid)
	return err
}

const minRoundsPlayedForAllTime = 100
const recentLeaderboardWindow = 60

// MinerTotalsLeaderboard is the fast all-time leaderboard, read directly
// from the precomputed MinerTotals table, ranked by net SOL change.
func (s *Store) MinerTotalsLeaderboard(ctx context.Context, limit, offset int) ([]MinerLeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ROW_NUMBER() OVER (ORDER BY net_sol_change DESC) AS rank,
			pubkey, rounds_played, rounds_won, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_change,
			CASE WHEN net_sol_change > 0 THEN 'up' WHEN net_sol_change < 0 THEN 'down' ELSE 'flat' END
		FROM miner_totals
		WHERE rounds_played >= ?
		ORDER BY net_sol_change DESC LIMIT ? OFFSET ?`, minRoundsPlayedForAllTime, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanLeaderboard(rows)
}

// MinerTotalsOreLeaderboard is the fast all-time leaderboard ranked by
// total ORE earned.
func (s *Store) MinerTotalsOreLeaderboard(ctx context.Context, limit, offset int) ([]MinerLeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ROW_NUMBER() OVER (ORDER BY total_ore_earned DESC) AS rank,
			pubkey, rounds_played, rounds_won, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_change,
			CASE WHEN net_sol_change > 0 THEN 'up' WHEN net_sol_change < 0 THEN 'down' ELSE 'flat' END
		FROM miner_totals
		WHERE rounds_played >= ?
		ORDER BY total_ore_earned DESC LIMIT ? OFFSET ?`, minRoundsPlayedForAllTime, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanLeaderboard(rows)
}

// RecentLeaderboard ranks miners over the last N finalized rounds by net
// SOL change, joining MinerRoundStats to the recent round-id window.
func (s *Store) RecentLeaderboard(ctx context.Context, limit, offset int) ([]MinerLeaderboardRow, error) {
	return s.windowedLeaderboard(ctx, limit, offset, "net_sol_round")
}

// RecentOreLeaderboard ranks miners over the last N finalized rounds by
// total ORE earned.
func (s *Store) RecentOreLeaderboard(ctx context.Context, limit, offset int) ([]MinerLeaderboardRow, error) {
	return s.windowedLeaderboard(ctx, limit, offset, "total_ore_earned")
}

func (s *Store) windowedLeaderboard(ctx context.Context, limit, offset int, orderCol string) ([]MinerLeaderboardRow, error) {
	query := `
		WITH last_n AS (SELECT id FROM rounds ORDER BY id DESC LIMIT ?),
		agg AS (
			SELECT s.pubkey,
				COUNT(*) AS rounds_played,
				SUM(s.won_round) AS rounds_won,
				SUM(s.total_sol_deployed) AS total_sol_deployed,
				SUM(s.total_sol_earned) AS total_sol_earned,
				SUM(s.total_ore_earned) AS total_ore_earned,
				SUM(s.net_sol_round) AS net_sol_change
			FROM miner_round_stats s
			JOIN last_n ON last_n.id = s.round_id
			GROUP BY s.pubkey
		)
		SELECT ROW_NUMBER() OVER (ORDER BY ` + orderCol + ` DESC) AS rank,
			pubkey, rounds_played, rounds_won, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_change,
			CASE WHEN net_sol_change > 0 THEN 'up' WHEN net_sol_change < 0 THEN 'down' ELSE 'flat' END
		FROM agg
		ORDER BY ` + orderCol + ` DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, recentLeaderboardWindow, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanLeaderboard(rows)
}

// MinerTotalsAllTimeVerify recomputes a miner's all-time totals directly
// from Deployment and Round ad hoc, bypassing MinerTotals entirely. It
// exists to spot-check the maintained aggregates, never to serve traffic.
func (s *Store) MinerTotalsAllTimeVerify(ctx context.Context, pubkey string) (*MinerTotals, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH per_round AS (
			SELECT d.round_id, d.pubkey,
				SUM(d.amount) AS sol_deployed,
				SUM(d.sol_earned) AS sol_earned,
				SUM(d.ore_earned) AS ore_earned,
				MAX(CASE WHEN d.square_id = r.winning_square THEN 1 ELSE 0 END) AS won
			FROM deployments d
			JOIN rounds r ON r.id = d.round_id
			WHERE d.pubkey = ?
			GROUP BY d.round_id, d.pubkey
		)
		SELECT pubkey, COUNT(*), SUM(won), SUM(sol_deployed), SUM(sol_earned), SUM(ore_earned), SUM(sol_earned - sol_deployed)
		FROM per_round GROUP BY pubkey`, pubkey)

	var t MinerTotals
	err := row.Scan(&t.Pubkey, &t.RoundsPlayed, &t.RoundsWon, &t.TotalSolDeployed, &t.TotalSolEarned, &t.TotalOreEarned, &t.NetSolChange)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func scanLeaderboard(rows *sql.Rows) ([]MinerLeaderboardRow, error) {
	defer rows.Close()
	var out []MinerLeaderboardRow
	for rows.Next() {
		var r MinerLeaderboardRow
		if err := rows.Scan(&r.Rank, &r.Pubkey, &r.RoundsPlayed, &r.RoundsWon, &r.TotalSolDeployed, &r.TotalSolEarned, &r.TotalOreEarned, &r.NetSolChange, &r.SolBalanceDirection); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
