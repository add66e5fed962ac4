package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oreboard/indexer/internal/util"
)

// Store wraps the embedded relational database used to persist rounds,
// deployments, and miner snapshots.
type Store struct {
	db *sql.DB
}

const busyTimeout = 15 * time.Second

// Open opens (creating if necessary) the database at dsn, a path or a
// "sqlite://" URL, applies WAL/synchronous pragmas suited to a single
// writer with concurrent readers, and runs the schema migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	path := stripSQLiteScheme(dsn)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// A single writer goroutine drives finalization; under WAL the remaining
	// pooled connections can read concurrently with it.
	db.SetMaxOpenConns(10)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	util.Infof("store: opened %s", path)
	return s, nil
}

func stripSQLiteScheme(dsn string) string {
	const scheme = "sqlite://"
	if len(dsn) >= len(scheme) && dsn[:len(scheme)] == scheme {
		return dsn[len(scheme):]
	}
	return dsn
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS treasury (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	balance INTEGER NOT NULL,
	motherlode INTEGER NOT NULL,
	total_staked INTEGER NOT NULL,
	total_unclaimed INTEGER NOT NULL,
	total_refined INTEGER NOT NULL,
	miner_rewards_factor TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
	id INTEGER PRIMARY KEY,
	slot_hash TEXT NOT NULL,
	winning_square INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	motherlode INTEGER NOT NULL,
	rent_payer TEXT NOT NULL,
	top_miner TEXT NOT NULL,
	top_miner_reward INTEGER NOT NULL,
	total_deployed INTEGER NOT NULL,
	total_vaulted INTEGER NOT NULL,
	total_winnings INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rounds_motherlode ON rounds(motherlode);

CREATE TABLE IF NOT EXISTS deployments (
	round_id INTEGER NOT NULL,
	pubkey TEXT NOT NULL,
	square_id INTEGER NOT NULL,
	amount INTEGER NOT NULL,
	sol_earned INTEGER NOT NULL,
	ore_earned INTEGER NOT NULL,
	unclaimed_ore INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (round_id, pubkey, square_id)
);
CREATE INDEX IF NOT EXISTS idx_deployments_round_ore ON deployments(round_id, ore_earned DESC);
CREATE INDEX IF NOT EXISTS idx_deployments_pubkey ON deployments(pubkey);

CREATE TABLE IF NOT EXISTS miner_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pubkey TEXT NOT NULL,
	unclaimed_ore INTEGER NOT NULL,
	unclaimed_sol INTEGER NOT NULL,
	refined_ore INTEGER NOT NULL,
	lifetime_sol INTEGER NOT NULL,
	lifetime_ore INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_miner_snapshots_pubkey ON miner_snapshots(pubkey);
CREATE INDEX IF NOT EXISTS idx_miner_snapshots_pubkey_created ON miner_snapshots(pubkey, created_at);

CREATE TABLE IF NOT EXISTS miner_round_stats (
	round_id INTEGER NOT NULL,
	pubkey TEXT NOT NULL,
	total_sol_deployed INTEGER NOT NULL,
	total_sol_earned INTEGER NOT NULL,
	total_ore_earned INTEGER NOT NULL,
	won_round INTEGER NOT NULL,
	net_sol_round INTEGER NOT NULL,
	PRIMARY KEY (round_id, pubkey)
);
CREATE INDEX IF NOT EXISTS idx_miner_round_stats_pubkey ON miner_round_stats(pubkey);

CREATE TABLE IF NOT EXISTS miner_totals (
	pubkey TEXT PRIMARY KEY,
	rounds_played INTEGER NOT NULL DEFAULT 0,
	rounds_won INTEGER NOT NULL DEFAULT 0,
	total_sol_deployed INTEGER NOT NULL DEFAULT 0,
	total_sol_earned INTEGER NOT NULL DEFAULT 0,
	total_ore_earned INTEGER NOT NULL DEFAULT 0,
	net_sol_change INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS round_history (
	round_id INTEGER PRIMARY KEY,
	finalized_at INTEGER NOT NULL,
	miners_count INTEGER NOT NULL,
	total_sol_paid INTEGER NOT NULL,
	total_ore_paid INTEGER NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
