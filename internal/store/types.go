// Package store persists indexed rounds, deployments, and miner snapshots
// to an embedded relational database and serves the read queries behind
// the HTTP API.
package store

// Round is a finalized (or not-yet-revealed) round record.
type Round struct {
	RoundID        uint64
	SlotHash       string // hex-encoded 32 bytes
	ExpiresAt      int64
	WinningSquare  int // 0..24, or 100 if unrevealed
	Motherlode     uint64
	TopMinerReward uint64
	TotalDeployed  uint64
	TotalVaulted   uint64
	TotalWinnings  uint64
	RentPayer      string
	TopMiner       string
	CreatedAt      string // RFC3339
}

// Board is the singleton current-board row.
type Board struct {
	RoundID   uint64
	StartSlot uint64
	EndSlot   uint64
}

// Treasury is one treasury snapshot.
type Treasury struct {
	ID                 int64
	Balance            uint64
	Motherlode         uint64
	TotalStaked        uint64
	TotalUnclaimed     uint64
	TotalRefined       uint64
	MinerRewardsFactor string // hex-encoded 16 bytes, fixed point
	CreatedAt          string // RFC3339
}

// Deployment is one miner's stake (and earnings) in one square of a round.
type Deployment struct {
	RoundID      uint64
	Pubkey       string
	SquareID     int
	Amount       uint64
	SolEarned    uint64
	OreEarned    uint64
	UnclaimedOre uint64
	CreatedAt    string // RFC3339
}

// MinerSnapshot is a point-in-time read of a miner account, recorded at
// round-seal time.
type MinerSnapshot struct {
	ID                 int64
	Pubkey             string
	UnclaimedOre       uint64
	UnclaimedSol       uint64
	RefinedOre         uint64
	LifetimeSol        uint64
	LifetimeOre        uint64
	CreatedAt          int64 // unix seconds
}

// MinerRoundStats is the per-round per-miner rollup derived from Deployment
// rows, kept in sync with MinerTotals by the aggregation maintainer.
type MinerRoundStats struct {
	RoundID         uint64
	Pubkey          string
	TotalSolDeployed uint64
	TotalSolEarned  uint64
	TotalOreEarned  uint64
	WonRound        bool
	NetSolRound     int64
}

// MinerTotals is the all-time rollup over every MinerRoundStats row for a
// pubkey, maintained incrementally (never recomputed from scratch).
type MinerTotals struct {
	Pubkey           string
	RoundsPlayed     int64
	RoundsWon        int64
	TotalSolDeployed uint64
	TotalSolEarned   uint64
	TotalOreEarned   uint64
	NetSolChange     int64
}

// MinerLeaderboardRow is one ranked row of a miner leaderboard view.
type MinerLeaderboardRow struct {
	Rank             int64
	Pubkey           string
	RoundsPlayed     int64
	RoundsWon        int64
	TotalSolDeployed uint64
	TotalSolEarned   uint64
	TotalOreEarned   uint64
	NetSolChange     int64
	SolBalanceDirection string
}
