package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRound(t *testing.T, s *Store, roundID uint64, winningSquare int) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertRound(ctx, Round{
		RoundID:       roundID,
		SlotHash:      "deadbeef",
		WinningSquare: winningSquare,
		CreatedAt:     "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("UpsertRound() error = %v", err)
	}
}

func TestUpsertRoundAndRoundByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRound(t, s, 42, 7)

	got, err := s.RoundByID(ctx, 42)
	if err != nil {
		t.Fatalf("RoundByID() error = %v", err)
	}
	if got.WinningSquare != 7 {
		t.Errorf("WinningSquare = %d, want 7", got.WinningSquare)
	}

	// Overwrite: upsert is idempotent, last write wins.
	seedRound(t, s, 42, 9)
	got, err = s.RoundByID(ctx, 42)
	if err != nil {
		t.Fatalf("RoundByID() error = %v", err)
	}
	if got.WinningSquare != 9 {
		t.Errorf("WinningSquare after overwrite = %d, want 9", got.WinningSquare)
	}
}

func TestRoundByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RoundByID(context.Background(), 999); err != ErrNotFound {
		t.Errorf("RoundByID() error = %v, want ErrNotFound", err)
	}
}

func TestDeploymentsByRoundOrderedByOreEarnedDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRound(t, s, 1, 7)

	deployments := []Deployment{
		{RoundID: 1, Pubkey: "A", SquareID: 7, Amount: 400, SolEarned: 596, OreEarned: 0, CreatedAt: "2026-01-01T00:00:00Z"},
		{RoundID: 1, Pubkey: "B", SquareID: 7, Amount: 600, SolEarned: 894, OreEarned: 200, CreatedAt: "2026-01-01T00:00:00Z"},
	}
	if err := s.InsertDeployments(ctx, deployments); err != nil {
		t.Fatalf("InsertDeployments() error = %v", err)
	}

	got, err := s.DeploymentsByRound(ctx, 1)
	if err != nil {
		t.Fatalf("DeploymentsByRound() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Pubkey != "B" || got[1].Pubkey != "A" {
		t.Errorf("order = [%s, %s], want [B, A] (ore_earned desc)", got[0].Pubkey, got[1].Pubkey)
	}
}

func TestFinalizeRoundAggregatesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRound(t, s, 42, 7)

	deployments := []Deployment{
		{RoundID: 42, Pubkey: "A", SquareID: 7, Amount: 400, SolEarned: 596, OreEarned: 0, CreatedAt: "2026-01-01T00:00:00Z"},
		{RoundID: 42, Pubkey: "B", SquareID: 7, Amount: 600, SolEarned: 894, OreEarned: 200, CreatedAt: "2026-01-01T00:00:00Z"},
	}
	if err := s.InsertDeployments(ctx, deployments); err != nil {
		t.Fatalf("InsertDeployments() error = %v", err)
	}

	if err := s.FinalizeRoundAggregates(ctx, 42); err != nil {
		t.Fatalf("FinalizeRoundAggregates() first run error = %v", err)
	}
	firstA, err := totalsFor(ctx, s, "A")
	if err != nil {
		t.Fatalf("totalsFor(A) error = %v", err)
	}

	// Re-running finalize for the same round must leave totals unchanged.
	if err := s.FinalizeRoundAggregates(ctx, 42); err != nil {
		t.Fatalf("FinalizeRoundAggregates() second run error = %v", err)
	}
	secondA, err := totalsFor(ctx, s, "A")
	if err != nil {
		t.Fatalf("totalsFor(A) error = %v", err)
	}

	if firstA != secondA {
		t.Errorf("totals changed after reprocessing: first=%+v second=%+v", firstA, secondA)
	}
	if secondA.RoundsPlayed != 1 {
		t.Errorf("RoundsPlayed = %d, want 1", secondA.RoundsPlayed)
	}
	if secondA.TotalSolEarned != 596 {
		t.Errorf("TotalSolEarned = %d, want 596", secondA.TotalSolEarned)
	}
}

func totalsFor(ctx context.Context, s *Store, pubkey string) (MinerTotals, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, rounds_played, rounds_won, total_sol_deployed, total_sol_earned, total_ore_earned, net_sol_change
		FROM miner_totals WHERE pubkey = ?`, pubkey)
	var t MinerTotals
	err := row.Scan(&t.Pubkey, &t.RoundsPlayed, &t.RoundsWon, &t.TotalSolDeployed, &t.TotalSolEarned, &t.TotalOreEarned, &t.NetSolChange)
	return t, err
}

func TestMinerTotalsMatchesVerifyQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRound(t, s, 1, 7)
	seedRound(t, s, 2, 3)

	deployments := []Deployment{
		{RoundID: 1, Pubkey: "A", SquareID: 7, Amount: 400, SolEarned: 596, OreEarned: 0, CreatedAt: "2026-01-01T00:00:00Z"},
		{RoundID: 2, Pubkey: "A", SquareID: 3, Amount: 100, SolEarned: 150, OreEarned: 0, CreatedAt: "2026-01-01T00:00:00Z"},
	}
	if err := s.InsertDeployments(ctx, deployments); err != nil {
		t.Fatalf("InsertDeployments() error = %v", err)
	}
	if err := s.FinalizeRoundAggregates(ctx, 1); err != nil {
		t.Fatalf("FinalizeRoundAggregates(1) error = %v", err)
	}
	if err := s.FinalizeRoundAggregates(ctx, 2); err != nil {
		t.Fatalf("FinalizeRoundAggregates(2) error = %v", err)
	}

	fast, err := totalsFor(ctx, s, "A")
	if err != nil {
		t.Fatalf("totalsFor() error = %v", err)
	}
	slow, err := s.MinerTotalsAllTimeVerify(ctx, "A")
	if err != nil {
		t.Fatalf("MinerTotalsAllTimeVerify() error = %v", err)
	}

	if fast.RoundsPlayed != slow.RoundsPlayed || fast.TotalSolEarned != slow.TotalSolEarned || fast.TotalSolDeployed != slow.TotalSolDeployed {
		t.Errorf("fast/slow totals mismatch: fast=%+v slow=%+v", fast, *slow)
	}
}
