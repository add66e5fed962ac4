package aggregate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oreboard/indexer/internal/store"
)

func newTestMaintainer(t *testing.T) (*Maintainer, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewMaintainer(s), s
}

func TestFinalizeIsIdempotentAndVerifiable(t *testing.T) {
	m, s := newTestMaintainer(t)
	ctx := context.Background()

	if err := s.UpsertRound(ctx, store.Round{RoundID: 42, WinningSquare: 7, SlotHash: "ab", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("UpsertRound() error = %v", err)
	}
	deployments := []store.Deployment{
		{RoundID: 42, Pubkey: "A", SquareID: 7, Amount: 400, SolEarned: 596, CreatedAt: "2026-01-01T00:00:00Z"},
		{RoundID: 42, Pubkey: "B", SquareID: 7, Amount: 600, SolEarned: 894, OreEarned: 200, CreatedAt: "2026-01-01T00:00:00Z"},
	}
	if err := s.InsertDeployments(ctx, deployments); err != nil {
		t.Fatalf("InsertDeployments() error = %v", err)
	}

	if err := m.Finalize(ctx, 42, 1735689600); err != nil {
		t.Fatalf("Finalize() first run error = %v", err)
	}
	if err := m.Finalize(ctx, 42, 1735689600); err != nil {
		t.Fatalf("Finalize() second run error = %v", err)
	}

	ok, err := m.VerifyTotals(ctx, "A")
	if err != nil {
		t.Fatalf("VerifyTotals() error = %v", err)
	}
	if !ok {
		t.Error("VerifyTotals() = false, want true after idempotent finalize")
	}

	totals, err := s.MinerTotalsByPubkey(ctx, "A")
	if err != nil {
		t.Fatalf("MinerTotalsByPubkey() error = %v", err)
	}
	if totals.RoundsPlayed != 1 {
		t.Errorf("RoundsPlayed = %d, want 1 (reprocessing must not double-count)", totals.RoundsPlayed)
	}
}
