// Package aggregate keeps the per-round and per-miner rollup tables in sync
// with the deployments a finalized round produced.
package aggregate

import (
	"context"

	"github.com/oreboard/indexer/internal/store"
	"github.com/oreboard/indexer/internal/util"
)

// Maintainer drives the idempotent rollup update that follows every round
// finalization.
type Maintainer struct {
	store *store.Store
}

// NewMaintainer builds a Maintainer backed by the given store.
func NewMaintainer(s *store.Store) *Maintainer {
	return &Maintainer{store: s}
}

// Finalize brings MinerRoundStats/MinerTotals up to date for roundID and
// records a round_history entry. Safe to call repeatedly for the same
// round: the underlying store transaction subtracts the round's prior
// contribution before adding the freshly recomputed one back in.
func (m *Maintainer) Finalize(ctx context.Context, roundID uint64, finalizedAtUnix int64) error {
	if err := m.store.FinalizeRoundAggregates(ctx, roundID); err != nil {
		return err
	}

	deployments, err := m.store.DeploymentsByRound(ctx, roundID)
	if err != nil {
		return err
	}

	miners := make(map[string]struct{}, len(deployments))
	var totalSol, totalOre uint64
	for _, d := range deployments {
		miners[d.Pubkey] = struct{}{}
		totalSol += d.SolEarned
		totalOre += d.OreEarned
	}

	if err := m.store.RecordRoundHistory(ctx, roundID, finalizedAtUnix, len(miners), totalSol, totalOre); err != nil {
		return err
	}

	util.Infof("aggregate: finalized round %d (%d miners, %d lamports paid, %d ore paid)", roundID, len(miners), totalSol, totalOre)
	return nil
}

// VerifyTotals cross-checks a miner's maintained MinerTotals row against an
// ad hoc recomputation from Deployment and Round. Returns true when they
// agree; intended for diagnostics, not the request path.
func (m *Maintainer) VerifyTotals(ctx context.Context, pubkey string) (bool, error) {
	fast, err := m.store.MinerTotalsByPubkey(ctx, pubkey)
	if err != nil {
		return false, err
	}
	slow, err := m.store.MinerTotalsAllTimeVerify(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return *fast == *slow, nil
}
