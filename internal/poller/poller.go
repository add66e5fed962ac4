// Package poller drives the single-threaded round lifecycle: observing the
// board, snapshotting miners at round seal, ingesting a finalized round,
// attributing rewards, persisting them, and pushing the result to the
// read-model cache.
package poller

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/oreboard/indexer/internal/aggregate"
	"github.com/oreboard/indexer/internal/chain"
	"github.com/oreboard/indexer/internal/readmodel"
	"github.com/oreboard/indexer/internal/reward"
	"github.com/oreboard/indexer/internal/store"
	"github.com/oreboard/indexer/internal/telemetry"
	"github.com/oreboard/indexer/internal/util"
)

// slotDuration is the nominal Solana slot duration, used to calibrate how
// long to sleep while waiting out the remainder of a round.
const slotDuration = 400 * time.Millisecond

const (
	noDeploymentsSleep = 5 * time.Second
	sealingSleep       = 1 * time.Second
	retrySleepDelay    = 2 * time.Second
)

// Config names the fixed addresses the poller reads. RPCTimeout is the
// deadline of one tick: every chain call and store operation made during
// that tick shares it.
type Config struct {
	TreasuryAddress string
	BoardAddress    string
	ProgramID       [32]byte
	RPCTimeout      time.Duration
}

type pendingRound struct {
	roundID   uint64
	miners    []chain.MinerSnapshot
	completed bool
}

// Poller owns the polling loop. It is the sole writer of the read-model
// cache and the sole driver of round finalization.
type Poller struct {
	cfg        Config
	chain      *chain.Client
	store      *store.Store
	cache      *readmodel.Cache
	maintainer *aggregate.Maintainer
	telemetry  *telemetry.Agent

	boardSnapshotTaken bool
	pending            pendingRound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Poller. Call Start to begin the polling loop. t must be
// non-nil; pass a disabled agent (telemetry.NewAgent with Enabled: false)
// rather than a nil *telemetry.Agent when New Relic reporting is off.
func New(cfg Config, c *chain.Client, s *store.Store, cache *readmodel.Cache, m *aggregate.Maintainer, t *telemetry.Agent) *Poller {
	return &Poller{cfg: cfg, chain: c, store: s, cache: cache, maintainer: m, telemetry: t}
}

// Start launches the polling loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
}

// Stop aborts the polling loop at its next suspension point and waits for
// it to exit. In-flight finalization work is not flushed; this is safe
// because finalization is idempotent at the store level and will be
// redone correctly on the next start.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run() {
	defer p.wg.Done()
	for p.ctx.Err() == nil {
		delay := p.tick()
		if !p.sleep(delay) {
			return
		}
	}
}

func (p *Poller) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// tick runs one iteration of the state machine: refresh board/treasury/
// slot, then act on the gap between the board's end slot and the current
// slot. It returns how long the caller should sleep before the next tick.
func (p *Poller) tick() time.Duration {
	callCtx, cancel := context.WithTimeout(p.ctx, p.cfg.RPCTimeout)
	defer cancel()

	treasuryRaw, err := p.chain.GetAccountData(callCtx, p.cfg.TreasuryAddress)
	if err != nil {
		util.Warnf("poller: fetch treasury: %v", err)
		p.telemetry.RecordRPCFailure("getAccountInfo:treasury", err)
		return retrySleepDelay
	}
	treasuryAcct, err := chain.DecodeTreasuryAccount(treasuryRaw)
	if err != nil {
		util.Warnf("poller: decode treasury: %v", err)
		return retrySleepDelay
	}
	p.cache.SetTreasury(toStoreTreasury(treasuryAcct))

	boardRaw, err := p.chain.GetAccountData(callCtx, p.cfg.BoardAddress)
	if err != nil {
		util.Warnf("poller: fetch board: %v", err)
		p.telemetry.RecordRPCFailure("getAccountInfo:board", err)
		return retrySleepDelay
	}
	board, err := chain.DecodeBoardAccount(boardRaw)
	if err != nil {
		util.Warnf("poller: decode board: %v", err)
		return retrySleepDelay
	}
	p.cache.SetBoard(store.Board{RoundID: board.RoundID, StartSlot: board.StartSlot, EndSlot: board.EndSlot})

	if board.EndSlot == chain.NoDeploymentsEndSlot {
		return noDeploymentsSleep
	}

	slot, err := p.chain.GetSlot(callCtx)
	if err != nil {
		util.Warnf("poller: fetch slot: %v", err)
		p.telemetry.RecordRPCFailure("getSlot", err)
		return retrySleepDelay
	}

	delta := int64(board.EndSlot) - int64(slot)
	p.telemetry.UpdatePollerMetrics(board.RoundID, delta, len(p.pending.miners))

	switch {
	case delta > 0 && p.pending.completed:
		p.boardSnapshotTaken = false
		p.refreshMinerList(callCtx)
		return time.Duration(delta) * slotDuration

	case delta > 0 && !p.pending.completed:
		ok := p.finalizePreviousRound(callCtx, board.RoundID)
		if !ok {
			return retrySleepDelay
		}
		return time.Duration(delta) * slotDuration

	case delta <= 0 && !p.boardSnapshotTaken:
		p.takeMinerSnapshot(callCtx, board.RoundID)
		p.boardSnapshotTaken = true
		return sealingSleep

	default: // delta <= 0 && boardSnapshotTaken: sealing, nothing new to do
		return sealingSleep
	}
}

// takeMinerSnapshot enumerates every Miner account and stashes it as the
// pending round's snapshot, taken right as the board seals.
func (p *Poller) takeMinerSnapshot(ctx context.Context, roundID uint64) {
	raws, err := p.chain.GetProgramAccountsBySize(ctx, chain.MinerAccountSize)
	if err != nil {
		util.Warnf("poller: enumerate miner accounts: %v", err)
		return
	}

	treasury := p.cache.Treasury()

	var snapshot []chain.MinerSnapshot
	for i, raw := range raws {
		m, err := chain.DecodeMinerAccount(raw)
		if err != nil {
			util.Warnf("poller: decode miner account %d: %v", i, err)
			continue
		}
		if treasury != nil {
			m.RefinedOre = inferRefinedOre(*m, *treasury)
		}
		snapshot = append(snapshot, chain.MinerSnapshot{Pubkey: m.Authority, Account: *m})
	}

	if len(snapshot) == 0 {
		p.pending = pendingRound{roundID: roundID, completed: true}
		return
	}
	p.pending = pendingRound{roundID: roundID, miners: snapshot, completed: false}
}

// finalizePreviousRound fetches the round that just sealed (board.round_id
// - 1), handles the slot_hash sentinels, and on success attributes and
// persists rewards. It returns false when the caller should retry at the
// current state (a transient fetch failure or the all-zero sentinel).
func (p *Poller) finalizePreviousRound(ctx context.Context, currentBoardRoundID uint64) bool {
	prevRoundID := currentBoardRoundID - 1

	raw, err := p.chain.GetRoundAccountData(ctx, prevRoundID)
	if err != nil {
		util.Warnf("poller: fetch round %d: %v", prevRoundID, err)
		p.telemetry.RecordRPCFailure("getAccountInfo:round", err)
		return false
	}
	round, err := chain.DecodeRoundAccount(raw)
	if err != nil {
		util.Warnf("poller: decode round %d: %v", prevRoundID, err)
		return false
	}

	switch round.SlotHash {
	case chain.AllZeroHash:
		util.Warnf("poller: round %d slot hash not yet revealed, retrying", prevRoundID)
		return false

	case chain.AllOnesHash:
		util.Warnf("poller: round %d reveal failed on chain, persisting unattributed", prevRoundID)
		p.persistRound(ctx, round, nil, reward.Outcome{WinningSquare: chain.UnrevealedWinningSquare})
		p.pending.completed = true
		return true

	default:
		deployments, outcome := reward.Attribute(round, p.pending.miners)
		p.persistRound(ctx, round, deployments, outcome)

		var totalSol, totalOre uint64
		for _, d := range deployments {
			totalSol += d.SolEarned
			totalOre += d.OreEarned
		}
		if err := p.maintainer.Finalize(ctx, round.RoundID, time.Now().Unix()); err != nil {
			util.Errorf("poller: finalize aggregates for round %d: %v", round.RoundID, err)
		} else {
			p.telemetry.UpdateAggregateMetrics(totalSol, totalOre)
		}
		p.pending.completed = true
		return true
	}
}

// persistRound builds the deployment, snapshot, round, and treasury rows for
// a sealed round and writes them through Store.PersistRound as a single
// logical commit: a reader must never see deployments for a round with no
// matching rounds row, or vice versa. outcome carries the attributed winner
// computed by reward.Attribute (or, for an unrevealed round, just the
// sentinel winning square); when outcome.HasTopMiner is set it overrides the
// raw on-chain round.TopMiner, which reward.Attribute has already determined
// to be the actual winner once split ties and stale samples are resolved.
func (p *Poller) persistRound(ctx context.Context, round *chain.RoundAccount, deployments []reward.Deployment, outcome reward.Outcome) {
	now := time.Now().UTC().Format(time.RFC3339)

	storeDeployments := make([]store.Deployment, 0, len(deployments))
	for _, d := range deployments {
		storeDeployments = append(storeDeployments, store.Deployment{
			RoundID:      d.RoundID,
			Pubkey:       hex.EncodeToString(d.Pubkey[:]),
			SquareID:     d.SquareID,
			Amount:       d.Amount,
			SolEarned:    d.SolEarned,
			OreEarned:    d.OreEarned,
			UnclaimedOre: d.UnclaimedOre,
			CreatedAt:    now,
		})
	}

	snapshots := make([]store.MinerSnapshot, 0, len(p.pending.miners))
	for _, m := range p.pending.miners {
		snapshots = append(snapshots, store.MinerSnapshot{
			Pubkey:       hex.EncodeToString(m.Pubkey[:]),
			UnclaimedOre: m.Account.RewardsOre,
			UnclaimedSol: m.Account.RewardsSol,
			RefinedOre:   m.Account.RefinedOre,
			LifetimeSol:  m.Account.LifetimeRewardsSol,
			LifetimeOre:  m.Account.LifetimeRewardsOre,
			CreatedAt:    time.Now().Unix(),
		})
	}

	topMiner := round.TopMiner
	if outcome.HasTopMiner {
		topMiner = outcome.TopMiner
	}

	row := store.Round{
		RoundID:        round.RoundID,
		SlotHash:       hex.EncodeToString(round.SlotHash[:]),
		WinningSquare:  outcome.WinningSquare,
		ExpiresAt:      round.ExpiresAt,
		Motherlode:     round.Motherlode,
		TopMinerReward: round.TopMinerReward,
		TotalDeployed:  round.TotalDeployed,
		TotalVaulted:   round.TotalVaulted,
		TotalWinnings:  round.TotalWinnings,
		RentPayer:      hex.EncodeToString(round.RentPayer[:]),
		TopMiner:       hex.EncodeToString(topMiner[:]),
		CreatedAt:      now,
	}

	var treasury *store.Treasury
	if t := p.cache.Treasury(); t != nil {
		snap := *t
		snap.CreatedAt = now
		treasury = &snap
	}

	if err := p.store.PersistRound(ctx, storeDeployments, snapshots, row, treasury); err != nil {
		util.Errorf("poller: persist round %d: %v", round.RoundID, err)
		return
	}
	p.cache.PushRound(row)

	if outcome.WinningSquare == chain.UnrevealedWinningSquare {
		p.telemetry.RecordRoundUnrevealed(round.RoundID)
	} else {
		p.telemetry.RecordRoundFinalized(round.RoundID, outcome.WinningSquare, round.TotalWinnings, len(p.pending.miners))
	}
}

// refreshMinerList rebuilds the read-model's current miner list from the
// most recently recorded snapshot of each miner.
func (p *Poller) refreshMinerList(ctx context.Context) {
	miners, err := p.store.LatestMinerSnapshotsByPubkey(ctx, 2000, 0, "round_id")
	if err != nil {
		util.Warnf("poller: refresh miner list: %v", err)
		return
	}
	p.cache.SetMiners(miners)
}

// inferRefinedOre accrues newly refined ORE since the miner's last recorded
// rewards factor. A negative delta means the treasury's factor regressed
// relative to what we observed on the miner account (a defensive case that
// should not happen on a healthy chain); when it does, the previously
// stored refined_ore is kept rather than guessed at.
func inferRefinedOre(m chain.MinerAccount, t store.Treasury) uint64 {
	factorBytes, err := hex.DecodeString(t.MinerRewardsFactor)
	if err != nil || len(factorBytes) != 16 {
		return m.RefinedOre
	}
	treasuryFactor := new(uint256.Int).SetBytes(factorBytes)
	minerFactor := new(uint256.Int).SetBytes(m.RewardsFactor[:])

	if treasuryFactor.Lt(minerFactor) {
		return m.RefinedOre
	}
	delta := new(uint256.Int).Sub(treasuryFactor, minerFactor)
	accrued := delta.Mul(delta, uint256.NewInt(m.RewardsOre))
	// The factor is a fixed-point fraction; scale back down by the same
	// denominator the on-chain program uses when it advances it.
	accrued.Rsh(accrued, 64)

	sum := m.RefinedOre + accrued.Uint64()
	if sum < m.RefinedOre {
		return ^uint64(0)
	}
	return sum
}

func toStoreTreasury(t *chain.TreasuryAccount) store.Treasury {
	return store.Treasury{
		Balance:            t.Balance,
		Motherlode:         t.Motherlode,
		TotalStaked:        t.TotalStaked,
		TotalUnclaimed:     t.TotalUnclaimed,
		TotalRefined:       t.TotalRefined,
		MinerRewardsFactor: hex.EncodeToString(t.MinerRewardsFactor[:]),
	}
}
