// Package reward computes per-square reward attribution for a finalized
// round from its revealed slot hash and the miner snapshot taken at seal
// time. Attribute is a pure function: given the same round and snapshot it
// always returns the same deployments, which is what lets finalization be
// replayed safely.
package reward

import (
	"github.com/holiman/uint256"

	"github.com/oreboard/indexer/internal/chain"
)

// Deployment is one miner's stake in one square of a round, along with
// whatever it earned once the round was settled.
type Deployment struct {
	RoundID      uint64
	Pubkey       [32]byte
	SquareID     int
	Amount       uint64
	SolEarned    uint64
	OreEarned    uint64
	UnclaimedOre uint64
}

// Outcome carries the derived-but-persisted facts about how a round
// resolved, used by callers that need the winning square and post-
// attribution top miner independent of the per-deployment breakdown.
type Outcome struct {
	WinningSquare int
	TopMiner      [32]byte
	HasTopMiner   bool
}

// Attribute computes every deployment's earnings for a round whose slot hash
// has been revealed (i.e. is neither the all-zero nor all-ones sentinel).
// Miners in the snapshot whose RoundID does not match round.RoundID are
// skipped: they are stale relative to this round and retain whatever state
// they already have.
func Attribute(round *chain.RoundAccount, snapshot []chain.MinerSnapshot) ([]Deployment, Outcome) {
	winningSquare := WinningSquare(round.SlotHash)
	denom := round.Deployed[winningSquare]
	isSplit := round.IsSplit()

	var topSample uint64
	sampleValid := !isSplit && denom > 0
	if sampleValid {
		topSample = TopMinerSample(round.SlotHash, denom)
	}

	outcome := Outcome{WinningSquare: winningSquare}

	deployments := make([]Deployment, 0, len(snapshot)*SquareCount)
	for _, m := range snapshot {
		if m.Account.RoundID != round.RoundID {
			continue
		}
		for sq := 0; sq < SquareCount; sq++ {
			amount := m.Account.Deployed[sq]
			if amount == 0 {
				continue
			}

			d := Deployment{
				RoundID:      round.RoundID,
				Pubkey:       m.Pubkey,
				SquareID:     sq,
				Amount:       amount,
				UnclaimedOre: m.Account.RewardsOre,
			}

			if sq == winningSquare && denom > 0 {
				adminFee := amount / 100
				if adminFee < 1 {
					adminFee = 1
				}
				rewardsSol := amount - adminFee
				rewardsSol = saturatingAdd(rewardsSol, mulDiv(round.TotalWinnings, amount, denom))

				var oreEarned uint64
				if isSplit {
					oreEarned = saturatingAdd(oreEarned, mulDiv(round.TopMinerReward, amount, denom))
				} else if sampleValid && topSample >= m.Account.Cumulative[sq] && topSample < saturatingAdd(m.Account.Cumulative[sq], amount) {
					oreEarned = saturatingAdd(oreEarned, round.TopMinerReward)
					outcome.TopMiner = m.Pubkey
					outcome.HasTopMiner = true
				}

				if round.Motherlode > 0 {
					oreEarned = saturatingAdd(oreEarned, mulDiv(round.Motherlode, amount, denom))
				}

				d.SolEarned = rewardsSol
				d.OreEarned = oreEarned
			}

			deployments = append(deployments, d)
		}
	}

	return deployments, outcome
}

// SquareCount mirrors chain.SquareCount to keep this package's public
// surface self-contained.
const SquareCount = chain.SquareCount

// mulDiv computes floor(a*b/c) without overflowing 64 bits, since a*b
// routinely exceeds the range of a uint64 multiply.
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	prod.Div(prod, uint256.NewInt(c))
	return prod.Uint64()
}

// saturatingAdd adds two uint64s, clamping to the maximum value on overflow
// instead of wrapping.
func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
