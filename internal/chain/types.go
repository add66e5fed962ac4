// Package chain talks to the upstream validator RPC endpoint and decodes
// the on-chain account layouts used by the mining game program.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// SquareCount is the fixed number of squares on the board.
const SquareCount = 25

// UnrevealedWinningSquare is the sentinel winning_square value for a round
// whose slot hash has not yet been revealed or was persisted unattributed.
const UnrevealedWinningSquare = 100

// SplitAddress is the sentinel top_miner value meaning "split the top-miner
// reward pro-rata across every deployer in the winning square" rather than
// award it to a single sampled miner.
var SplitAddress = [32]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe,
}

// AllZeroHash and AllOnesHash are the slot_hash sentinels: all-zero means
// the round's randomness has not yet been revealed, all-ones means the
// chain's reveal sweep failed and the round must be persisted unattributed.
var (
	AllZeroHash = [32]byte{}
	AllOnesHash = [32]byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

const discriminatorLen = 8

// TreasuryAccount mirrors the on-chain Treasury account.
type TreasuryAccount struct {
	Balance            uint64
	Motherlode         uint64
	TotalStaked        uint64
	TotalUnclaimed     uint64
	TotalRefined       uint64
	MinerRewardsFactor [16]byte // fixed-point, big-endian numerator over a fixed denominator
}

// TreasuryAccountSize is the encoded length of a TreasuryAccount, discriminator included.
const TreasuryAccountSize = discriminatorLen + 8*5 + 16

func DecodeTreasuryAccount(data []byte) (*TreasuryAccount, error) {
	if len(data) < TreasuryAccountSize {
		return nil, fmt.Errorf("chain: treasury account too short: got %d want %d", len(data), TreasuryAccountSize)
	}
	b := data[discriminatorLen:]
	t := &TreasuryAccount{
		Balance:        binary.LittleEndian.Uint64(b[0:8]),
		Motherlode:     binary.LittleEndian.Uint64(b[8:16]),
		TotalStaked:    binary.LittleEndian.Uint64(b[16:24]),
		TotalUnclaimed: binary.LittleEndian.Uint64(b[24:32]),
		TotalRefined:   binary.LittleEndian.Uint64(b[32:40]),
	}
	copy(t.MinerRewardsFactor[:], b[40:56])
	return t, nil
}

// BoardAccount mirrors the on-chain singleton Board account.
type BoardAccount struct {
	RoundID   uint64
	StartSlot uint64
	EndSlot   uint64
}

// NoDeploymentsEndSlot is the EndSlot sentinel meaning no deployments have
// been made yet for the current round.
const NoDeploymentsEndSlot = ^uint64(0)

const BoardAccountSize = discriminatorLen + 8*3

func DecodeBoardAccount(data []byte) (*BoardAccount, error) {
	if len(data) < BoardAccountSize {
		return nil, fmt.Errorf("chain: board account too short: got %d want %d", len(data), BoardAccountSize)
	}
	b := data[discriminatorLen:]
	return &BoardAccount{
		RoundID:   binary.LittleEndian.Uint64(b[0:8]),
		StartSlot: binary.LittleEndian.Uint64(b[8:16]),
		EndSlot:   binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// RoundAccount mirrors the on-chain Round account, keyed by a program-derived
// address computed from RoundID.
type RoundAccount struct {
	RoundID         uint64
	SlotHash        [32]byte
	ExpiresAt       int64
	Motherlode      uint64
	TopMinerReward  uint64
	TotalDeployed   uint64
	TotalVaulted    uint64
	TotalWinnings   uint64
	RentPayer       [32]byte
	TopMiner        [32]byte
	Deployed        [SquareCount]uint64
}

const RoundAccountSize = discriminatorLen + 8 + 32 + 8 + 8*5 + 32 + 32 + 8*SquareCount

func DecodeRoundAccount(data []byte) (*RoundAccount, error) {
	if len(data) < RoundAccountSize {
		return nil, fmt.Errorf("chain: round account too short: got %d want %d", len(data), RoundAccountSize)
	}
	b := data[discriminatorLen:]
	r := &RoundAccount{}
	off := 0
	r.RoundID = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	copy(r.SlotHash[:], b[off:off+32])
	off += 32
	r.ExpiresAt = int64(binary.LittleEndian.Uint64(b[off : off+8]))
	off += 8
	r.Motherlode = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	r.TopMinerReward = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	r.TotalDeployed = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	r.TotalVaulted = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	r.TotalWinnings = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	copy(r.RentPayer[:], b[off:off+32])
	off += 32
	copy(r.TopMiner[:], b[off:off+32])
	off += 32
	for i := 0; i < SquareCount; i++ {
		r.Deployed[i] = binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
	}
	return r, nil
}

// IsSplit reports whether the round's top-miner reward is split pro-rata
// across the winning square instead of awarded to a single sampled miner.
func (r *RoundAccount) IsSplit() bool {
	return r.TopMiner == SplitAddress
}

// MinerAccount mirrors the on-chain Miner account.
type MinerAccount struct {
	Authority           [32]byte
	Deployed            [SquareCount]uint64
	Cumulative          [SquareCount]uint64
	RoundID             uint64
	RewardsOre          uint64
	RewardsSol          uint64
	RefinedOre          uint64
	LifetimeRewardsSol  uint64
	LifetimeRewardsOre  uint64
	RewardsFactor       [16]byte
}

const MinerAccountSize = discriminatorLen + 32 + 8*SquareCount*2 + 8*6 + 16

func DecodeMinerAccount(data []byte) (*MinerAccount, error) {
	if len(data) < MinerAccountSize {
		return nil, fmt.Errorf("chain: miner account too short: got %d want %d", len(data), MinerAccountSize)
	}
	b := data[discriminatorLen:]
	m := &MinerAccount{}
	off := 0
	copy(m.Authority[:], b[off:off+32])
	off += 32
	for i := 0; i < SquareCount; i++ {
		m.Deployed[i] = binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
	}
	for i := 0; i < SquareCount; i++ {
		m.Cumulative[i] = binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
	}
	m.RoundID = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	m.RewardsOre = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	m.RewardsSol = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	m.RefinedOre = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	m.LifetimeRewardsSol = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	m.LifetimeRewardsOre = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	copy(m.RewardsFactor[:], b[off:off+16])
	return m, nil
}

// === JSON-RPC wire types, Solana getAccountInfo/getProgramAccounts/getSlot shape ===

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type accountInfoEnvelope struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *accountInfoValue `json:"value"`
}

type accountInfoValue struct {
	Data       []string `json:"data"` // [base64, "base64"]
	Owner      string   `json:"owner"`
	Lamports   uint64   `json:"lamports"`
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

type programAccountEntry struct {
	Pubkey  string           `json:"pubkey"`
	Account accountInfoValue `json:"account"`
}

// MinerSnapshot pairs a Miner account's address with its decoded contents,
// taken at round-seal time.
type MinerSnapshot struct {
	Pubkey  [32]byte
	Account MinerAccount
}
