// Package readmodel holds the in-memory, reader/writer-guarded state that
// backs HTTP reads: the latest treasury, the current board, the most
// recently finalized rounds, and the current miner list. The poller is the
// sole writer; HTTP handlers are concurrent readers. There is no
// cross-cell transactional view: a reader can observe a board from a newer
// round than the miner list it reads a moment later. That is accepted —
// see the recent-rounds ring and per-cell locking below.
package readmodel

import (
	"sync"

	"github.com/oreboard/indexer/internal/store"
)

const recentRoundsCapacity = 64

// Cache is the read-model: one RWMutex-guarded cell per concern, for each
// read-heavy view the API serves.
type Cache struct {
	treasuryMu sync.RWMutex
	treasury   *store.Treasury

	boardMu sync.RWMutex
	board   *store.Board

	minersMu sync.RWMutex
	miners   []store.MinerSnapshot

	roundsMu sync.RWMutex
	rounds   []store.Round // ring buffer, most recent last

	subMu sync.Mutex
	subs  map[chan store.Round]struct{}
}

// New builds an empty read-model cache.
func New() *Cache {
	return &Cache{subs: make(map[chan store.Round]struct{})}
}

// SetTreasury replaces the cached treasury snapshot.
func (c *Cache) SetTreasury(t store.Treasury) {
	c.treasuryMu.Lock()
	defer c.treasuryMu.Unlock()
	c.treasury = &t
}

// Treasury returns the cached treasury snapshot, or nil if none has been
// observed yet.
func (c *Cache) Treasury() *store.Treasury {
	c.treasuryMu.RLock()
	defer c.treasuryMu.RUnlock()
	return c.treasury
}

// SetBoard replaces the cached board.
func (c *Cache) SetBoard(b store.Board) {
	c.boardMu.Lock()
	defer c.boardMu.Unlock()
	c.board = &b
}

// Board returns the cached board, or nil if none has been observed yet.
func (c *Cache) Board() *store.Board {
	c.boardMu.RLock()
	defer c.boardMu.RUnlock()
	return c.board
}

// SetMiners replaces the cached current miner list.
func (c *Cache) SetMiners(miners []store.MinerSnapshot) {
	c.minersMu.Lock()
	defer c.minersMu.Unlock()
	c.miners = miners
}

// Miners returns a copy of the cached current miner list.
func (c *Cache) Miners() []store.MinerSnapshot {
	c.minersMu.RLock()
	defer c.minersMu.RUnlock()
	out := make([]store.MinerSnapshot, len(c.miners))
	copy(out, c.miners)
	return out
}

// PushRound appends a freshly finalized round to the recent-rounds ring,
// evicting the oldest entry once the ring is full.
func (c *Cache) PushRound(r store.Round) {
	c.roundsMu.Lock()
	defer c.roundsMu.Unlock()
	c.rounds = append(c.rounds, r)
	if len(c.rounds) > recentRoundsCapacity {
		c.rounds = c.rounds[len(c.rounds)-recentRoundsCapacity:]
	}
	c.broadcast(r)
}

// Subscribe registers a channel that receives every subsequently finalized
// round. The caller must call Unsubscribe when done to release it.
func (c *Cache) Subscribe() chan store.Round {
	ch := make(chan store.Round, 8)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (c *Cache) Unsubscribe(ch chan store.Round) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[ch]; ok {
		delete(c.subs, ch)
		close(ch)
	}
}

// broadcast fans a freshly pushed round out to every subscriber. A
// subscriber that is not keeping up is skipped rather than blocking the
// poller that called PushRound.
func (c *Cache) broadcast(r store.Round) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// LatestRound returns the most recently pushed round, or nil if none yet.
func (c *Cache) LatestRound() *store.Round {
	c.roundsMu.RLock()
	defer c.roundsMu.RUnlock()
	if len(c.rounds) == 0 {
		return nil
	}
	r := c.rounds[len(c.rounds)-1]
	return &r
}

// RecentRounds returns a copy of the cached recent-rounds ring, most recent
// last.
func (c *Cache) RecentRounds() []store.Round {
	c.roundsMu.RLock()
	defer c.roundsMu.RUnlock()
	out := make([]store.Round, len(c.rounds))
	copy(out, c.rounds)
	return out
}
