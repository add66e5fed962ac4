package poller

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/oreboard/indexer/internal/aggregate"
	"github.com/oreboard/indexer/internal/chain"
	"github.com/oreboard/indexer/internal/config"
	"github.com/oreboard/indexer/internal/readmodel"
	"github.com/oreboard/indexer/internal/store"
	"github.com/oreboard/indexer/internal/telemetry"
)

func encodeTreasury(t *testing.T, balance uint64, endSlotIrrelevant bool) string {
	t.Helper()
	buf := make([]byte, chain.TreasuryAccountSize)
	binary.LittleEndian.PutUint64(buf[8:16], balance)
	return base64.StdEncoding.EncodeToString(buf)
}

func encodeBoard(t *testing.T, roundID, startSlot, endSlot uint64) string {
	t.Helper()
	buf := make([]byte, chain.BoardAccountSize)
	binary.LittleEndian.PutUint64(buf[8:16], roundID)
	binary.LittleEndian.PutUint64(buf[16:24], startSlot)
	binary.LittleEndian.PutUint64(buf[24:32], endSlot)
	return base64.StdEncoding.EncodeToString(buf)
}

// rpcHandler builds an httptest handler that answers getAccountInfo for
// "treasury"/"board" addresses, getSlot with a fixed slot, and returns an
// empty getProgramAccounts result.
func rpcHandler(t *testing.T, treasuryB64, boardB64 string, slot uint64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}

		switch req.Method {
		case "getAccountInfo":
			addr, _ := req.Params[0].(string)
			var data string
			switch addr {
			case "treasury":
				data = treasuryB64
			case "board":
				data = boardB64
			default:
				resp["result"] = map[string]interface{}{"context": map[string]interface{}{"slot": slot}, "value": nil}
				writeJSON(w, resp)
				return
			}
			resp["result"] = map[string]interface{}{
				"context": map[string]interface{}{"slot": slot},
				"value": map[string]interface{}{
					"data":  []string{data, "base64"},
					"owner": "prog",
				},
			}
		case "getProgramAccounts":
			resp["result"] = []interface{}{}
		case "getSlot":
			resp["result"] = slot
		}
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestPoller(t *testing.T, handler http.HandlerFunc) (*Poller, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := chain.NewClient(srv.URL, [32]byte{1}, 2*time.Second)

	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache := readmodel.New()
	maintainer := aggregate.NewMaintainer(s)

	nrAgent := telemetry.NewAgent(&config.NewRelicConfig{Enabled: false})

	cfg := Config{TreasuryAddress: "treasury", BoardAddress: "board", RPCTimeout: 2 * time.Second}
	p := New(cfg, c, s, cache, maintainer, nrAgent)
	p.ctx = context.Background()
	return p, srv
}

func TestTickNoDeploymentsYetSleepsShort(t *testing.T) {
	treasuryB64 := encodeTreasury(t, 100, false)
	boardB64 := encodeBoard(t, 1, 0, chain.NoDeploymentsEndSlot)

	p, _ := newTestPoller(t, rpcHandler(t, treasuryB64, boardB64, 500))

	delay := p.tick()
	if delay != noDeploymentsSleep {
		t.Errorf("tick() delay = %v, want %v", delay, noDeploymentsSleep)
	}

	board := p.cache.Board()
	if board == nil || board.RoundID != 1 {
		t.Errorf("cache.Board() = %+v, want RoundID=1", board)
	}
}

func TestTickSealingTakesMinerSnapshot(t *testing.T) {
	treasuryB64 := encodeTreasury(t, 100, false)
	// end_slot <= current slot: round has sealed, no snapshot taken yet.
	boardB64 := encodeBoard(t, 2, 0, 1000)

	p, _ := newTestPoller(t, rpcHandler(t, treasuryB64, boardB64, 1000))

	delay := p.tick()
	if delay != sealingSleep {
		t.Errorf("tick() delay = %v, want %v", delay, sealingSleep)
	}
	if !p.boardSnapshotTaken {
		t.Error("boardSnapshotTaken should be true after sealing tick")
	}
	if p.pending.roundID != 2 {
		t.Errorf("pending.roundID = %d, want 2", p.pending.roundID)
	}
	// No miner accounts returned by the fake RPC server: degenerate
	// no-miners case completes immediately with nothing to attribute.
	if !p.pending.completed {
		t.Error("pending.completed should be true when no miner accounts exist")
	}
}

func TestTickStaysSealedWithoutRetakingSnapshot(t *testing.T) {
	treasuryB64 := encodeTreasury(t, 100, false)
	boardB64 := encodeBoard(t, 2, 0, 1000)

	p, _ := newTestPoller(t, rpcHandler(t, treasuryB64, boardB64, 1000))
	p.boardSnapshotTaken = true
	p.pending = pendingRound{roundID: 2, completed: false}

	delay := p.tick()
	if delay != sealingSleep {
		t.Errorf("tick() delay = %v, want %v", delay, sealingSleep)
	}
	if p.pending.roundID != 2 {
		t.Errorf("pending should be left untouched while already sealed, got %+v", p.pending)
	}
}

func TestTickRetriesOnTransientFetchFailure(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	p, _ := newTestPoller(t, handler)

	delay := p.tick()
	if delay != retrySleepDelay {
		t.Errorf("tick() delay = %v, want %v", delay, retrySleepDelay)
	}
}
