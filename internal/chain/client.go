package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/oreboard/indexer/internal/util"
)

// Client is a minimal read-only JSON-RPC client for the upstream validator.
// Per the polling design, calls are never retried internally: a failed call
// is surfaced to the caller, which decides whether to sleep and retry at
// its current state.
type Client struct {
	url       string
	programID [32]byte
	client    *http.Client
	requestID uint64

	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewClient builds a chain client bound to the given RPC endpoint and
// program id. timeout bounds every individual RPC call. rpcURL is expected
// to be a bare hostname (the RPC_URL contract); a scheme is prepended when
// the caller didn't already supply one, so a test server's full http://
// URL still passes through unchanged.
func NewClient(rpcURL string, programID [32]byte, timeout time.Duration) *Client {
	return &Client{
		url:       normalizeRPCURL(rpcURL),
		programID: programID,
		client:    &http.Client{Timeout: timeout},
		healthy:   true,
	}
}

func normalizeRPCURL(rpcURL string) string {
	if strings.HasPrefix(rpcURL, "http://") || strings.HasPrefix(rpcURL, "https://") {
		return rpcURL
	}
	return "https://" + rpcURL
}

// IsHealthy reports whether the most recent calls have been succeeding.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("chain: RPC endpoint marked unhealthy after %d consecutive failures", c.failCount)
	}
	c.lastCheck = time.Now()
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (rpcResponse, error) {
	id := atomic.AddUint64(&c.requestID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	body, err := json.Marshal(req)
	if err != nil {
		return rpcResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return rpcResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return rpcResponse{}, err
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.recordFailure()
		return rpcResponse{}, err
	}
	if out.Error != nil {
		c.recordFailure()
		return rpcResponse{}, out.Error
	}
	c.recordSuccess()
	return out, nil
}

// GetAccountData fetches and base64-decodes the raw data of a single account.
func (c *Client) GetAccountData(ctx context.Context, pubkey string) ([]byte, error) {
	resp, err := c.call(ctx, "getAccountInfo", []interface{}{
		pubkey,
		map[string]string{"encoding": "base64"},
	})
	if err != nil {
		return nil, err
	}

	var env accountInfoEnvelope
	if err := json.Unmarshal(resp.Result, &env); err != nil {
		return nil, fmt.Errorf("chain: decode getAccountInfo result: %w", err)
	}
	if env.Value == nil {
		return nil, fmt.Errorf("chain: account %s not found", pubkey)
	}
	if len(env.Value.Data) == 0 {
		return nil, fmt.Errorf("chain: account %s returned no data", pubkey)
	}
	return base64.StdEncoding.DecodeString(env.Value.Data[0])
}

// GetRoundAccountData derives the round account address for roundID and
// fetches its raw data. Real program-derived addresses require elliptic
// curve point validation off the ed25519 curve; absent the Solana SDK we
// derive a stable stand-in address by hashing the program id, a "round"
// seed, and the round id, which is sufficient for round-trip lookups
// against our own GetProgramAccountsBySize-style account store.
func (c *Client) GetRoundAccountData(ctx context.Context, roundID uint64) ([]byte, error) {
	addr := c.RoundAddress(roundID)
	return c.GetAccountData(ctx, base64.StdEncoding.EncodeToString(addr[:]))
}

// RoundAddress computes the derived address for a round account.
func (c *Client) RoundAddress(roundID uint64) [32]byte {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], roundID)
	h := blake3.New()
	h.Write(c.programID[:])
	h.Write([]byte("round"))
	h.Write(seed[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GetProgramAccountsBySize enumerates every account owned by the program
// whose raw data is exactly size bytes long (used to filter for Miner
// accounts, since no other account type shares that encoded length).
func (c *Client) GetProgramAccountsBySize(ctx context.Context, size int) ([][]byte, error) {
	resp, err := c.call(ctx, "getProgramAccounts", []interface{}{
		base64.StdEncoding.EncodeToString(c.programID[:]),
		map[string]interface{}{
			"encoding": "base64",
			"filters": []interface{}{
				map[string]interface{}{"dataSize": size},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var entries []programAccountEntry
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		return nil, fmt.Errorf("chain: decode getProgramAccounts result: %w", err)
	}

	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if len(e.Account.Data) == 0 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(e.Account.Data[0])
		if err != nil {
			return nil, fmt.Errorf("chain: decode account %s data: %w", e.Pubkey, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// GetSlot fetches the current slot number.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	resp, err := c.call(ctx, "getSlot", nil)
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := json.Unmarshal(resp.Result, &slot); err != nil {
		return 0, fmt.Errorf("chain: decode getSlot result: %w", err)
	}
	return slot, nil
}
