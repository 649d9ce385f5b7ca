// Package chaininfo queries each upstream pool's backing chain node for
// the network difficulty and block reward the scheduler's auto-balance
// mode (spec §4.4) needs to turn "how hard is this chain to mine" into a
// comparable profitability figure. It speaks the same native TOS daemon
// get_info call the teacher's internal/rpc client uses for
// GetNetworkInfo, pared down to the one call this proxy actually needs.
package chaininfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/stratum-splitter/internal/util"
)

// Sample is one chain's network-difficulty/reward snapshot.
type Sample struct {
	Difficulty  uint64
	BlockReward uint64
	Hashrate    float64
}

// Profitability is the per-unit-difficulty reward figure the scheduler's
// auto-balance mode feeds into its profitability EMA (spec §9 resolved
// open question: "profitability = block_reward / network_difficulty").
func (s Sample) Profitability() float64 {
	if s.Difficulty == 0 {
		return 0
	}
	return float64(s.BlockReward) / float64(s.Difficulty)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("chaininfo: rpc error %d: %s", e.Code, e.Message)
}

// getInfoResult is the subset of a node's get_info response this package
// needs; difficulty arrives as a decimal string (TOS daemon convention),
// average_block_time in milliseconds.
type getInfoResult struct {
	Difficulty       string `json:"difficulty"`
	AverageBlockTime uint64 `json:"average_block_time"`
	BlockReward      uint64 `json:"block_reward"`
}

// Client is a minimal, health-tracked JSON-RPC client against one pool's
// backing chain node.
type Client struct {
	url    string
	client *http.Client
	id     uint64

	mu      sync.RWMutex
	healthy bool
}

// NewClient creates a chain-info client against url, the node's RPC
// endpoint. timeout bounds every call.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		healthy: true,
	}
}

func (c *Client) rpcURL() string {
	if strings.HasSuffix(c.url, "/json_rpc") {
		return c.url
	}
	return strings.TrimSuffix(c.url, "/") + "/json_rpc"
}

func (c *Client) call(ctx context.Context, method string) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.id, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: id})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}
	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.healthy = true
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// IsHealthy reports whether the most recent call succeeded.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Sample fetches the node's current network difficulty and block reward
// via get_info and derives a hashrate estimate (util.NetworkHashrate).
func (c *Client) Sample(ctx context.Context) (Sample, error) {
	raw, err := c.call(ctx, "get_info")
	if err != nil {
		return Sample{}, fmt.Errorf("chaininfo: get_info: %w", err)
	}

	var info getInfoResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return Sample{}, fmt.Errorf("chaininfo: decode get_info: %w", err)
	}

	difficulty := parseDifficulty(info.Difficulty)
	blockTimeSeconds := float64(info.AverageBlockTime) / 1000
	return Sample{
		Difficulty:  difficulty,
		BlockReward: info.BlockReward,
		Hashrate:    util.NetworkHashrate(difficulty, blockTimeSeconds),
	}, nil
}

func parseDifficulty(diff string) uint64 {
	val, err := strconv.ParseUint(diff, 10, 64)
	if err != nil {
		return 0
	}
	return val
}
