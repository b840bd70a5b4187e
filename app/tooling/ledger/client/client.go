// Package client provides a small http client over the public api of a
// ledger node.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
)

// StatusError is returned when a node answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (se *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", se.StatusCode, se.Body)
}

// ChainStatus is the summary a node gives about its chain.
type ChainStatus struct {
	Height        uint64 `json:"height"`
	LastBlockHash string `json:"last_block_hash"`
	MempoolSize   int    `json:"mempool_size"`
}

// Accepted is the answer to a transaction submit.
type Accepted struct {
	Status string `json:"status"`
	TxID   string `json:"tx_id"`
}

// Client talks to the public api of nodes.
type Client struct {
	http *http.Client
}

// New constructs a client with the specified per request timeout.
func New(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// Status returns the chain summary of the node.
func (c *Client) Status(ctx context.Context, node string) (ChainStatus, error) {
	var cs ChainStatus
	if err := c.Do(ctx, http.MethodGet, url(node, "/v1/chain/status"), nil, &cs); err != nil {
		return ChainStatus{}, err
	}
	return cs, nil
}

// Submit sends a transfer to the node.
func (c *Client) Submit(ctx context.Context, node string, payload database.TxPayload) (Accepted, error) {
	body := payload

	var acc Accepted
	if err := c.Do(ctx, http.MethodPost, url(node, "/v1/tx/submit"), body, &acc); err != nil {
		return Accepted{}, err
	}
	return acc, nil
}

// Mine asks the node to mine its mempool alone.
func (c *Client) Mine(ctx context.Context, node string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodPost, url(node, "/v1/chain/mine"), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// MineDistributed asks the leader to run a consensus round.
func (c *Client) MineDistributed(ctx context.Context, leader string) (state.RoundResult, error) {
	var rr state.RoundResult
	if err := c.Do(ctx, http.MethodPost, url(leader, "/v1/chain/mine_distributed"), nil, &rr); err != nil {
		return state.RoundResult{}, err
	}
	return rr, nil
}

// Verify asks the node to audit its chain.
func (c *Client) Verify(ctx context.Context, node string) (state.VerifyResult, error) {
	var vr state.VerifyResult
	if err := c.Do(ctx, http.MethodGet, url(node, "/v1/chain/verify"), nil, &vr); err != nil {
		return state.VerifyResult{}, err
	}
	return vr, nil
}

// Faults returns the fault configuration of the node.
func (c *Client) Faults(ctx context.Context, node string) (faults.NodeConfig, error) {
	var cfg faults.NodeConfig
	if err := c.Do(ctx, http.MethodGet, url(node, "/v1/admin/network/state"), nil, &cfg); err != nil {
		return faults.NodeConfig{}, err
	}
	return cfg, nil
}

// SetFaults changes the fault configuration of the node.
func (c *Client) SetFaults(ctx context.Context, node string, patch faults.NodePatch) (faults.NodeConfig, error) {
	var cfg faults.NodeConfig
	if err := c.Do(ctx, http.MethodPut, url(node, "/v1/admin/network/state"), patch, &cfg); err != nil {
		return faults.NodeConfig{}, err
	}
	return cfg, nil
}

// Chaos returns the chaos configuration of the node.
func (c *Client) Chaos(ctx context.Context, node string) (faults.ChaosConfig, error) {
	var cfg faults.ChaosConfig
	if err := c.Do(ctx, http.MethodGet, url(node, "/v1/admin/network/sim"), nil, &cfg); err != nil {
		return faults.ChaosConfig{}, err
	}
	return cfg, nil
}

// SetChaos changes the chaos configuration of the node.
func (c *Client) SetChaos(ctx context.Context, node string, patch faults.ChaosPatch) (faults.ChaosConfig, error) {
	var cfg faults.ChaosConfig
	if err := c.Do(ctx, http.MethodPut, url(node, "/v1/admin/network/sim"), patch, &cfg); err != nil {
		return faults.ChaosConfig{}, err
	}
	return cfg, nil
}

// Do sends the request and decodes a 2xx answer into out.
func (c *Client) Do(ctx context.Context, method string, endpoint string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func url(node string, path string) string {
	return strings.TrimSuffix(node, "/") + path
}
