// Package chainclient is the SmartDrive read/write oracle client (spec
// §4.3, component C3): enumerate validators/miners, look up stake, post
// weights. It is a thin typed wrapper over JSON-RPC-over-HTTP, grounded
// on the teacher's tosclient.Client (a Client struct wrapping one
// transport, with typed request/response structs per verb). Transport
// is github.com/hashicorp/go-retryablehttp so transient outages are
// retried with backoff before collapsing to ErrNetworkUnreachable, the
// behavior spec §4.3 requires ("fails with NetworkUnreachable on
// exhausted retries").
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
)

// ErrNetworkUnreachable is returned by every Client method once retries
// are exhausted; callers treat this as a transient error that aborts
// the current round (spec §4.3/§7).
var ErrNetworkUnreachable = errors.New("chainclient: network unreachable")

// Client talks to the on-chain module enumeration/stake/weights oracle.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New returns a client pointed at the oracle's base URL, retrying each
// call up to maxRetries times with exponential backoff.
func New(baseURL string, maxRetries int) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxRetries
	rc.Logger = nil
	return &Client{baseURL: baseURL, http: rc}
}

type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("chainclient: marshal request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chainclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ErrNetworkUnreachable
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return ErrNetworkUnreachable
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetModules enumerates registered actors of the given role on netuid
// (spec §4.3).
func (c *Client) GetModules(ctx context.Context, netuid int, typ chain.ModuleType) ([]chain.Module, error) {
	var modules []chain.Module
	if err := c.call(ctx, "get_modules", map[string]interface{}{"netuid": netuid, "type": typ}, &modules); err != nil {
		return nil, err
	}
	return modules, nil
}

// GetStakeTo returns how much stake addr has delegated to each address
// on netuid, in base units (spec §4.3).
func (c *Client) GetStakeTo(ctx context.Context, addr common.Address, netuid int) (map[common.Address]int64, error) {
	var out map[common.Address]int64
	if err := c.call(ctx, "get_stake_to", map[string]interface{}{"address": addr, "netuid": netuid}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetWeights publishes a score map for netuid (spec §4.3/§4.9 step 6).
func (c *Client) SetWeights(ctx context.Context, scores map[common.Address]int64, netuid int) error {
	return c.call(ctx, "set_weights", map[string]interface{}{"weights": scores, "netuid": netuid}, nil)
}

// WithTimeout is a convenience for building a bounded context for a
// single oracle round.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
