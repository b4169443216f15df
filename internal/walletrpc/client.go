// Package walletrpc is a thin client for the wallet daemon's JSON-RPC surface.
//
// It does request/response mapping only: no business logic lives here.
// Idempotent reads (height, balance, address listing, transfer listing) are
// retried a bounded number of times. Transfer and sweep calls are never
// retried automatically; an ambiguous failure surfaces as a TransferError
// the caller must resolve against the wallet's transfer history before any
// retry, since the call may have reached the wallet even though the response
// was lost.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/retry"
)

var (
	// ErrUnavailable indicates the wallet RPC could not be reached or timed out.
	ErrUnavailable = errors.New("walletrpc: wallet unavailable")
)

// RPCError is a structured error returned by the wallet in the
// {"error": {"code", "message"}} envelope. It is a definitive response:
// the wallet received the request and rejected it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("walletrpc: rpc error %d: %s", e.Code, e.Message)
}

// TransferError wraps a failed transfer or sweep call. When Ambiguous is
// true the outcome is unknown: the wallet may have broadcast the transaction
// even though the call failed, and the caller must verify via transfer
// history before retrying.
type TransferError struct {
	Op        string // "transfer" or "sweep_single"
	Ambiguous bool
	Err       error
}

func (e *TransferError) Error() string {
	if e.Ambiguous {
		return fmt.Sprintf("walletrpc: %s outcome unknown, verify before retrying: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("walletrpc: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Destination is one recipient of a transfer.
type Destination struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// IncomingTransfer is one incoming payment reported by get_transfers.
type IncomingTransfer struct {
	TxID          string `json:"txid"`
	Amount        uint64 `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
	SubaddrIndex  struct {
		Major uint32 `json:"major"`
		Minor uint32 `json:"minor"`
	} `json:"subaddr_index"`
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

// TransferResult is the wallet's response to transfer/sweep calls.
type TransferResult struct {
	TxHash string `json:"tx_hash"`
	Amount uint64 `json:"amount"`
	Fee    uint64 `json:"fee"`
}

// Balance is the wallet-wide balance pair.
type Balance struct {
	Total    uint64 `json:"balance"`
	Unlocked uint64 `json:"unlocked_balance"`
}

// Subaddress is a freshly created receiving address.
type Subaddress struct {
	Address string `json:"address"`
	Index   uint32 `json:"address_index"`
}

// Config for the wallet RPC client.
type Config struct {
	URL         string
	Username    string
	Password    string
	Timeout     time.Duration // per-call deadline
	ReadRetries int           // bounded retries for idempotent reads
	RateLimit   float64       // requests per second; 0 disables limiting
}

// Doer abstracts *http.Client for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures the client.
type Option func(*Client)

// WithDoer sets a custom HTTP doer (useful for testing).
func WithDoer(d Doer) Option {
	return func(c *Client) { c.http = d }
}

// Client talks to a single wallet daemon. The wallet is one shared resource
// across all trades; the client itself is safe for concurrent use.
type Client struct {
	cfg     Config
	http    Doer
	limiter *rate.Limiter
}

// New creates a wallet RPC client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = 3
	}

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

// jsonrpc envelope types

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC round trip. Transport failures map to
// ErrUnavailable; wallet error envelopes map to *RPCError.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	defer func() {
		metrics.WalletRPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("walletrpc: marshal %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("walletrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", ErrUnavailable, method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", ErrUnavailable, method, err)
		}
	}
	return nil
}

// readCall retries transport failures; wallet error envelopes are definitive
// and stop the retry loop.
func (c *Client) readCall(ctx context.Context, method string, params, out interface{}) error {
	return retry.Do(ctx, c.cfg.ReadRetries, 200*time.Millisecond, func() error {
		err := c.call(ctx, method, params, out)
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return retry.Permanent(err)
		}
		return err
	})
}

// GetHeight returns the wallet's current blockchain height.
func (c *Client) GetHeight(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := c.readCall(ctx, "get_height", nil, &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

// GetBalance returns the balance of the given account.
func (c *Client) GetBalance(ctx context.Context, account uint32) (*Balance, error) {
	params := map[string]interface{}{"account_index": account}
	var out Balance
	if err := c.readCall(ctx, "get_balance", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAddress returns the primary address of the given account.
func (c *Client) GetAddress(ctx context.Context, account uint32) (string, error) {
	params := map[string]interface{}{"account_index": account}
	var out struct {
		Address string `json:"address"`
	}
	if err := c.readCall(ctx, "get_address", params, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// CreateAddress creates a new subaddress under the given account. One
// subaddress is dedicated to each trade so deposits attribute unambiguously.
// Creation is not idempotent, so it is not retried.
func (c *Client) CreateAddress(ctx context.Context, account uint32, label string) (*Subaddress, error) {
	params := map[string]interface{}{
		"account_index": account,
		"label":         label,
	}
	var out Subaddress
	if err := c.call(ctx, "create_address", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransfers lists incoming transfers (confirmed and mempool) for the given
// subaddress indices.
func (c *Client) GetTransfers(ctx context.Context, account uint32, subaddrIndices []uint32) ([]IncomingTransfer, error) {
	params := map[string]interface{}{
		"in":              true,
		"pending":         true,
		"pool":            true,
		"account_index":   account,
		"subaddr_indices": subaddrIndices,
	}
	var out struct {
		In   []IncomingTransfer `json:"in"`
		Pool []IncomingTransfer `json:"pool"`
	}
	if err := c.readCall(ctx, "get_transfers", params, &out); err != nil {
		return nil, err
	}
	return append(out.In, out.Pool...), nil
}

// GetTransferByTxid looks up a single transfer by transaction hash. Used to
// resolve ambiguous transfer outcomes before any retry.
func (c *Client) GetTransferByTxid(ctx context.Context, txid string) (*IncomingTransfer, error) {
	params := map[string]interface{}{"txid": txid}
	var out struct {
		Transfer IncomingTransfer `json:"transfer"`
	}
	if err := c.readCall(ctx, "get_transfer_by_txid", params, &out); err != nil {
		return nil, err
	}
	return &out.Transfer, nil
}

// Transfer sends funds to the given destinations. Never retried: on a
// transport failure the transaction may have been broadcast anyway, which the
// error reports as ambiguous.
func (c *Client) Transfer(ctx context.Context, account uint32, dests []Destination, priority uint32) (*TransferResult, error) {
	params := map[string]interface{}{
		"destinations":  dests,
		"account_index": account,
		"priority":      priority,
		"get_tx_key":    true,
	}
	var out TransferResult
	if err := c.call(ctx, "transfer", params, &out); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The wallet definitively rejected the transfer; nothing was sent.
			return nil, &TransferError{Op: "transfer", Err: err}
		}
		return nil, &TransferError{Op: "transfer", Ambiguous: true, Err: err}
	}
	return &out, nil
}

// SweepSingle sweeps the remaining balance to a single address. Same
// non-retry rules as Transfer.
func (c *Client) SweepSingle(ctx context.Context, address string, priority uint32) (*TransferResult, error) {
	params := map[string]interface{}{
		"address":  address,
		"priority": priority,
	}
	var out TransferResult
	if err := c.call(ctx, "sweep_single", params, &out); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &TransferError{Op: "sweep_single", Err: err}
		}
		return nil, &TransferError{Op: "sweep_single", Ambiguous: true, Err: err}
	}
	return &out, nil
}
