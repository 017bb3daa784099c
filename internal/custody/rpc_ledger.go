package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// RPCLedger implements Ledger against a remote asset ledger speaking JSON-RPC 2.0.
//
// Methods:
//
//	asset_transferFrom {asset, spender, from, to, amount, idempotencyKey} -> true
//	asset_transfer     {asset, from, to, amount, idempotencyKey}          -> true
//	asset_balanceOf    {asset, account}                                   -> "<decimal>"
//
// Every movement carries an idempotency key that stays fixed across retries so
// the remote side can deduplicate a request whose response was lost.
type RPCLedger struct {
	endpoint    string
	custodian   common.Address
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// RPCOption configures RPCLedger.
type RPCOption func(*RPCLedger)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) RPCOption {
	return func(l *RPCLedger) {
		l.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) RPCOption {
	return func(l *RPCLedger) {
		l.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) RPCOption {
	return func(l *RPCLedger) {
		l.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) RPCOption {
	return func(l *RPCLedger) {
		l.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) RPCOption {
	return func(l *RPCLedger) {
		l.client = client
	}
}

// NewRPCLedger creates a ledger client acting for custodian.
func NewRPCLedger(endpoint string, custodian common.Address, opts ...RPCOption) *RPCLedger {
	l := &RPCLedger{
		endpoint:    endpoint,
		custodian:   custodian,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Ledger = (*RPCLedger)(nil)

// Token returns the handle for asset.
func (l *RPCLedger) Token(asset common.Address) Token {
	return &rpcToken{ledger: l, asset: asset}
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by the remote ledger. It is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// movementParams is the parameter object of the transfer methods.
type movementParams struct {
	Asset          string `json:"asset"`
	Spender        string `json:"spender,omitempty"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type balanceParams struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
}

// call performs a JSON-RPC call with retries and exponential backoff.
// Transport failures, 429 and 5xx responses are retried; RPC errors are not.
func (l *RPCLedger) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      l.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := l.retryDelay
	var lastErr error

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * l.backoffMult)
			if delay > l.maxDelay {
				delay = l.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := l.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}

		if rpcResp.Error != nil {
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (l *RPCLedger) move(ctx context.Context, method string, p movementParams) error {
	p.IdempotencyKey = uuid.NewString()

	var ok bool
	if err := l.call(ctx, method, []interface{}{p}, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.New(method + " returned false")
	}
	return nil
}

type rpcToken struct {
	ledger *RPCLedger
	asset  common.Address
}

func (t *rpcToken) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return t.ledger.move(ctx, "asset_transferFrom", movementParams{
		Asset:   t.asset.Hex(),
		Spender: t.ledger.custodian.Hex(),
		From:    from.Hex(),
		To:      to.Hex(),
		Amount:  amount.String(),
	})
}

func (t *rpcToken) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return t.ledger.move(ctx, "asset_transfer", movementParams{
		Asset:  t.asset.Hex(),
		From:   t.ledger.custodian.Hex(),
		To:     to.Hex(),
		Amount: amount.String(),
	})
}

func (t *rpcToken) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	params := []interface{}{balanceParams{Asset: t.asset.Hex(), Account: account.Hex()}}

	var result string
	if err := t.ledger.call(ctx, "asset_balanceOf", params, &result); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(result, 10)
	if !ok || bal.Sign() < 0 {
		return nil, fmt.Errorf("invalid balance %q", result)
	}
	return bal, nil
}
