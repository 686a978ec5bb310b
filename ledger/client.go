package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// codeAccountNotFound is the node's JSON-RPC error code for a missing
// account.
const codeAccountNotFound = -32004

// Client talks JSON-RPC 2.0 to a ledger node over HTTP. It implements the
// RPC interface the watcher, reconciler and finalizer consume.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Uint64
}

var _ RPC = (*Client)(nil)

// NewClient returns a client for the node at endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// SubmitTransaction broadcasts raw transaction bytes and returns the
// node-assigned signature.
func (c *Client) SubmitTransaction(ctx context.Context, raw []byte) (Signature, error) {
	var sigHex string
	err := c.call(ctx, "sendTransaction", []any{base64.StdEncoding.EncodeToString(raw)}, &sigHex)
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(sigHex)
}

type accountInfoResult struct {
	Data string `json:"data"` // base64
	Slot uint64 `json:"slot"`
}

// AccountData fetches the current bytes of addr's account. A node-side
// not-found maps to ErrAccountNotFound so callers can distinguish an escrow
// that is not created yet from a transport failure.
func (c *Client) AccountData(ctx context.Context, addr Address) ([]byte, uint64, error) {
	var res accountInfoResult
	err := c.call(ctx, "getAccountInfo", []any{addr.String()}, &res)
	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) && rerr.Code == codeAccountNotFound {
			return nil, 0, ErrAccountNotFound
		}
		return nil, 0, err
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode account data: %w", err)
	}
	return data, res.Slot, nil
}

type blockRefResult struct {
	Hash   string `json:"blockhash"`
	Height uint64 `json:"height"`
}

// LatestBlockRef returns the most recent block hash and height to anchor a
// new transaction against.
func (c *Client) LatestBlockRef(ctx context.Context) (BlockRef, error) {
	var res blockRefResult
	if err := c.call(ctx, "getLatestBlockhash", nil, &res); err != nil {
		return BlockRef{}, err
	}
	return BlockRef{Hash: res.Hash, Height: res.Height}, nil
}

type signatureStatusResult struct {
	Confirmations uint32 `json:"confirmations"`
}

// ConfirmSignature reports how many blocks have built on top of the block
// that included sig.
func (c *Client) ConfirmSignature(ctx context.Context, sig Signature) (uint32, error) {
	var res signatureStatusResult
	if err := c.call(ctx, "getSignatureStatus", []any{sig.String()}, &res); err != nil {
		return 0, err
	}
	return res.Confirmations, nil
}
