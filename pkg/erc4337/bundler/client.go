// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const defaultRequestTimeout = 30 * time.Second

// RejectedError is a JSON-RPC error returned by the bundler, e.g. a simulation failure
// ("AA21 didn't pay prefund") or an expired paymaster attestation. Message is the
// bundler's text, unmodified.
type RejectedError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bundler rejected request (code %d): %s", e.Code, e.Message)
}

// Client talks to an EIP-4337 bundler RPC endpoint. Requests go over plain HTTP first;
// the go-ethereum rpc client is used as a fallback when the HTTP transport itself fails.
// A JSON-RPC error from the bundler is final and never retried over the fallback.
type Client struct {
	url    string
	http   *resty.Client
	rpc    *rpc.Client
	logger sdklogging.Logger
	nextID atomic.Uint64
}

// NewClient creates a Client for the given URL.
func NewClient(url string, log sdklogging.Logger) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("bundler url is required")
	}

	// Use DialHTTP instead of Dial as it is more compatible with HTTP-based bundler
	// endpoints.
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}

	httpClient := resty.New()
	httpClient.SetTimeout(defaultRequestTimeout)
	httpClient.SetHeader("Content-Type", "application/json")

	return &Client{
		url:    url,
		http:   httpClient,
		rpc:    c,
		logger: logger.EnsureLogger(log),
	}, nil
}

// Close closes the underlying RPC client connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// SendUserOperation submits a signed operation and returns the userOpHash the bundler
// assigned to it. A rejection is returned as *RejectedError.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, &hash, "eth_sendUserOperation", NewUserOperation(op), entryPoint.Hex()); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// EstimateUserOperationGas estimates the gas limits for op.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature field is ignored by the account, but it must have a valid length, see
// userop.OwnerSigner.DummySignature.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*GasEstimation, error) {
	var result gasEstimationResult
	if err := c.call(ctx, &result, "eth_estimateUserOperationGas", NewUserOperation(op), entryPoint.Hex()); err != nil {
		return nil, err
	}

	return &GasEstimation{
		PreVerificationGas:   result.PreVerificationGas.Int,
		VerificationGasLimit: result.VerificationGasLimit.Int,
		CallGasLimit:         result.CallGasLimit.Int,
	}, nil
}

// UserOperationReceipt fetches the receipt of a UserOperation. It returns (nil, nil)
// while the operation is not yet included.
func (c *Client) UserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	var receipt *UserOpReceipt
	if err := c.call(ctx, &receipt, "eth_getUserOperationReceipt", hash.Hex()); err != nil {
		return nil, err
	}
	return receipt, nil
}

// SupportedEntryPoints lists the entry points the bundler accepts operations for.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := c.call(ctx, &entryPoints, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return entryPoints, nil
}

// SendBundleNow asks a development bundler to bundle its mempool immediately instead of
// waiting for its auto bundling interval.
func (c *Client) SendBundleNow(ctx context.Context) error {
	return c.call(ctx, nil, "debug_bundler_sendBundleNow")
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RejectedError  `json:"error"`
}

// Methods the bundler may already have acted on when a response is lost. They are only
// retried over the fallback when the request provably never left this process.
var nonIdempotent = map[string]bool{
	"eth_sendUserOperation": true,
}

// transportError marks failures below the JSON-RPC layer, the only ones worth retrying
// over the fallback client. delivered is false when the connection was never
// established.
type transportError struct {
	err       error
	delivered bool
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) call(ctx context.Context, result any, method string, params ...any) error {
	if params == nil {
		params = []any{}
	}

	err := c.callHTTP(ctx, result, method, params)
	var te *transportError
	if err == nil || !errors.As(err, &te) || ctx.Err() != nil {
		return err
	}
	if te.delivered && nonIdempotent[method] {
		return err
	}

	c.logger.Warn("bundler HTTP request failed, trying RPC fallback", "method", method, "error", err)
	return c.callRPC(ctx, result, method, params)
}

func (c *Client) callHTTP(ctx context.Context, result any, method string, params []any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	c.logger.Debug("bundler request", "method", method, "id", req.ID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.url)
	if err != nil {
		return &transportError{
			err:       fmt.Errorf("%s: failed to send HTTP request: %w", method, err),
			delivered: !isDialError(err),
		}
	}

	body := resp.Body()
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode() != http.StatusOK {
			return &transportError{
				err:       fmt.Errorf("%s: %d %s: %s", method, resp.StatusCode(), http.StatusText(resp.StatusCode()), string(body)),
				delivered: true,
			}
		}
		return fmt.Errorf("%s: failed to parse JSON response: %w", method, err)
	}

	if rpcResp.Error != nil {
		c.logger.Debug("bundler rejected request", "method", method, "code", rpcResp.Error.Code, "message", rpcResp.Error.Message)
		return rpcResp.Error
	}

	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

// isDialError reports whether err happened before any byte reached the bundler.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func (c *Client) callRPC(ctx context.Context, result any, method string, params []any) error {
	err := c.rpc.CallContext(ctx, result, method, params...)
	if err == nil {
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		rejected := &RejectedError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
			rejected.Data, _ = json.Marshal(dataErr.ErrorData())
		}
		return rejected
	}

	return fmt.Errorf("%s: %w", method, err)
}
