package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

// Receipt is the part of a mined transaction receipt the pipeline reads.
type Receipt struct {
	TransactionHash   common.Hash
	BlockNumber       *big.Int
	GasUsed           *big.Int
	EffectiveGasPrice *big.Int
	Status            uint64
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var raw struct {
		TransactionHash   common.Hash     `json:"transactionHash"`
		BlockNumber       *hexutil.Big    `json:"blockNumber"`
		GasUsed           *hexutil.Big    `json:"gasUsed"`
		EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
		Status            *hexutil.Uint64 `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.TransactionHash = raw.TransactionHash
	r.BlockNumber = raw.BlockNumber.ToInt()
	r.GasUsed = raw.GasUsed.ToInt()
	r.EffectiveGasPrice = raw.EffectiveGasPrice.ToInt()
	if raw.Status != nil {
		r.Status = uint64(*raw.Status)
	}
	return nil
}

// ReceiptFromTransaction converts a go-ethereum receipt.
func ReceiptFromTransaction(r *types.Receipt) *Receipt {
	out := &Receipt{
		TransactionHash: r.TxHash,
		GasUsed:         new(big.Int).SetUint64(r.GasUsed),
		Status:          r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = new(big.Int).Set(r.BlockNumber)
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}

// UserOpReceipt is the result of eth_getUserOperationReceipt.
type UserOpReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       *Receipt       `json:"receipt"`
}

// ReceiptSource looks up the receipt of a UserOperation, (nil, nil) meaning not included
// yet. Client and LogReceiptSource implement it.
type ReceiptSource interface {
	UserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error)
}

// Sources asks each source in order and returns the first receipt found. Errors are only
// reported when no source had a receipt.
type Sources []ReceiptSource

func (s Sources) UserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	var errs []error
	for _, source := range s {
		receipt, err := source.UserOperationReceipt(ctx, hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if receipt != nil {
			return receipt, nil
		}
	}
	return nil, errors.Join(errs...)
}

// WaitOptions bounds receipt polling.
type WaitOptions struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BackoffFactor   float64
}

// DefaultWaitOptions polls at 1s, 1.5s, 2.25s ... capped at 5s, for up to a minute.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         60 * time.Second,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Second,
		BackoffFactor:   1.5,
	}
}

func (o WaitOptions) withDefaults() WaitOptions {
	d := DefaultWaitOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = d.BackoffFactor
	}
	return o
}

func (o WaitOptions) nextInterval(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * o.BackoffFactor)
	if next > o.MaxInterval {
		next = o.MaxInterval
	}
	return next
}

// Waiter polls a ReceiptSource with exponential backoff.
type Waiter struct {
	source ReceiptSource
	opts   WaitOptions
	clock  clockwork.Clock
	logger sdklogging.Logger
}

func NewWaiter(source ReceiptSource, opts WaitOptions, clock clockwork.Clock, log sdklogging.Logger) *Waiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Waiter{
		source: source,
		opts:   opts.withDefaults(),
		clock:  clock,
		logger: logger.EnsureLogger(log),
	}
}

// Wait blocks until the operation is included, the timeout elapses or ctx is done.
//
// Returns:
// - (*UserOpReceipt, nil) once the operation is included
// - (nil, nil) if the timeout elapsed first, the operation may still be pending
// - (nil, ctx.Err()) if ctx was cancelled
//
// Lookup errors are treated as transient and polling continues.
func (w *Waiter) Wait(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	start := w.clock.Now()
	deadline := start.Add(w.opts.Timeout)
	interval := w.opts.InitialInterval

	for attempt := 1; ; attempt++ {
		receipt, err := w.source.UserOperationReceipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Warn("user operation receipt lookup failed", "userOpHash", hash.Hex(), "attempt", attempt, "error", err)
		} else if receipt != nil {
			w.logger.Debug("user operation included", "userOpHash", hash.Hex(), "attempts", attempt, "elapsed", w.clock.Since(start))
			return receipt, nil
		}

		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			w.logger.Info("timed out waiting for user operation, it may still be pending", "userOpHash", hash.Hex(), "attempts", attempt)
			return nil, nil
		}

		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}

		timer := w.clock.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.Chan():
		}

		interval = w.opts.nextInterval(interval)
	}
}

// AwaitReceipt is a one-shot Waiter on the wall clock.
func AwaitReceipt(ctx context.Context, source ReceiptSource, hash common.Hash, opts WaitOptions) (*UserOpReceipt, error) {
	return NewWaiter(source, opts, nil, nil).Wait(ctx, hash)
}

func (r *UserOpReceipt) String() string {
	if r == nil || r.Receipt == nil {
		return "<pending>"
	}
	return fmt.Sprintf("userOp %s in tx %s (success=%t)", r.UserOpHash.Hex(), r.Receipt.TransactionHash.Hex(), r.Success)
}
