package eip1559

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeSource is the node access the oracle needs; *ethclient.Client implements it.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Policy tunes how node suggestions become operation fees.
type Policy struct {
	// TipBufferPercent is added on top of the suggested tip.
	TipBufferPercent int64
	// MinTip keeps bundlers interested.
	MinTip *big.Int
	// MinMaxFee is a floor for maxFeePerGas on EIP-1559 chains.
	MinMaxFee *big.Int
}

func DefaultPolicy() Policy {
	return Policy{
		TipBufferPercent: 13,
		MinTip:           big.NewInt(2_000_000_000),  // 2 gwei
		MinMaxFee:        big.NewInt(20_000_000_000), // 20 gwei
	}
}

// Fees are the two fee market fields of an operation.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type Oracle struct {
	source FeeSource
	policy Policy
}

func NewOracle(source FeeSource, policy Policy) *Oracle {
	return &Oracle{source: source, policy: policy}
}

func (o *Oracle) SuggestFee(ctx context.Context) (*Fees, error) {
	// Get suggested gas tip cap (maxPriorityFeePerGas)
	tipCap, err := o.source.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	// Estimate base fee for the next block
	header, err := o.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer.Mul(buffer, big.NewInt(o.policy.TipBufferPercent))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if o.policy.MinTip != nil && maxPriorityFeePerGas.Cmp(o.policy.MinTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(o.policy.MinTip)
	}

	var maxFeePerGas *big.Int

	baseFee := header.BaseFee
	if baseFee != nil {
		// maxFeePerGas = (2 * baseFee) + maxPriorityFeePerGas keeps the op includable
		// even if baseFee doubles before it lands
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)

		if o.policy.MinMaxFee != nil && maxFeePerGas.Cmp(o.policy.MinMaxFee) < 0 {
			maxFeePerGas = new(big.Int).Set(o.policy.MinMaxFee)
		}
	} else {
		// Legacy (pre-EIP-1559) chain - use maxPriorityFeePerGas as maxFeePerGas
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return &Fees{
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
	}, nil
}
