// Package fee reports what an included operation actually cost.
package fee

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
)

var ErrInvalidReceipt = errors.New("invalid receipt")

const etherDecimals = 18

// Fee is gasUsed * effectiveGasPrice in wei.
func Fee(r *bundler.Receipt) (*big.Int, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil receipt", ErrInvalidReceipt)
	}
	if r.GasUsed == nil || r.EffectiveGasPrice == nil {
		return nil, fmt.Errorf("%w: gasUsed and effectiveGasPrice are required", ErrInvalidReceipt)
	}
	if r.GasUsed.Sign() < 0 || r.EffectiveGasPrice.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative gas values", ErrInvalidReceipt)
	}

	return new(big.Int).Mul(r.GasUsed, r.EffectiveGasPrice), nil
}

// ToEther converts a wei amount to ether without loss of precision.
func ToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -etherDecimals)
}

// FormatEther renders wei as an ether amount, e.g. "0.000021".
func FormatEther(wei *big.Int) string {
	return ToEther(wei).String()
}

// ParseEther converts a decimal ether amount such as "1.5" to wei. More than 18
// fractional digits is an error.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid ether amount %q: negative", s)
	}

	wei := d.Shift(etherDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("invalid ether amount %q: more than 18 decimals", s)
	}
	return wei.BigInt(), nil
}
