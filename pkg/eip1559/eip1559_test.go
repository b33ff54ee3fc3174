package eip1559

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	tip     *big.Int
	baseFee *big.Int
	err     error
}

func (s *stubSource) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return s.tip, s.err
}

func (s *stubSource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: s.baseFee}, nil
}

const gwei = 1_000_000_000

func TestSuggestFee(t *testing.T) {
	tests := []struct {
		name       string
		tip        int64
		baseFee    *big.Int
		wantTip    int64
		wantMaxFee int64
	}{
		{"buffered tip", 10 * gwei, big.NewInt(20 * gwei), 11_300_000_000, 51_300_000_000},
		{"minimum tip", 1 * gwei, big.NewInt(30 * gwei), 2 * gwei, 62 * gwei},
		{"minimum max fee", 1 * gwei, big.NewInt(1 * gwei), 2 * gwei, 20 * gwei},
		{"legacy chain", 3 * gwei, nil, 3_390_000_000, 3_390_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := NewOracle(&stubSource{tip: big.NewInt(tt.tip), baseFee: tt.baseFee}, DefaultPolicy())
			fees, err := oracle.SuggestFee(context.Background())
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(tt.wantTip), fees.MaxPriorityFeePerGas)
			assert.Equal(t, big.NewInt(tt.wantMaxFee), fees.MaxFeePerGas)
		})
	}
}

func TestSuggestFeeError(t *testing.T) {
	cause := errors.New("node down")
	_, err := NewOracle(&stubSource{err: cause}, DefaultPolicy()).SuggestFee(context.Background())
	assert.ErrorIs(t, err, cause)
}
