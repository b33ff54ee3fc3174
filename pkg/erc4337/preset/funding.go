package preset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

var ErrFundingReverted = errors.New("funding transaction reverted")

// BalanceReader reads native balances. *ethclient.Client implements it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Funder moves native currency into a smart account and waits until it is mined.
type Funder interface {
	Fund(ctx context.Context, to common.Address, amount *big.Int) (*types.Receipt, error)
}

// FundingBackend is the node access EOAFunder needs. *ethclient.Client implements it.
type FundingBackend interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EOAFunder pays from an externally owned account with EIP-1559 transfers.
type EOAFunder struct {
	backend FundingBackend
	key     *ecdsa.PrivateKey
	chainID *big.Int
	fees    FeeOracle
	logger  sdklogging.Logger
}

func NewEOAFunder(backend FundingBackend, key *ecdsa.PrivateKey, chainID *big.Int, fees FeeOracle, log sdklogging.Logger) *EOAFunder {
	return &EOAFunder{
		backend: backend,
		key:     key,
		chainID: new(big.Int).Set(chainID),
		fees:    fees,
		logger:  logger.EnsureLogger(log),
	}
}

func (f *EOAFunder) Address() common.Address {
	return signer.AddressOf(f.key)
}

// Fund sends amount to `to` and blocks until the transfer is mined. A reverted transfer
// is an error.
func (f *EOAFunder) Fund(ctx context.Context, to common.Address, amount *big.Int) (*types.Receipt, error) {
	from := f.Address()

	nonce, err := f.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce of %s: %w", from.Hex(), err)
	}
	fee, err := f.fees.SuggestFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest fees: %w", err)
	}
	gas, err := f.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: amount})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate transfer gas: %w", err)
	}

	tx, err := types.SignNewTx(f.key, types.LatestSignerForChainID(f.chainID), &types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: fee.MaxPriorityFeePerGas,
		GasFeeCap: fee.MaxFeePerGas,
		Gas:       gas,
		To:        &to,
		Value:     amount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign funding transaction: %w", err)
	}

	if err := f.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to send funding transaction: %w", err)
	}
	f.logger.Info("funding transaction sent", "tx", tx.Hash().Hex(), "to", to.Hex(), "amount", amount.String())

	receipt, err := bind.WaitMined(ctx, f.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for funding transaction %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrFundingReverted, tx.Hash().Hex())
	}
	return receipt, nil
}
