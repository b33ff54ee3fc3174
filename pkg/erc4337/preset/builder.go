// Package preset assembles the userop building blocks into a complete submission
// pipeline for SimpleAccount smart wallets.
package preset

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var (
	// 200K covers SimpleAccount.execute plus an ETH transfer. Used when the account is not
	// deployed yet and the node cannot estimate the call.
	DEFAULT_CALL_GAS_LIMIT = big.NewInt(200000)
	// 1M for signature verification + paymaster validation
	DEFAULT_VERIFICATION_GAS_LIMIT = big.NewInt(1000000)
	// 3M when initCode deploys the account in the same operation
	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(3000000)
)

// AccountReader is the smart account state the builder needs. *aa.Account implements it.
type AccountReader interface {
	SenderAddress(ctx context.Context, owner common.Address) (common.Address, error)
	InitCode(ctx context.Context, owner, sender common.Address) ([]byte, error)
	Nonce(ctx context.Context, sender common.Address) (*big.Int, error)
	EstimateCallGas(ctx context.Context, sender common.Address, callData []byte) (*big.Int, error)
}

// FeeOracle suggests EIP-1559 fee caps. *eip1559.Oracle implements it.
type FeeOracle interface {
	SuggestFee(ctx context.Context) (*eip1559.Fees, error)
}

// GasLimits are the fixed limits used where nothing is estimated.
type GasLimits struct {
	UndeployedCallGas      *big.Int
	VerificationGas        *big.Int
	DeploymentVerification *big.Int
}

func DefaultGasLimits() GasLimits {
	return GasLimits{
		UndeployedCallGas:      DEFAULT_CALL_GAS_LIMIT,
		VerificationGas:        DEFAULT_VERIFICATION_GAS_LIMIT,
		DeploymentVerification: DEPLOYMENT_VERIFICATION_GAS_LIMIT,
	}
}

// Call is one SimpleAccount.execute invocation.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// Builder turns a call into an unresolved UserOperation whose chain dependent fields are
// pending lookups.
type Builder struct {
	account   AccountReader
	fees      FeeOracle
	limits    GasLimits
	overheads userop.GasOverheads
}

func NewBuilder(account AccountReader, fees FeeOracle, limits GasLimits, overheads userop.GasOverheads) *Builder {
	defaults := DefaultGasLimits()
	if limits.UndeployedCallGas == nil {
		limits.UndeployedCallGas = defaults.UndeployedCallGas
	}
	if limits.VerificationGas == nil {
		limits.VerificationGas = defaults.VerificationGas
	}
	if limits.DeploymentVerification == nil {
		limits.DeploymentVerification = defaults.DeploymentVerification
	}
	if overheads == (userop.GasOverheads{}) {
		overheads = userop.DefaultGasOverheads
	}
	return &Builder{
		account:   account,
		fees:      fees,
		limits:    limits,
		overheads: overheads,
	}
}

// Sender derives the smart account address of owner.
func (b *Builder) Sender(ctx context.Context, owner common.Address) (common.Address, error) {
	return b.account.SenderAddress(ctx, owner)
}

// Build returns the unresolved operation sending call from sender. The sender is
// concrete; every lookup depending on it is pending and runs at most once during Resolve.
// When sponsored is set, preVerificationGas prices a full length paymasterAndData.
func (b *Builder) Build(owner, sender common.Address, call Call, sponsored bool) (*userop.UnresolvedUserOperation, error) {
	callData, err := aa.PackExecute(call.Target, call.Value, call.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute calldata: %w", err)
	}

	nonce := userop.Memoize(func(ctx context.Context) (*big.Int, error) {
		return b.account.Nonce(ctx, sender)
	})
	initCode := userop.Memoize(func(ctx context.Context) ([]byte, error) {
		return b.account.InitCode(ctx, owner, sender)
	})
	fees := userop.Memoize(b.fees.SuggestFee)

	callGas := userop.Memoize(func(ctx context.Context) (*big.Int, error) {
		code, err := initCode(ctx)
		if err != nil {
			return nil, err
		}
		if len(code) > 0 {
			return new(big.Int).Set(b.limits.UndeployedCallGas), nil
		}
		return b.account.EstimateCallGas(ctx, sender, callData)
	})
	verificationGas := userop.Memoize(func(ctx context.Context) (*big.Int, error) {
		code, err := initCode(ctx)
		if err != nil {
			return nil, err
		}
		if len(code) > 0 {
			return new(big.Int).Set(b.limits.DeploymentVerification), nil
		}
		return new(big.Int).Set(b.limits.VerificationGas), nil
	})

	preVerificationGas := func(ctx context.Context) (*big.Int, error) {
		var err error
		draft := &userop.UserOperation{Sender: sender, CallData: callData}
		if sponsored {
			draft.PaymasterAndData = bytes.Repeat([]byte{1}, paymaster.PaymasterAndDataLength)
		}

		if draft.Nonce, err = nonce(ctx); err != nil {
			return nil, err
		}
		if draft.InitCode, err = initCode(ctx); err != nil {
			return nil, err
		}
		if draft.CallGasLimit, err = callGas(ctx); err != nil {
			return nil, err
		}
		if draft.VerificationGasLimit, err = verificationGas(ctx); err != nil {
			return nil, err
		}
		fee, err := fees(ctx)
		if err != nil {
			return nil, err
		}
		draft.MaxFeePerGas = fee.MaxFeePerGas
		draft.MaxPriorityFeePerGas = fee.MaxPriorityFeePerGas

		return userop.CalcPreVerificationGas(draft, b.overheads)
	}

	return &userop.UnresolvedUserOperation{
		Sender:               userop.Concrete(sender),
		Nonce:                userop.Pending(nonce),
		InitCode:             userop.Pending(initCode),
		CallData:             userop.Concrete(callData),
		CallGasLimit:         userop.Pending(callGas),
		VerificationGasLimit: userop.Pending(verificationGas),
		PreVerificationGas:   userop.Pending(preVerificationGas),
		MaxFeePerGas: userop.Pending(func(ctx context.Context) (*big.Int, error) {
			fee, err := fees(ctx)
			if err != nil {
				return nil, err
			}
			return fee.MaxFeePerGas, nil
		}),
		MaxPriorityFeePerGas: userop.Pending(func(ctx context.Context) (*big.Int, error) {
			fee, err := fees(ctx)
			if err != nil {
				return nil, err
			}
			return fee.MaxPriorityFeePerGas, nil
		}),
	}, nil
}
