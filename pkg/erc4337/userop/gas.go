package userop

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GasOverheads is the calldata cost model a bundler charges through preVerificationGas.
type GasOverheads struct {
	Fixed         int64
	PerUserOp     int64
	PerUserOpWord int64
	ZeroByte      int64
	NonZeroByte   int64
	BundleSize    int64
	SigSize       int
}

var DefaultGasOverheads = GasOverheads{
	Fixed:         21000,
	PerUserOp:     18300,
	PerUserOpWord: 4,
	ZeroByte:      4,
	NonZeroByte:   16,
	BundleSize:    1,
	SigSize:       65,
}

var (
	bytesTy, _ = abi.NewType("bytes", "", nil)

	calldataArgs = abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "nonce", Type: uint256Ty},
		{Name: "initCode", Type: bytesTy},
		{Name: "callData", Type: bytesTy},
		{Name: "callGasLimit", Type: uint256Ty},
		{Name: "verificationGasLimit", Type: uint256Ty},
		{Name: "preVerificationGas", Type: uint256Ty},
		{Name: "maxFeePerGas", Type: uint256Ty},
		{Name: "maxPriorityFeePerGas", Type: uint256Ty},
		{Name: "paymasterAndData", Type: bytesTy},
		{Name: "signature", Type: bytesTy},
	}
)

// CalcPreVerificationGas prices the bytes op occupies in the bundle transaction. Missing
// preVerificationGas and signature are priced with 21000 and a SigSize long dummy.
func CalcPreVerificationGas(op *UserOperation, ov GasOverheads) (*big.Int, error) {
	draft := op.Copy()
	if draft.PreVerificationGas == nil {
		draft.PreVerificationGas = big.NewInt(21000)
	}
	if len(draft.Signature) == 0 {
		draft.Signature = bytes.Repeat([]byte{1}, ov.SigSize)
	}
	if err := CheckComplete(draft); err != nil {
		return nil, err
	}
	if ov.BundleSize <= 0 {
		return nil, fmt.Errorf("invalid bundle size %d", ov.BundleSize)
	}

	packed, err := calldataArgs.Pack(
		draft.Sender,
		draft.Nonce,
		draft.InitCode,
		draft.CallData,
		draft.CallGasLimit,
		draft.VerificationGasLimit,
		draft.PreVerificationGas,
		draft.MaxFeePerGas,
		draft.MaxPriorityFeePerGas,
		draft.PaymasterAndData,
		draft.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack user operation calldata: %w", err)
	}

	var callDataCost int64
	for _, b := range packed {
		if b == 0 {
			callDataCost += ov.ZeroByte
		} else {
			callDataCost += ov.NonZeroByte
		}
	}

	// perUserOpWord * (len+31)/32 is fractional, the total is rounded half up
	base := callDataCost + ov.Fixed/ov.BundleSize + ov.PerUserOp
	num := base*32 + ov.PerUserOpWord*int64(len(packed)+31)
	total := (num + 16) / 32

	return big.NewInt(total), nil
}
