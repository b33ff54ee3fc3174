// Package userop holds the ERC-4337 (EntryPoint v0.6) UserOperation value type together
// with everything that operates on a single operation: field resolution, canonical packing
// and hashing, and owner signing.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
// A value of this type is fully resolved; operations whose fields are still being
// computed are expressed with UnresolvedUserOperation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// Copy returns a deep copy so callers can derive a new operation (e.g. with a signature
// set) without mutating one that was already hashed or submitted.
func (op *UserOperation) Copy() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             append([]byte(nil), op.InitCode...),
		CallData:             append([]byte(nil), op.CallData...),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     append([]byte(nil), op.PaymasterAndData...),
		Signature:            append([]byte(nil), op.Signature...),
	}
}

// IsSponsored reports whether a paymaster pays for this operation.
func (op *UserOperation) IsSponsored() bool {
	return len(op.PaymasterAndData) > 0
}

// numericFields lists the integer fields in packing order. They are the ones that can be
// left missing (nil) by a careless builder.
func (op *UserOperation) numericFields() []namedBig {
	return []namedBig{
		{"nonce", op.Nonce},
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
}

type namedBig struct {
	name  string
	value *big.Int
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
