package userop

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PackMode selects whether the signature takes part in the packed encoding.
type PackMode int

const (
	// ExcludeSignature produces the operation identity encoding. Both the paymaster
	// attestation and the owner signature commit to it.
	ExcludeSignature PackMode = iota
	// IncludeSignature appends keccak256(signature) as an eleventh word.
	IncludeSignature
)

// LayoutVersion names the packing layout implemented by Pack. It follows EntryPoint v0.6:
//
//	address sender
//	uint256 nonce
//	bytes32 keccak256(initCode)
//	bytes32 keccak256(callData)
//	uint256 callGasLimit
//	uint256 verificationGasLimit
//	uint256 preVerificationGas
//	uint256 maxFeePerGas
//	uint256 maxPriorityFeePerGas
//	bytes32 keccak256(paymasterAndData)
//	bytes32 keccak256(signature)        IncludeSignature only
//
// every item ABI encoded into one 32 byte word.
const LayoutVersion = "v0.6"

var ErrIncomplete = errors.New("user operation is not fully resolved")

var (
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)

	identityArgs = abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "nonce", Type: uint256Ty},
		{Name: "hashInitCode", Type: bytes32Ty},
		{Name: "hashCallData", Type: bytes32Ty},
		{Name: "callGasLimit", Type: uint256Ty},
		{Name: "verificationGasLimit", Type: uint256Ty},
		{Name: "preVerificationGas", Type: uint256Ty},
		{Name: "maxFeePerGas", Type: uint256Ty},
		{Name: "maxPriorityFeePerGas", Type: uint256Ty},
		{Name: "hashPaymasterAndData", Type: bytes32Ty},
	}

	userOpHashArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32Ty},
		{Name: "entryPoint", Type: addressTy},
		{Name: "chainId", Type: uint256Ty},
	}
)

// CheckComplete fails with ErrIncomplete when an integer field is nil or negative.
func CheckComplete(op *UserOperation) error {
	if op == nil {
		return ErrIncomplete
	}
	for _, f := range op.numericFields() {
		if f.value == nil {
			return fmt.Errorf("%w: %s is missing", ErrIncomplete, f.name)
		}
		if f.value.Sign() < 0 {
			return fmt.Errorf("%w: %s is negative", ErrIncomplete, f.name)
		}
	}
	return nil
}

// Pack returns the canonical encoding of op described by LayoutVersion.
func Pack(op *UserOperation, mode PackMode) ([]byte, error) {
	if err := CheckComplete(op); err != nil {
		return nil, err
	}

	packed, err := identityArgs.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack user operation: %w", err)
	}

	if mode == IncludeSignature {
		packed = append(packed, crypto.Keccak256(op.Signature)...)
	}

	return packed, nil
}

// Hash is keccak256(Pack(op, mode)).
func Hash(op *UserOperation, mode PackMode) (common.Hash, error) {
	packed, err := Pack(op, mode)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// Hasher binds the identity hash to an entry point and chain, producing the userOpHash
// the EntryPoint contract and the bundler use.
type Hasher struct {
	entryPoint common.Address
	chainID    *big.Int
}

func NewHasher(entryPoint common.Address, chainID *big.Int) *Hasher {
	return &Hasher{
		entryPoint: entryPoint,
		chainID:    new(big.Int).Set(chainID),
	}
}

func (h *Hasher) EntryPoint() common.Address {
	return h.entryPoint
}

func (h *Hasher) ChainID() *big.Int {
	return new(big.Int).Set(h.chainID)
}

// UserOpHash = keccak256(abi.encode(Hash(op, ExcludeSignature), entryPoint, chainId))
func (h *Hasher) UserOpHash(op *UserOperation) (common.Hash, error) {
	opHash, err := Hash(op, ExcludeSignature)
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := userOpHashArgs.Pack(opHash, h.entryPoint, h.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation hash: %w", err)
	}

	return crypto.Keccak256Hash(encoded), nil
}
