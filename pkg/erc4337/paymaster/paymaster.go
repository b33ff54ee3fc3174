// Package paymaster produces and checks the off-chain sponsorship attestation a
// VerifyingPaymaster accepts in paymasterAndData.
package paymaster

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const (
	// address(20) + abi.encode(uint48,uint48)(64) + signature(65)
	PaymasterAndDataLength = common.AddressLength + timestampsLength + crypto.SignatureLength

	timestampsLength = 64
	maxUint48        = 1<<48 - 1

	DefaultValidFor = time.Hour
)

var (
	ErrInvalidPaymasterAndData = errors.New("invalid paymasterAndData")
	ErrInvalidWindow           = errors.New("invalid validity window")
	ErrAttestationMismatch     = errors.New("attestation signature does not match paymaster signer")
)

var (
	uint48Ty, _  = abi.NewType("uint48", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)

	timestampArgs = abi.Arguments{
		{Name: "validUntil", Type: uint48Ty},
		{Name: "validAfter", Type: uint48Ty},
	}

	digestArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32Ty},
		{Name: "chainId", Type: uint256Ty},
		{Name: "paymaster", Type: addressTy},
		{Name: "senderNonce", Type: uint256Ty},
		{Name: "validUntil", Type: uint48Ty},
		{Name: "validAfter", Type: uint48Ty},
	}
)

// NonceReader is the paymaster contract's per-sender anti-replay counter.
type NonceReader interface {
	GetSenderNonce(opts *bind.CallOpts, sender common.Address) (*big.Int, error)
}

// Window bounds when an attestation is accepted. ValidAfter is a unix timestamp, 0 means
// immediately. ValidFor is added to the signing time to get validUntil.
type Window struct {
	ValidAfter uint64
	ValidFor   time.Duration
}

// DefaultWindow is valid immediately and for one hour.
func DefaultWindow() Window {
	return Window{ValidFor: DefaultValidFor}
}

// Attestation is a sponsorship signature for one operation body. It is produced fresh for
// every submission attempt and never reused.
type Attestation struct {
	Paymaster   common.Address
	SenderNonce *big.Int
	ValidUntil  uint64
	ValidAfter  uint64
	Signature   []byte
}

// ValidAt reports whether t falls within the attestation window.
func (a *Attestation) ValidAt(t time.Time) bool {
	now := uint64(t.Unix())
	return now >= a.ValidAfter && now <= a.ValidUntil
}

// PaymasterAndData is the byte string the on-chain paymaster decodes.
func (a *Attestation) PaymasterAndData() ([]byte, error) {
	return EncodePaymasterAndData(a.Paymaster, a.ValidUntil, a.ValidAfter, a.Signature)
}

// Authorizer signs sponsorship attestations as the paymaster's verifying signer.
type Authorizer struct {
	paymaster common.Address
	key       *ecdsa.PrivateKey
	chainID   *big.Int
	nonces    NonceReader
	clock     clockwork.Clock
	logger    sdklogging.Logger
}

// NewAuthorizer builds an Authorizer. A nil clock uses wall time and a nil logger
// discards output.
func NewAuthorizer(paymaster common.Address, key *ecdsa.PrivateKey, chainID *big.Int, nonces NonceReader, clock clockwork.Clock, log sdklogging.Logger) *Authorizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Authorizer{
		paymaster: paymaster,
		key:       key,
		chainID:   new(big.Int).Set(chainID),
		nonces:    nonces,
		clock:     clock,
		logger:    logger.EnsureLogger(log),
	}
}

func (a *Authorizer) Paymaster() common.Address {
	return a.paymaster
}

// Authorize attests op for the given window. op must be fully resolved; its
// paymasterAndData and signature are ignored. Any failure aborts, there is no unsponsored
// fallback.
func (a *Authorizer) Authorize(ctx context.Context, op *userop.UserOperation, w Window) (*Attestation, error) {
	opHash, err := sponsoredOpHash(op)
	if err != nil {
		return nil, err
	}

	senderNonce, err := a.nonces.GetSenderNonce(&bind.CallOpts{Context: ctx}, op.Sender)
	if err != nil {
		return nil, fmt.Errorf("failed to get paymaster nonce for %s: %w", op.Sender.Hex(), err)
	}
	if senderNonce == nil {
		return nil, fmt.Errorf("failed to get paymaster nonce for %s: empty result", op.Sender.Hex())
	}

	validUntil, validAfter, err := a.resolveWindow(w)
	if err != nil {
		return nil, err
	}

	digest, err := Digest(opHash, a.chainID, a.paymaster, senderNonce, validUntil, validAfter)
	if err != nil {
		return nil, err
	}

	sig, err := signer.SignMessage(a.key, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign paymaster attestation: %w", err)
	}

	a.logger.Debug("signed paymaster attestation",
		"sender", op.Sender.Hex(),
		"paymaster", a.paymaster.Hex(),
		"senderNonce", senderNonce.String(),
		"validUntil", validUntil,
		"validAfter", validAfter)

	return &Attestation{
		Paymaster:   a.paymaster,
		SenderNonce: senderNonce,
		ValidUntil:  validUntil,
		ValidAfter:  validAfter,
		Signature:   sig,
	}, nil
}

// Sponsor returns a copy of op carrying a fresh attestation in paymasterAndData and no
// signature. The owner signs the result.
func (a *Authorizer) Sponsor(ctx context.Context, op *userop.UserOperation, w Window) (*userop.UserOperation, *Attestation, error) {
	att, err := a.Authorize(ctx, op, w)
	if err != nil {
		return nil, nil, err
	}

	pmd, err := att.PaymasterAndData()
	if err != nil {
		return nil, nil, err
	}

	sponsored := op.Copy()
	sponsored.PaymasterAndData = pmd
	sponsored.Signature = nil
	return sponsored, att, nil
}

func (a *Authorizer) resolveWindow(w Window) (uint64, uint64, error) {
	if w.ValidFor <= 0 {
		return 0, 0, fmt.Errorf("%w: validFor must be positive, got %s", ErrInvalidWindow, w.ValidFor)
	}

	now := a.clock.Now().Unix()
	validUntil := uint64(now) + uint64(w.ValidFor/time.Second)
	if validUntil > maxUint48 || w.ValidAfter > maxUint48 {
		return 0, 0, fmt.Errorf("%w: timestamps exceed uint48", ErrInvalidWindow)
	}
	if w.ValidAfter >= validUntil {
		return 0, 0, fmt.Errorf("%w: validAfter %d is not before validUntil %d", ErrInvalidWindow, w.ValidAfter, validUntil)
	}

	return validUntil, w.ValidAfter, nil
}

// Digest = keccak256(abi.encode(opHash, chainId, paymaster, senderNonce, uint48 validUntil,
// uint48 validAfter)). The paymaster signer signs it as an EIP-191 message.
func Digest(opHash common.Hash, chainID *big.Int, paymaster common.Address, senderNonce *big.Int, validUntil, validAfter uint64) (common.Hash, error) {
	encoded, err := digestArgs.Pack(
		opHash,
		chainID,
		paymaster,
		senderNonce,
		new(big.Int).SetUint64(validUntil),
		new(big.Int).SetUint64(validAfter),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode attestation: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// sponsoredOpHash is the identity hash of op with paymasterAndData cleared, the body
// the attestation commits to.
func sponsoredOpHash(op *userop.UserOperation) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, userop.ErrIncomplete
	}
	draft := op.Copy()
	draft.PaymasterAndData = nil
	return userop.Hash(draft, userop.ExcludeSignature)
}

// EncodePaymasterAndData lays out paymaster(20) ‖ abi.encode(uint48 validUntil, uint48
// validAfter)(64) ‖ signature(65).
func EncodePaymasterAndData(paymaster common.Address, validUntil, validAfter uint64, sig []byte) ([]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrInvalidPaymasterAndData, len(sig))
	}

	timestamps, err := timestampArgs.Pack(new(big.Int).SetUint64(validUntil), new(big.Int).SetUint64(validAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to ABI encode timestamps: %w", err)
	}

	out := make([]byte, 0, PaymasterAndDataLength)
	out = append(out, paymaster.Bytes()...)
	out = append(out, timestamps...)
	out = append(out, sig...)
	return out, nil
}

// DecodePaymasterAndData is the inverse of EncodePaymasterAndData. The returned
// attestation has no SenderNonce, it lives in the paymaster contract.
func DecodePaymasterAndData(data []byte) (*Attestation, error) {
	if len(data) != PaymasterAndDataLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPaymasterAndData, PaymasterAndDataLength, len(data))
	}

	values, err := timestampArgs.Unpack(data[common.AddressLength : common.AddressLength+timestampsLength])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymasterAndData, err)
	}
	validUntil, ok1 := values[0].(*big.Int)
	validAfter, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: unexpected timestamp types", ErrInvalidPaymasterAndData)
	}

	return &Attestation{
		Paymaster:  common.BytesToAddress(data[:common.AddressLength]),
		ValidUntil: validUntil.Uint64(),
		ValidAfter: validAfter.Uint64(),
		Signature:  append([]byte(nil), data[common.AddressLength+timestampsLength:]...),
	}, nil
}

// VerifyAttestation checks that op.PaymasterAndData carries a signature by
// expectedSigner over op's body for the given chain and paymaster nonce. The window is
// not checked, see Attestation.ValidAt.
func VerifyAttestation(op *userop.UserOperation, chainID, senderNonce *big.Int, expectedSigner common.Address) (*Attestation, error) {
	att, err := DecodePaymasterAndData(op.PaymasterAndData)
	if err != nil {
		return nil, err
	}

	opHash, err := sponsoredOpHash(op)
	if err != nil {
		return nil, err
	}

	digest, err := Digest(opHash, chainID, att.Paymaster, senderNonce, att.ValidUntil, att.ValidAfter)
	if err != nil {
		return nil, err
	}

	recovered, err := signer.RecoverMessageSigner(digest.Bytes(), att.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationMismatch, err)
	}
	if recovered != expectedSigner {
		return nil, fmt.Errorf("%w: recovered %s", ErrAttestationMismatch, recovered.Hex())
	}

	att.SenderNonce = new(big.Int).Set(senderNonce)
	return att, nil
}
