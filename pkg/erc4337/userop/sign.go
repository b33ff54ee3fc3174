package userop

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
)

var ErrSignatureMismatch = errors.New("signature does not match owner")

// the signature isnt important, only length check
var dummySigForGasEstimation = crypto.Keccak256Hash(common.FromHex("0xdead123"))

// OwnerSigner signs operations on behalf of the smart account owner.
type OwnerSigner struct {
	key    *ecdsa.PrivateKey
	hasher *Hasher
}

func NewOwnerSigner(key *ecdsa.PrivateKey, hasher *Hasher) *OwnerSigner {
	return &OwnerSigner{key: key, hasher: hasher}
}

func (s *OwnerSigner) Address() common.Address {
	return signer.AddressOf(s.key)
}

// Sign returns a copy of op whose signature is the owner's EIP-191 signature over
// UserOpHash(op). It covers paymasterAndData, so op must already carry its final
// sponsorship data.
func (s *OwnerSigner) Sign(op *UserOperation) (*UserOperation, error) {
	hash, err := s.hasher.UserOpHash(op)
	if err != nil {
		return nil, err
	}

	sig, err := signer.SignMessage(s.key, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}

	signed := op.Copy()
	signed.Signature = sig
	return signed, nil
}

// DummySignature is a well formed signature over an unrelated digest, good enough for
// bundler gas estimation which only checks the length.
func (s *OwnerSigner) DummySignature() ([]byte, error) {
	return signer.SignMessage(s.key, dummySigForGasEstimation.Bytes())
}

// VerifySignature checks that op.Signature was produced by owner over the current
// content of op.
func (h *Hasher) VerifySignature(op *UserOperation, owner common.Address) error {
	hash, err := h.UserOpHash(op)
	if err != nil {
		return err
	}

	recovered, err := signer.RecoverMessageSigner(hash.Bytes(), op.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if recovered != owner {
		return fmt.Errorf("%w: recovered %s, want %s", ErrSignatureMismatch, recovered.Hex(), owner.Hex())
	}
	return nil
}
