package paymaster

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/testutil"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

type staticNonce struct {
	nonce *big.Int
	err   error
	calls int
}

func (s *staticNonce) GetSenderNonce(opts *bind.CallOpts, sender common.Address) (*big.Int, error) {
	s.calls++
	return s.nonce, s.err
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAuthorizer(nonces NonceReader) (*Authorizer, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(fixedNow)
	return NewAuthorizer(testutil.PaymasterAddress, testutil.PaymasterSignerKey(), testutil.ChainID, nonces, clock, nil), clock
}

func unsignedOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               testutil.SmartWalletAddress,
		Nonce:                big.NewInt(3),
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(1000000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}
}

func TestSponsorProducesPaymasterAndData(t *testing.T) {
	nonces := &staticNonce{nonce: big.NewInt(5)}
	auth, _ := newTestAuthorizer(nonces)

	op := unsignedOp()
	sponsored, att, err := auth.Sponsor(context.Background(), op, DefaultWindow())
	require.NoError(t, err)

	assert.Len(t, sponsored.PaymasterAndData, 20+64+65)
	assert.Equal(t, PaymasterAndDataLength, len(sponsored.PaymasterAndData))
	assert.Equal(t, testutil.PaymasterAddress, common.BytesToAddress(sponsored.PaymasterAndData[:20]))
	assert.Empty(t, op.PaymasterAndData, "input must not be modified")
	assert.Equal(t, 1, nonces.calls)

	assert.Equal(t, uint64(0), att.ValidAfter)
	assert.Equal(t, uint64(fixedNow.Unix()+3600), att.ValidUntil)
	assert.Equal(t, big.NewInt(5), att.SenderNonce)
}

func TestPaymasterAndDataRoundTrip(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 27

	data, err := EncodePaymasterAndData(testutil.PaymasterAddress, 1717243200, 10, sig)
	require.NoError(t, err)

	att, err := DecodePaymasterAndData(data)
	require.NoError(t, err)
	assert.Equal(t, testutil.PaymasterAddress, att.Paymaster)
	assert.Equal(t, uint64(1717243200), att.ValidUntil)
	assert.Equal(t, uint64(10), att.ValidAfter)
	assert.Equal(t, sig, att.Signature)

	// validUntil is the first word, right aligned
	assert.Equal(t, common.LeftPadBytes(big.NewInt(1717243200).Bytes(), 32), data[20:52])
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := DecodePaymasterAndData(testutil.PaymasterAddress.Bytes())
	assert.ErrorIs(t, err, ErrInvalidPaymasterAndData)

	_, err = EncodePaymasterAndData(testutil.PaymasterAddress, 1, 0, []byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidPaymasterAndData)
}

func TestAttestationVerifies(t *testing.T) {
	auth, _ := newTestAuthorizer(&staticNonce{nonce: big.NewInt(9)})

	sponsored, _, err := auth.Sponsor(context.Background(), unsignedOp(), DefaultWindow())
	require.NoError(t, err)

	att, err := VerifyAttestation(sponsored, testutil.ChainID, big.NewInt(9), testutil.PaymasterSignerAddress)
	require.NoError(t, err)
	assert.Equal(t, testutil.PaymasterAddress, att.Paymaster)

	// owner signature does not affect the attested body
	sponsored.Signature = []byte{0x01}
	_, err = VerifyAttestation(sponsored, testutil.ChainID, big.NewInt(9), testutil.PaymasterSignerAddress)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(op *userop.UserOperation) (*big.Int, *big.Int)
	}{
		{"other chain", func(op *userop.UserOperation) (*big.Int, *big.Int) { return big.NewInt(1), big.NewInt(9) }},
		{"stale nonce", func(op *userop.UserOperation) (*big.Int, *big.Int) { return testutil.ChainID, big.NewInt(8) }},
		{"changed call data", func(op *userop.UserOperation) (*big.Int, *big.Int) {
			op.CallData = []byte{0xff}
			return testutil.ChainID, big.NewInt(9)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := sponsored.Copy()
			chainID, nonce := tt.mutate(op)
			_, err := VerifyAttestation(op, chainID, nonce, testutil.PaymasterSignerAddress)
			assert.ErrorIs(t, err, ErrAttestationMismatch)
		})
	}
}

func TestAuthorizeNonceFailureAborts(t *testing.T) {
	cause := errors.New("execution reverted")
	auth, _ := newTestAuthorizer(&staticNonce{err: cause})

	sponsored, att, err := auth.Sponsor(context.Background(), unsignedOp(), DefaultWindow())
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, sponsored)
	assert.Nil(t, att)
}

func TestAuthorizeRejectsIncompleteOperation(t *testing.T) {
	nonces := &staticNonce{nonce: big.NewInt(0)}
	auth, _ := newTestAuthorizer(nonces)

	op := unsignedOp()
	op.MaxFeePerGas = nil
	_, err := auth.Authorize(context.Background(), op, DefaultWindow())
	assert.ErrorIs(t, err, userop.ErrIncomplete)
	assert.Equal(t, 0, nonces.calls)
}

func TestWindow(t *testing.T) {
	auth, clock := newTestAuthorizer(&staticNonce{nonce: big.NewInt(0)})

	att, err := auth.Authorize(context.Background(), unsignedOp(), Window{ValidAfter: uint64(fixedNow.Unix()), ValidFor: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, uint64(fixedNow.Unix()+600), att.ValidUntil)

	assert.True(t, att.ValidAt(clock.Now()))
	assert.False(t, att.ValidAt(clock.Now().Add(-time.Second)))
	assert.True(t, att.ValidAt(clock.Now().Add(600*time.Second)))
	assert.False(t, att.ValidAt(clock.Now().Add(601*time.Second)))

	_, err = auth.Authorize(context.Background(), unsignedOp(), Window{})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = auth.Authorize(context.Background(), unsignedOp(), Window{ValidAfter: uint64(fixedNow.Unix()) + 7200, ValidFor: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestEachAuthorizationIsFresh(t *testing.T) {
	auth, clock := newTestAuthorizer(&staticNonce{nonce: big.NewInt(1)})

	first, err := auth.Authorize(context.Background(), unsignedOp(), DefaultWindow())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := auth.Authorize(context.Background(), unsignedOp(), DefaultWindow())
	require.NoError(t, err)

	assert.Equal(t, first.ValidUntil+60, second.ValidUntil)
	assert.NotEqual(t, first.Signature, second.Signature)
}
