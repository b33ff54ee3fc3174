package userop

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/testutil"
)

func sampleOp() *UserOperation {
	return &UserOperation{
		Sender:               testutil.SmartWalletAddress,
		Nonce:                big.NewInt(7),
		InitCode:             common.FromHex("0x29ada1b5217242deabb142bc3b1bcffdd56008e75fbfb9cf"),
		CallData:             common.FromHex("0xb61d27f6000000000000000000000000d8da6bf26964af9d7eed9e03e53415d37aa96045"),
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(1000000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}
}

func TestPackLength(t *testing.T) {
	op := sampleOp()

	packed, err := Pack(op, ExcludeSignature)
	require.NoError(t, err)
	assert.Len(t, packed, 320)

	packed, err = Pack(op, IncludeSignature)
	require.NoError(t, err)
	assert.Len(t, packed, 352)
}

func TestPackLayout(t *testing.T) {
	op := sampleOp()
	packed, err := Pack(op, ExcludeSignature)
	require.NoError(t, err)

	assert.Equal(t, common.LeftPadBytes(op.Sender.Bytes(), 32), packed[0:32])
	assert.Equal(t, common.LeftPadBytes(op.Nonce.Bytes(), 32), packed[32:64])
	assert.Equal(t, common.LeftPadBytes(op.MaxPriorityFeePerGas.Bytes(), 32), packed[256:288])
}

func TestHashIsDeterministic(t *testing.T) {
	h1, err := Hash(sampleOp(), ExcludeSignature)
	require.NoError(t, err)
	h2, err := Hash(sampleOp(), ExcludeSignature)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, common.Hash{}, h1)
}

func TestHashIgnoresSignature(t *testing.T) {
	unsigned := sampleOp()
	signed := sampleOp()
	signed.Signature = common.FromHex("0xdeadbeef")

	h1, err := Hash(unsigned, ExcludeSignature)
	require.NoError(t, err)
	h2, err := Hash(signed, ExcludeSignature)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := Hash(signed, IncludeSignature)
	require.NoError(t, err)
	h4, err := Hash(unsigned, IncludeSignature)
	require.NoError(t, err)
	assert.NotEqual(t, h3, h4)
}

func TestHashCoversEveryField(t *testing.T) {
	base, err := Hash(sampleOp(), ExcludeSignature)
	require.NoError(t, err)

	mutations := map[string]func(op *UserOperation){
		"sender":               func(op *UserOperation) { op.Sender = testutil.TargetAddress },
		"nonce":                func(op *UserOperation) { op.Nonce = big.NewInt(8) },
		"initCode":             func(op *UserOperation) { op.InitCode = nil },
		"callData":             func(op *UserOperation) { op.CallData = []byte{1} },
		"callGasLimit":         func(op *UserOperation) { op.CallGasLimit = big.NewInt(1) },
		"verificationGasLimit": func(op *UserOperation) { op.VerificationGasLimit = big.NewInt(1) },
		"preVerificationGas":   func(op *UserOperation) { op.PreVerificationGas = big.NewInt(1) },
		"maxFeePerGas":         func(op *UserOperation) { op.MaxFeePerGas = big.NewInt(1) },
		"maxPriorityFeePerGas": func(op *UserOperation) { op.MaxPriorityFeePerGas = big.NewInt(1) },
		"paymasterAndData":     func(op *UserOperation) { op.PaymasterAndData = testutil.PaymasterAddress.Bytes() },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			op := sampleOp()
			mutate(op)
			h, err := Hash(op, ExcludeSignature)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestPackRejectsIncompleteOperation(t *testing.T) {
	_, err := Pack(nil, ExcludeSignature)
	assert.ErrorIs(t, err, ErrIncomplete)

	op := sampleOp()
	op.CallGasLimit = nil
	_, err = Pack(op, ExcludeSignature)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "callGasLimit")

	op = sampleOp()
	op.Nonce = big.NewInt(-1)
	_, err = Hash(op, ExcludeSignature)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestUserOpHashBindsEntryPointAndChain(t *testing.T) {
	op := sampleOp()

	h1, err := NewHasher(testutil.EntrypointAddress, big.NewInt(1)).UserOpHash(op)
	require.NoError(t, err)
	h2, err := NewHasher(testutil.EntrypointAddress, big.NewInt(11155111)).UserOpHash(op)
	require.NoError(t, err)
	h3, err := NewHasher(testutil.FactoryAddress, big.NewInt(1)).UserOpHash(op)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestSignAndVerify(t *testing.T) {
	hasher := NewHasher(testutil.EntrypointAddress, testutil.ChainID)
	owner := NewOwnerSigner(testutil.OwnerKey(), hasher)
	require.Equal(t, testutil.OwnerAddress, owner.Address())

	op := sampleOp()
	op.PaymasterAndData = common.FromHex("0xb985af5f96ef2722dc99aeba573520903b86505e01")

	signed, err := owner.Sign(op)
	require.NoError(t, err)
	assert.Len(t, signed.Signature, 65)
	assert.Empty(t, op.Signature, "Sign must not mutate its input")

	require.NoError(t, hasher.VerifySignature(signed, testutil.OwnerAddress))
	assert.ErrorIs(t, hasher.VerifySignature(signed, testutil.PaymasterSignerAddress), ErrSignatureMismatch)
}

func TestSignatureCoversPaymasterAndData(t *testing.T) {
	hasher := NewHasher(testutil.EntrypointAddress, testutil.ChainID)
	owner := NewOwnerSigner(testutil.OwnerKey(), hasher)

	op := sampleOp()
	op.PaymasterAndData = common.FromHex("0xb985af5f96ef2722dc99aeba573520903b86505e01")
	signed, err := owner.Sign(op)
	require.NoError(t, err)

	tampered := signed.Copy()
	tampered.PaymasterAndData[20] = 0x02
	assert.ErrorIs(t, hasher.VerifySignature(tampered, testutil.OwnerAddress), ErrSignatureMismatch)

	// signed before sponsorship was attached
	early, err := owner.Sign(sampleOp())
	require.NoError(t, err)
	early.PaymasterAndData = op.PaymasterAndData
	assert.ErrorIs(t, hasher.VerifySignature(early, testutil.OwnerAddress), ErrSignatureMismatch)
}

func TestDummySignatureLength(t *testing.T) {
	owner := NewOwnerSigner(testutil.OwnerKey(), NewHasher(testutil.EntrypointAddress, testutil.ChainID))
	sig, err := owner.DummySignature()
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

func TestResolveConcreteIsIdentity(t *testing.T) {
	op := sampleOp()
	op.Signature = []byte{0xaa}

	resolved, err := Resolve(context.Background(), FromUserOperation(op))
	require.NoError(t, err)
	assert.Equal(t, op, resolved)

	again, err := Resolve(context.Background(), FromUserOperation(resolved))
	require.NoError(t, err)
	assert.Equal(t, resolved, again)
}

func TestResolveAwaitsPendingFields(t *testing.T) {
	u := FromUserOperation(sampleOp())
	u.Nonce = Pending(func(ctx context.Context) (*big.Int, error) {
		return big.NewInt(42), nil
	})
	u.CallData = Pending(func(ctx context.Context) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	})

	op, err := Resolve(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), op.Nonce)
	assert.Equal(t, []byte{1, 2, 3}, op.CallData)
	assert.Equal(t, testutil.SmartWalletAddress, op.Sender)
}

func TestResolvePropagatesFailure(t *testing.T) {
	cause := errors.New("rpc unavailable")

	u := FromUserOperation(sampleOp())
	u.CallGasLimit = Pending(func(ctx context.Context) (*big.Int, error) {
		return nil, cause
	})
	u.Nonce = Pending(func(ctx context.Context) (*big.Int, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	op, err := Resolve(context.Background(), u)
	require.Error(t, err)
	assert.Nil(t, op)
	assert.ErrorIs(t, err, cause)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "callGasLimit", resErr.Field)
}

func TestResolveRejectsMissingValue(t *testing.T) {
	u := FromUserOperation(sampleOp())
	u.PreVerificationGas = Pending(func(ctx context.Context) (*big.Int, error) {
		return nil, nil
	})

	_, err := Resolve(context.Background(), u)
	assert.ErrorIs(t, err, ErrMissingValue)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "preVerificationGas", resErr.Field)
}

func TestMemoizeSharesOneCall(t *testing.T) {
	var calls atomic.Int32
	fees := Memoize(func(ctx context.Context) ([2]*big.Int, error) {
		calls.Add(1)
		return [2]*big.Int{big.NewInt(30), big.NewInt(3)}, nil
	})

	u := FromUserOperation(sampleOp())
	u.MaxFeePerGas = Pending(func(ctx context.Context) (*big.Int, error) {
		f, err := fees(ctx)
		return f[0], err
	})
	u.MaxPriorityFeePerGas = Pending(func(ctx context.Context) (*big.Int, error) {
		f, err := fees(ctx)
		return f[1], err
	})

	op, err := Resolve(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, big.NewInt(30), op.MaxFeePerGas)
	assert.Equal(t, big.NewInt(3), op.MaxPriorityFeePerGas)
}

func TestCalcPreVerificationGas(t *testing.T) {
	op := sampleOp()
	op.PreVerificationGas = nil

	pvg, err := CalcPreVerificationGas(op, DefaultGasOverheads)
	require.NoError(t, err)
	assert.Greater(t, pvg.Int64(), int64(21000+18300))
	assert.Nil(t, op.PreVerificationGas, "input must not be modified")
	assert.Empty(t, op.Signature)

	again, err := CalcPreVerificationGas(op, DefaultGasOverheads)
	require.NoError(t, err)
	assert.Equal(t, pvg, again)

	zeros := op.Copy()
	zeros.CallData = append(zeros.CallData, make([]byte, 64)...)
	pvgZeros, err := CalcPreVerificationGas(zeros, DefaultGasOverheads)
	require.NoError(t, err)
	assert.Greater(t, pvgZeros.Int64(), pvg.Int64())

	ones := op.Copy()
	ones.CallData = append(ones.CallData, bytes.Repeat([]byte{0xff}, 64)...)
	pvgOnes, err := CalcPreVerificationGas(ones, DefaultGasOverheads)
	require.NoError(t, err)
	// same length, 64 bytes moved from the zero price to the non zero price
	assert.Equal(t, pvgZeros.Int64()+64*(16-4), pvgOnes.Int64())
}
