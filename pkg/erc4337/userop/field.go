package userop

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// ErrMissingValue is reported for an integer field that is still nil after resolution.
var ErrMissingValue = errors.New("missing value")

// ResolutionError reports which field of an UnresolvedUserOperation failed to settle.
type ResolutionError struct {
	Field string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %v", e.Field, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Field is either a concrete value or a pending computation producing one. The zero
// Field is the concrete zero value of T.
type Field[T any] struct {
	value   T
	pending func(context.Context) (T, error)
}

// Concrete wraps an already known value.
func Concrete[T any](v T) Field[T] {
	return Field[T]{value: v}
}

// Pending wraps a computation that is run once by Resolve.
func Pending[T any](fn func(context.Context) (T, error)) Field[T] {
	return Field[T]{pending: fn}
}

func (f Field[T]) IsPending() bool {
	return f.pending != nil
}

// Await returns the value, running the pending computation if there is one.
func (f Field[T]) Await(ctx context.Context) (T, error) {
	if f.pending == nil {
		return f.value, nil
	}
	return f.pending(ctx)
}

// Memoize makes fn run at most once no matter how many pending fields share it, e.g. a
// single fee-oracle call feeding both fee fields.
func Memoize[T any](fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	var (
		once  sync.Once
		value T
		err   error
	)
	return func(ctx context.Context) (T, error) {
		once.Do(func() {
			value, err = fn(ctx)
		})
		return value, err
	}
}

// UnresolvedUserOperation mirrors UserOperation with every field possibly pending.
type UnresolvedUserOperation struct {
	Sender               Field[common.Address]
	Nonce                Field[*big.Int]
	InitCode             Field[[]byte]
	CallData             Field[[]byte]
	CallGasLimit         Field[*big.Int]
	VerificationGasLimit Field[*big.Int]
	PreVerificationGas   Field[*big.Int]
	MaxFeePerGas         Field[*big.Int]
	MaxPriorityFeePerGas Field[*big.Int]
	PaymasterAndData     Field[[]byte]
	Signature            Field[[]byte]
}

// FromUserOperation lifts a resolved operation into the unresolved form with all fields
// concrete.
func FromUserOperation(op *UserOperation) *UnresolvedUserOperation {
	return &UnresolvedUserOperation{
		Sender:               Concrete(op.Sender),
		Nonce:                Concrete(op.Nonce),
		InitCode:             Concrete(op.InitCode),
		CallData:             Concrete(op.CallData),
		CallGasLimit:         Concrete(op.CallGasLimit),
		VerificationGasLimit: Concrete(op.VerificationGasLimit),
		PreVerificationGas:   Concrete(op.PreVerificationGas),
		MaxFeePerGas:         Concrete(op.MaxFeePerGas),
		MaxPriorityFeePerGas: Concrete(op.MaxPriorityFeePerGas),
		PaymasterAndData:     Concrete(op.PaymasterAndData),
		Signature:            Concrete(op.Signature),
	}
}

// Resolve awaits every pending field concurrently and joins them into a UserOperation.
// The first failure cancels the remaining computations and is returned as a
// *ResolutionError; no partially resolved operation is ever returned.
func Resolve(ctx context.Context, u *UnresolvedUserOperation) (*UserOperation, error) {
	op := &UserOperation{}
	g, gctx := errgroup.WithContext(ctx)

	// each goroutine writes a distinct field of op, read only after Wait
	await(g, gctx, "sender", u.Sender, &op.Sender)
	await(g, gctx, "nonce", u.Nonce, &op.Nonce)
	await(g, gctx, "initCode", u.InitCode, &op.InitCode)
	await(g, gctx, "callData", u.CallData, &op.CallData)
	await(g, gctx, "callGasLimit", u.CallGasLimit, &op.CallGasLimit)
	await(g, gctx, "verificationGasLimit", u.VerificationGasLimit, &op.VerificationGasLimit)
	await(g, gctx, "preVerificationGas", u.PreVerificationGas, &op.PreVerificationGas)
	await(g, gctx, "maxFeePerGas", u.MaxFeePerGas, &op.MaxFeePerGas)
	await(g, gctx, "maxPriorityFeePerGas", u.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas)
	await(g, gctx, "paymasterAndData", u.PaymasterAndData, &op.PaymasterAndData)
	await(g, gctx, "signature", u.Signature, &op.Signature)

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, f := range op.numericFields() {
		if f.value == nil {
			return nil, &ResolutionError{Field: f.name, Err: ErrMissingValue}
		}
	}

	return op, nil
}

func await[T any](g *errgroup.Group, ctx context.Context, name string, f Field[T], dst *T) {
	if !f.IsPending() {
		*dst = f.value
		return
	}

	g.Go(func() error {
		v, err := f.pending(ctx)
		if err != nil {
			return &ResolutionError{Field: name, Err: err}
		}
		*dst = v
		return nil
	})
}
