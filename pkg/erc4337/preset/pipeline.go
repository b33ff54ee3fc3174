package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/fee"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
	"github.com/AvaProtocol/ap-userop/pkg/timekeeper"
)

// Status is the outcome of a submitted operation.
type Status string

const (
	// StatusIncluded means a receipt was found. Receipt.Success tells whether the call
	// itself reverted.
	StatusIncluded Status = "included"
	// StatusPending means no receipt was found before the wait timed out. It is not an
	// error; the operation may still be mined.
	StatusPending Status = "pending"
	// StatusRejected means the bundler refused the operation.
	StatusRejected Status = "rejected"
)

// Bundler is the bundler RPC surface the pipeline uses. *bundler.Client implements it.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error)
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*bundler.GasEstimation, error)
	SendBundleNow(ctx context.Context) error
}

// Sponsor attests an operation and returns it with paymasterAndData filled.
// *paymaster.Authorizer implements it.
type Sponsor interface {
	Paymaster() common.Address
	Sponsor(ctx context.Context, op *userop.UserOperation, w paymaster.Window) (*userop.UserOperation, *paymaster.Attestation, error)
}

// Request is one user intent: a call from the owner's smart account.
type Request struct {
	Call
	Sponsored bool
	// Window overrides the pipeline's sponsorship window for this request.
	Window *paymaster.Window
}

// Attempt is a resolved, unsigned operation. Each attempt gets its own ID; a retry after
// a rejection is a new attempt built from the request, never a mutation of the old one.
type Attempt struct {
	ID      ulid.ULID
	Request Request
	Owner   common.Address
	Sender  common.Address
	Op      *userop.UserOperation
	Funding *types.Receipt
}

// SignedOperation is an attempt ready for submission.
type SignedOperation struct {
	AttemptID   ulid.ULID
	Op          *userop.UserOperation
	Attestation *paymaster.Attestation
	UserOpHash  common.Hash
}

// Result describes what happened to a submitted operation.
type Result struct {
	AttemptID   ulid.ULID
	Sender      common.Address
	UserOpHash  common.Hash
	Op          *userop.UserOperation
	Attestation *paymaster.Attestation
	Status      Status
	Receipt     *bundler.UserOpReceipt
	// Fee is gasUsed * effectiveGasPrice of the bundle transaction, nil unless included.
	Fee *big.Int
}

// Options tune a Pipeline.
type Options struct {
	Window      paymaster.Window
	EstimateGas bool
	AutoBundle  bool
}

// Deps are the collaborators of a Pipeline. Sponsor, Balances and Funder are optional:
// without Sponsor sponsored requests fail authorization, without Balances and Funder the
// account is never topped up.
type Deps struct {
	Hasher   *userop.Hasher
	Builder  *Builder
	Owner    *userop.OwnerSigner
	Bundler  Bundler
	Waiter   *bundler.Waiter
	Sponsor  Sponsor
	Balances BalanceReader
	Funder   Funder
	Clock    clockwork.Clock
	Metrics  metrics.MetricsGenerator
	Logger   sdklogging.Logger
}

// Pipeline runs a request through build, resolve, sponsor, sign, submit and receipt
// lookup. It holds no per-submission state and can serve concurrent requests.
type Pipeline struct {
	hasher   *userop.Hasher
	builder  *Builder
	owner    *userop.OwnerSigner
	bundler  Bundler
	waiter   *bundler.Waiter
	sponsor  Sponsor
	balances BalanceReader
	funder   Funder
	clock    clockwork.Clock
	metrics  metrics.MetricsGenerator
	logger   sdklogging.Logger
	opts     Options
}

func NewPipeline(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Hasher == nil:
		return nil, errors.New("pipeline requires a hasher")
	case deps.Builder == nil:
		return nil, errors.New("pipeline requires a builder")
	case deps.Owner == nil:
		return nil, errors.New("pipeline requires an owner signer")
	case deps.Bundler == nil:
		return nil, errors.New("pipeline requires a bundler")
	case deps.Waiter == nil:
		return nil, errors.New("pipeline requires a receipt waiter")
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopMetrics{}
	}
	if opts.Window == (paymaster.Window{}) {
		opts.Window = paymaster.DefaultWindow()
	}

	return &Pipeline{
		hasher:   deps.Hasher,
		builder:  deps.Builder,
		owner:    deps.Owner,
		bundler:  deps.Bundler,
		waiter:   deps.Waiter,
		sponsor:  deps.Sponsor,
		balances: deps.Balances,
		funder:   deps.Funder,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   logger.EnsureLogger(deps.Logger),
		opts:     opts,
	}, nil
}

func (p *Pipeline) EntryPoint() common.Address {
	return p.hasher.EntryPoint()
}

// Sender is the smart account the pipeline sends from.
func (p *Pipeline) Sender(ctx context.Context) (common.Address, error) {
	return p.builder.Sender(ctx, p.owner.Address())
}

// Send runs every stage for req. The returned Result is non-nil once the bundler has
// seen the operation, including when it rejected it. A receipt that does not show up in
// time yields StatusPending and a nil error.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Result, error) {
	attempt, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	signed, err := p.Sign(ctx, attempt)
	if err != nil {
		return nil, err
	}

	if _, err := p.Submit(ctx, signed); err != nil {
		result := p.result(attempt.Sender, signed)
		var rejected *bundler.RejectedError
		if errors.As(err, &rejected) {
			result.Status = StatusRejected
			return result, err
		}
		return nil, err
	}

	return p.Await(ctx, attempt.Sender, signed)
}

// Prepare funds the account when needed, then builds and resolves the operation. The
// returned operation carries neither sponsorship nor signature.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*Attempt, error) {
	attempt := &Attempt{
		ID:      ulid.Make(),
		Request: req,
		Owner:   p.owner.Address(),
	}
	log := p.logger.With("attempt", attempt.ID.String())

	sender, err := p.builder.Sender(ctx, attempt.Owner)
	if err != nil {
		return nil, p.fail(log, StageResolution, nil, err)
	}
	attempt.Sender = sender
	log = log.With("sender", sender.Hex())

	if !req.Sponsored {
		if attempt.Funding, err = p.fund(ctx, log, sender, req.Value); err != nil {
			return nil, err
		}
	}

	elapsed := timekeeper.NewElapsingWithClock(p.clock)
	unresolved, err := p.builder.Build(attempt.Owner, sender, req.Call, req.Sponsored)
	if err != nil {
		return nil, p.fail(log, StageResolution, elapsed, err)
	}
	op, err := userop.Resolve(ctx, unresolved)
	if err != nil {
		return nil, p.fail(log, StageResolution, elapsed, err)
	}

	if p.opts.EstimateGas {
		if op, err = p.estimate(ctx, op, req.Sponsored); err != nil {
			return nil, p.fail(log, StageResolution, elapsed, err)
		}
	}
	p.succeed(StageResolution, elapsed)

	attempt.Op = op
	log.Debug("user operation resolved",
		"nonce", op.Nonce.String(),
		"callGasLimit", op.CallGasLimit.String(),
		"verificationGasLimit", op.VerificationGasLimit.String(),
		"preVerificationGas", op.PreVerificationGas.String(),
		"maxFeePerGas", op.MaxFeePerGas.String(),
		"deploying", len(op.InitCode) > 0)
	return attempt, nil
}

// Sign sponsors the attempt if requested and signs it as the owner. The owner signature
// is verified locally before it is returned, and always covers the final
// paymasterAndData.
func (p *Pipeline) Sign(ctx context.Context, attempt *Attempt) (*SignedOperation, error) {
	log := p.logger.With("attempt", attempt.ID.String(), "sender", attempt.Sender.Hex())
	op := attempt.Op.Copy()
	signed := &SignedOperation{AttemptID: attempt.ID}

	if attempt.Request.Sponsored {
		elapsed := timekeeper.NewElapsingWithClock(p.clock)
		if p.sponsor == nil {
			return nil, p.fail(log, StageAuthorization, elapsed, errors.New("no paymaster configured"))
		}

		window := p.opts.Window
		if attempt.Request.Window != nil {
			window = *attempt.Request.Window
		}

		sponsored, attestation, err := p.sponsor.Sponsor(ctx, op, window)
		if err != nil {
			return nil, p.fail(log, StageAuthorization, elapsed, err)
		}
		p.succeed(StageAuthorization, elapsed)
		p.metrics.IncSponsored()

		op = sponsored
		signed.Attestation = attestation
		log.Info("paymaster sponsorship attached",
			"paymaster", attestation.Paymaster.Hex(),
			"senderNonce", attestation.SenderNonce.String(),
			"validUntil", attestation.ValidUntil,
			"validAfter", attestation.ValidAfter)
	}

	elapsed := timekeeper.NewElapsingWithClock(p.clock)
	op, err := p.owner.Sign(op)
	if err != nil {
		return nil, p.fail(log, StageSigning, elapsed, err)
	}
	if err := p.hasher.VerifySignature(op, p.owner.Address()); err != nil {
		return nil, p.fail(log, StageSigning, elapsed, err)
	}
	hash, err := p.hasher.UserOpHash(op)
	if err != nil {
		return nil, p.fail(log, StageSigning, elapsed, err)
	}
	p.succeed(StageSigning, elapsed)

	signed.Op = op
	signed.UserOpHash = hash
	return signed, nil
}

// Submit hands the signed operation to the bundler. A *bundler.RejectedError in the
// chain means the bundler refused it; anything else is a transport failure.
func (p *Pipeline) Submit(ctx context.Context, signed *SignedOperation) (common.Hash, error) {
	log := p.logger.With("attempt", signed.AttemptID.String(), "sender", signed.Op.Sender.Hex())
	elapsed := timekeeper.NewElapsingWithClock(p.clock)

	hash, err := p.bundler.SendUserOperation(ctx, signed.Op, p.EntryPoint())
	if err != nil {
		return common.Hash{}, p.fail(log, StageSubmission, elapsed, err)
	}
	if hash != signed.UserOpHash {
		log.Warn("bundler returned a different userOpHash", "local", signed.UserOpHash.Hex(), "bundler", hash.Hex())
	}

	if p.opts.AutoBundle {
		if err := p.bundler.SendBundleNow(ctx); err != nil {
			log.Warn("failed to trigger bundle", "error", err)
		}
	}
	p.succeed(StageSubmission, elapsed)

	log.Info("user operation submitted", "userOpHash", hash.Hex())
	return hash, nil
}

// Await waits for the receipt of a submitted operation and reports its fee. When no
// receipt shows up in time the result is pending and no fee is computed.
func (p *Pipeline) Await(ctx context.Context, sender common.Address, signed *SignedOperation) (*Result, error) {
	log := p.logger.With("attempt", signed.AttemptID.String(), "userOpHash", signed.UserOpHash.Hex())
	elapsed := timekeeper.NewElapsingWithClock(p.clock)
	result := p.result(sender, signed)

	wait := timekeeper.NewElapsingWithClock(p.clock)
	receipt, err := p.waiter.Wait(ctx, signed.UserOpHash)
	p.metrics.ObserveReceiptWait(wait.Report())
	if err != nil {
		return nil, p.fail(log, StageReceipt, elapsed, err)
	}
	if receipt == nil {
		p.metrics.IncStage(string(StageReceipt), metrics.StatusPending)
		log.Info("user operation not mined yet")
		result.Status = StatusPending
		return result, nil
	}

	if receipt.Receipt == nil {
		return nil, p.fail(log, StageReceipt, elapsed, fmt.Errorf("%w: receipt without transaction", fee.ErrInvalidReceipt))
	}
	cost, err := fee.Fee(receipt.Receipt)
	if err != nil {
		return nil, p.fail(log, StageReceipt, elapsed, err)
	}
	p.succeed(StageReceipt, elapsed)

	result.Status = StatusIncluded
	result.Receipt = receipt
	result.Fee = cost
	log.Info("user operation included",
		"tx", receipt.Receipt.TransactionHash.Hex(),
		"success", receipt.Success,
		"fee", fee.FormatEther(cost))
	return result, nil
}

func (p *Pipeline) result(sender common.Address, signed *SignedOperation) *Result {
	return &Result{
		AttemptID:   signed.AttemptID,
		Sender:      sender,
		UserOpHash:  signed.UserOpHash,
		Op:          signed.Op,
		Attestation: signed.Attestation,
	}
}

// fund tops the account up with value from the owner EOA when its balance is short.
func (p *Pipeline) fund(ctx context.Context, log sdklogging.Logger, sender common.Address, value *big.Int) (*types.Receipt, error) {
	if p.funder == nil || p.balances == nil || value == nil || value.Sign() == 0 {
		return nil, nil
	}

	elapsed := timekeeper.NewElapsingWithClock(p.clock)
	balance, err := p.balances.BalanceAt(ctx, sender, nil)
	if err != nil {
		return nil, p.fail(log, StageFunding, elapsed, fmt.Errorf("failed to get balance of %s: %w", sender.Hex(), err))
	}
	if balance.Cmp(value) >= 0 {
		return nil, nil
	}

	log.Info("funding smart account", "balance", fee.FormatEther(balance), "amount", fee.FormatEther(value))
	receipt, err := p.funder.Fund(ctx, sender, value)
	if err != nil {
		return nil, p.fail(log, StageFunding, elapsed, err)
	}
	p.succeed(StageFunding, elapsed)
	return receipt, nil
}

// estimate replaces the gas limits with the bundler's estimate. A sponsored operation is
// estimated with a placeholder paymasterAndData naming the real paymaster, so paymaster
// validation is part of verificationGasLimit. The larger preVerificationGas is kept.
func (p *Pipeline) estimate(ctx context.Context, op *userop.UserOperation, sponsored bool) (*userop.UserOperation, error) {
	dummy, err := p.owner.DummySignature()
	if err != nil {
		return nil, err
	}
	probe := op.Copy()
	probe.Signature = dummy
	if sponsored && p.sponsor != nil {
		probe.PaymasterAndData, err = paymaster.EncodePaymasterAndData(p.sponsor.Paymaster(), 0, 0, dummy)
		if err != nil {
			return nil, err
		}
	}

	est, err := p.bundler.EstimateUserOperationGas(ctx, probe, p.EntryPoint())
	if err != nil {
		return nil, &userop.ResolutionError{Field: "gasEstimate", Err: err}
	}
	estimated, err := est.Apply(op)
	if err != nil {
		return nil, &userop.ResolutionError{Field: "gasEstimate", Err: err}
	}
	if estimated.PreVerificationGas.Cmp(op.PreVerificationGas) < 0 {
		estimated.PreVerificationGas = op.PreVerificationGas
	}
	return estimated, nil
}

func (p *Pipeline) succeed(stage Stage, elapsed *timekeeper.Elapsing) {
	p.metrics.IncStage(string(stage), metrics.StatusSuccess)
	p.metrics.ObserveStageDuration(string(stage), elapsed.Report())
}

func (p *Pipeline) fail(log sdklogging.Logger, stage Stage, elapsed *timekeeper.Elapsing, err error) error {
	p.metrics.IncStage(string(stage), metrics.StatusFailure)
	if elapsed != nil {
		p.metrics.ObserveStageDuration(string(stage), elapsed.Report())
	}
	log.Error("user operation stage failed", "stage", string(stage), "error", err)
	return stageError(stage, err)
}
