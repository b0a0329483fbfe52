// Package gas orchestrates how a user operation gets paid for: gratis
// sponsorship first, falling back to ERC-20 fee-token payment when the
// sponsor declines, including the approval sub-flow the token paymaster
// needs before it can pull fees.
package gas

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/split-wallet/split-wallet/internal/bundler"
	"github.com/split-wallet/split-wallet/internal/chain"
	"github.com/split-wallet/split-wallet/internal/logger"
	"github.com/split-wallet/split-wallet/internal/metrics"
	"github.com/split-wallet/split-wallet/internal/paymaster"
	"github.com/split-wallet/split-wallet/internal/retry"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
)

// Default gas limits used until the sponsor or bundler refines them. The
// deployment verification limit covers the factory's CREATE2 work.
var (
	defaultCallGasLimit         = big.NewInt(250_000)
	defaultVerificationGasLimit = big.NewInt(150_000)
	deployVerificationGasLimit  = big.NewInt(600_000)
	defaultPreVerificationGas   = big.NewInt(60_000)
)

// Request describes one transaction to dispatch from a smart account
type Request struct {
	// Sender is the smart account address
	Sender common.Address

	// Target, Value and Data describe the inner call the account executes
	Target common.Address
	Value  *big.Int
	Data   []byte

	// Deployed reports whether code already exists at Sender. When false,
	// InitCode must carry the factory deployment payload and it rides on
	// the first operation submitted.
	Deployed bool
	InitCode []byte

	// FeeMode constrains the payment path
	FeeMode types.FeeMode
}

// Result is the terminal outcome of a confirmed dispatch
type Result struct {
	UserOpHash common.Hash
	TxHash     common.Hash
	// PaidWithToken is true when the fee-token fallback carried the fees
	PaidWithToken bool
}

// Orchestrator drives the payment decision for user operations
type Orchestrator struct {
	backend   chain.Backend
	submitter bundler.Submitter
	sponsor   paymaster.Service

	entryPoint common.Address
	chainID    int64
	feeToken   common.Address

	pollAttempts int
	pollInterval time.Duration
	retryPolicy  *retry.Policy
}

// NewOrchestrator builds the dispatch orchestrator
func NewOrchestrator(
	backend chain.Backend,
	submitter bundler.Submitter,
	sponsor paymaster.Service,
	entryPoint common.Address,
	feeToken common.Address,
	pollAttempts int,
	pollInterval time.Duration,
) *Orchestrator {
	return &Orchestrator{
		backend:      backend,
		submitter:    submitter,
		sponsor:      sponsor,
		entryPoint:   entryPoint,
		chainID:      backend.ChainID(),
		feeToken:     feeToken,
		pollAttempts: pollAttempts,
		pollInterval: pollInterval,
		retryPolicy:  retry.DefaultPolicy(),
	}
}

// Dispatch signs, funds and submits the requested call, waiting for
// inclusion. The sponsorship decision tree:
//
//   - fee mode "sponsored": sponsorship only; a decline is terminal
//   - fee mode "token": skip the sponsor entirely
//   - fee mode "auto": try sponsorship, fall back to the fee token when
//     the sponsor declines; infrastructure faults never trigger fallback
func (o *Orchestrator) Dispatch(ctx context.Context, key *ecdsa.PrivateKey, req *Request) (*Result, error) {
	result, err := o.dispatch(ctx, key, req)
	switch {
	case err == nil:
		metrics.DispatchesTotal.WithLabelValues("confirmed").Inc()
	case apperrors.HasCode(err, apperrors.ErrCodeTimeout):
		metrics.DispatchesTotal.WithLabelValues("timeout").Inc()
	default:
		metrics.DispatchesTotal.WithLabelValues("failed").Inc()
	}
	return result, err
}

func (o *Orchestrator) dispatch(ctx context.Context, key *ecdsa.PrivateKey, req *Request) (*Result, error) {
	op, err := o.buildOperation(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.FeeMode != types.FeeModeToken {
		result, err := o.attemptSponsored(ctx, key, op)
		if err == nil {
			return result, nil
		}
		if !paymaster.IsSponsorshipDeclined(err) {
			return nil, err
		}
		if req.FeeMode == types.FeeModeSponsored {
			return nil, apperrors.SponsorshipDeclined(err.Error())
		}
		metrics.SponsorshipDeclinesTotal.Inc()
		logger.Info(ctx, "sponsorship declined, falling back to fee token",
			"sender", req.Sender.Hex(), "reason", err.Error())
	}

	result, err := o.dispatchWithFeeToken(ctx, key, op, req)
	if err != nil {
		return nil, err
	}
	metrics.FeeTokenFallbacksTotal.Inc()
	return result, nil
}

// buildOperation assembles the unsigned operation shared by both payment
// paths: entry-point nonce, optional deployment init code, the account's
// execute calldata and the sponsor-quoted standard fee tier.
func (o *Orchestrator) buildOperation(ctx context.Context, req *Request) (*bundler.UserOperation, error) {
	nonce, err := chain.EntryPointNonce(ctx, o.backend, o.entryPoint, req.Sender)
	if err != nil {
		return nil, err
	}

	callData, err := chain.AccountExecuteCallData(req.Target, req.Value, req.Data)
	if err != nil {
		return nil, err
	}

	prices, err := o.sponsor.GetGasPrices(ctx)
	if err != nil {
		return nil, err
	}

	op := &bundler.UserOperation{
		Sender:               req.Sender,
		Nonce:                nonce,
		CallData:             callData,
		CallGasLimit:         new(big.Int).Set(defaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(defaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(defaultPreVerificationGas),
		MaxFeePerGas:         prices.Standard.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: prices.Standard.MaxPriorityFeePerGas.ToInt(),
	}

	if !req.Deployed {
		op.InitCode = req.InitCode
		op.VerificationGasLimit = new(big.Int).Set(deployVerificationGasLimit)
	}

	return op, nil
}

// attemptSponsored asks the sponsor to fund the operation, then signs and
// submits it. Errors pass through unwrapped so the caller can classify a
// decline against an infrastructure fault.
func (o *Orchestrator) attemptSponsored(ctx context.Context, key *ecdsa.PrivateKey, base *bundler.UserOperation) (*Result, error) {
	op := *base

	patch, err := o.sponsor.SponsorOperation(ctx, &op)
	if err != nil {
		return nil, err
	}

	op.PaymasterAndData = patch.PaymasterAndData
	if patch.PreVerificationGas != nil {
		op.PreVerificationGas = patch.PreVerificationGas.ToInt()
	}
	if patch.VerificationGasLimit != nil {
		op.VerificationGasLimit = patch.VerificationGasLimit.ToInt()
	}
	if patch.CallGasLimit != nil {
		op.CallGasLimit = patch.CallGasLimit.ToInt()
	}

	return o.signSubmitAndWait(ctx, key, &op, false)
}

// dispatchWithFeeToken pays gas in the configured ERC-20. The balance check
// happens before any submission; a shortfall is reported with exact amounts
// and no further upstream calls. When the paymaster's allowance is too low,
// an approval operation is confirmed first.
func (o *Orchestrator) dispatchWithFeeToken(ctx context.Context, key *ecdsa.PrivateKey, base *bundler.UserOperation, req *Request) (*Result, error) {
	quote, err := o.sponsor.GetTokenQuote(ctx, o.feeToken)
	if err != nil {
		return nil, err
	}

	op := *base
	op.PaymasterAndData = paymaster.TokenPaymasterData(quote, o.feeToken)

	totalGas := new(big.Int).Add(op.CallGasLimit, op.VerificationGasLimit)
	totalGas.Add(totalGas, op.PreVerificationGas)
	required := paymaster.RequiredTokenAmount(quote, op.MaxFeePerGas, totalGas)

	balance, err := chain.ERC20BalanceOf(ctx, o.backend, o.feeToken, req.Sender)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(required) < 0 {
		return nil, apperrors.InsufficientFeeToken(required.String(), balance.String())
	}

	allowance, err := chain.ERC20Allowance(ctx, o.backend, o.feeToken, req.Sender, quote.Paymaster)
	if err != nil {
		return nil, err
	}

	if allowance.Cmp(required) < 0 {
		if err := o.approveFeeToken(ctx, key, &op, quote, required); err != nil {
			return nil, fmt.Errorf("fee token approval failed: %w", err)
		}
		// The approval consumed the nonce (and the init code, when the
		// account was undeployed); rebuild both for the main operation.
		nonce, err := chain.EntryPointNonce(ctx, o.backend, o.entryPoint, req.Sender)
		if err != nil {
			return nil, err
		}
		op.Nonce = nonce
		op.InitCode = nil
		op.VerificationGasLimit = new(big.Int).Set(defaultVerificationGasLimit)
	}

	return o.signSubmitAndWait(ctx, key, &op, true)
}

// approveFeeToken submits a blocking approval operation: the account grants
// the token paymaster exactly the required amount, no standing unlimited
// approvals. The token paymaster funds the approval itself; the approve call
// executes before its post-operation fee pull.
func (o *Orchestrator) approveFeeToken(ctx context.Context, key *ecdsa.PrivateKey, main *bundler.UserOperation, quote *paymaster.TokenQuote, amount *big.Int) error {
	approveData, err := chain.ERC20ApproveCallData(quote.Paymaster, amount)
	if err != nil {
		return err
	}
	callData, err := chain.AccountExecuteCallData(o.feeToken, nil, approveData)
	if err != nil {
		return err
	}

	op := *main
	op.CallData = callData
	op.CallGasLimit = new(big.Int).Set(defaultCallGasLimit)

	logger.Info(ctx, "submitting fee token approval",
		"sender", op.Sender.Hex(), "amount", amount.String())

	_, err = o.signSubmitAndWait(ctx, key, &op, true)
	return err
}

// signSubmitAndWait finalizes the signature, pushes the operation to the
// bundler (retrying only rate-limit failures) and polls for its receipt
func (o *Orchestrator) signSubmitAndWait(ctx context.Context, key *ecdsa.PrivateKey, op *bundler.UserOperation, paidWithToken bool) (*Result, error) {
	if err := op.Sign(key, o.entryPoint, o.chainID); err != nil {
		return nil, err
	}

	var opHash common.Hash
	err := o.retryPolicy.Do(ctx, func() error {
		var submitErr error
		opHash, submitErr = o.submitter.Submit(ctx, op)
		return submitErr
	})
	if err != nil {
		return nil, err
	}

	receipt, err := o.waitForOperation(ctx, opHash)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return nil, fmt.Errorf("user operation %s reverted on chain", opHash.Hex())
	}

	return &Result{
		UserOpHash:    opHash,
		TxHash:        receipt.Receipt.TransactionHash,
		PaidWithToken: paidWithToken,
	}, nil
}

// waitForOperation polls the bundler until the operation is included or the
// attempt budget runs out. Exhaustion is a recoverable timeout: the
// operation may still land, and the caller can re-query by hash.
func (o *Orchestrator) waitForOperation(ctx context.Context, opHash common.Hash) (*bundler.OperationReceipt, error) {
	for i := 0; i < o.pollAttempts; i++ {
		receipt, err := o.submitter.GetOperationReceipt(ctx, opHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
	return nil, apperrors.Timeout(
		fmt.Sprintf("operation %s not included after %d attempts", opHash.Hex(), o.pollAttempts))
}
