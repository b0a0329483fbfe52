// Package mocks provides hand-written test doubles for the chain, bundler
// and paymaster boundaries. Behavior is injected per test through function
// fields; unset fields return benign defaults.
package mocks

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/split-wallet/split-wallet/internal/bundler"
	"github.com/split-wallet/split-wallet/internal/chain"
	"github.com/split-wallet/split-wallet/internal/paymaster"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
)

// MockBackend is a configurable chain.Backend
type MockBackend struct {
	mu    sync.Mutex
	calls []string

	ChainIDValue int64

	GetBalanceFunc         func(ctx context.Context, address common.Address) (*big.Int, error)
	GetCodeFunc            func(ctx context.Context, address common.Address) ([]byte, error)
	CallContractFunc       func(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	PendingNonceAtFunc     func(ctx context.Context, address common.Address) (uint64, error)
	SuggestGasPriceFunc    func(ctx context.Context) (*big.Int, error)
	SuggestGasTipCapFunc   func(ctx context.Context) (*big.Int, error)
	EstimateGasFunc        func(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error)
	SendRawTransactionFunc func(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error)
	WaitForReceiptFunc     func(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*ethtypes.Receipt, error)
}

func (m *MockBackend) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns the ordered method names invoked so far
func (m *MockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockBackend) ChainID() int64 {
	if m.ChainIDValue == 0 {
		return 1
	}
	return m.ChainIDValue
}

func (m *MockBackend) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	m.record("GetBalance")
	if m.GetBalanceFunc != nil {
		return m.GetBalanceFunc(ctx, address)
	}
	return big.NewInt(0), nil
}

func (m *MockBackend) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	m.record("GetCode")
	if m.GetCodeFunc != nil {
		return m.GetCodeFunc(ctx, address)
	}
	return nil, nil
}

func (m *MockBackend) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	m.record("CallContract")
	if m.CallContractFunc != nil {
		return m.CallContractFunc(ctx, to, data)
	}
	return make([]byte, 32), nil
}

func (m *MockBackend) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	m.record("PendingNonceAt")
	if m.PendingNonceAtFunc != nil {
		return m.PendingNonceAtFunc(ctx, address)
	}
	return 0, nil
}

func (m *MockBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.record("SuggestGasPrice")
	if m.SuggestGasPriceFunc != nil {
		return m.SuggestGasPriceFunc(ctx)
	}
	return big.NewInt(2_000_000_000), nil
}

func (m *MockBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	m.record("SuggestGasTipCap")
	if m.SuggestGasTipCapFunc != nil {
		return m.SuggestGasTipCapFunc(ctx)
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *MockBackend) EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error) {
	m.record("EstimateGas")
	if m.EstimateGasFunc != nil {
		return m.EstimateGasFunc(ctx, from, to, value, data)
	}
	return 300_000, nil
}

func (m *MockBackend) SendRawTransaction(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
	m.record("SendRawTransaction")
	if m.SendRawTransactionFunc != nil {
		return m.SendRawTransactionFunc(ctx, tx)
	}
	return tx.Hash(), nil
}

func (m *MockBackend) WaitForReceipt(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*ethtypes.Receipt, error) {
	m.record("WaitForReceipt")
	if m.WaitForReceiptFunc != nil {
		return m.WaitForReceiptFunc(ctx, hash, attempts, interval)
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: hash}, nil
}

var _ chain.Backend = (*MockBackend)(nil)

// MockSubmitter is a configurable bundler.Submitter
type MockSubmitter struct {
	mu        sync.Mutex
	Submitted []*bundler.UserOperation

	SubmitFunc              func(ctx context.Context, op *bundler.UserOperation) (common.Hash, error)
	GetOperationReceiptFunc func(ctx context.Context, opHash common.Hash) (*bundler.OperationReceipt, error)
}

func (m *MockSubmitter) Submit(ctx context.Context, op *bundler.UserOperation) (common.Hash, error) {
	m.mu.Lock()
	clone := *op
	m.Submitted = append(m.Submitted, &clone)
	m.mu.Unlock()

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, op)
	}
	return op.Hash(common.Address{}, 1)
}

func (m *MockSubmitter) GetOperationReceipt(ctx context.Context, opHash common.Hash) (*bundler.OperationReceipt, error) {
	if m.GetOperationReceiptFunc != nil {
		return m.GetOperationReceiptFunc(ctx, opHash)
	}
	receipt := &bundler.OperationReceipt{UserOpHash: opHash, Success: true}
	receipt.Receipt.TransactionHash = common.HexToHash("0xaa")
	return receipt, nil
}

var _ bundler.Submitter = (*MockSubmitter)(nil)

// MockSponsor is a configurable paymaster.Service
type MockSponsor struct {
	GetGasPricesFunc     func(ctx context.Context) (*paymaster.GasPrices, error)
	GetTokenQuoteFunc    func(ctx context.Context, token common.Address) (*paymaster.TokenQuote, error)
	SponsorOperationFunc func(ctx context.Context, op *bundler.UserOperation) (*paymaster.SponsorPatch, error)
}

func (m *MockSponsor) GetGasPrices(ctx context.Context) (*paymaster.GasPrices, error) {
	if m.GetGasPricesFunc != nil {
		return m.GetGasPricesFunc(ctx)
	}
	return DefaultGasPrices(), nil
}

func (m *MockSponsor) GetTokenQuote(ctx context.Context, token common.Address) (*paymaster.TokenQuote, error) {
	if m.GetTokenQuoteFunc != nil {
		return m.GetTokenQuoteFunc(ctx, token)
	}
	return DefaultTokenQuote(), nil
}

func (m *MockSponsor) SponsorOperation(ctx context.Context, op *bundler.UserOperation) (*paymaster.SponsorPatch, error) {
	if m.SponsorOperationFunc != nil {
		return m.SponsorOperationFunc(ctx, op)
	}
	return &paymaster.SponsorPatch{PaymasterAndData: common.FromHex("0x01")}, nil
}

var _ paymaster.Service = (*MockSponsor)(nil)

// DecliningSponsor returns a sponsor that refuses every operation with a
// recognizable decline message
func DecliningSponsor() *MockSponsor {
	return &MockSponsor{
		SponsorOperationFunc: func(ctx context.Context, op *bundler.UserOperation) (*paymaster.SponsorPatch, error) {
			return nil, apperrors.SponsorshipDeclined("request does not match policy rules")
		},
	}
}

// DefaultGasPrices returns a plausible three-tier quote
func DefaultGasPrices() *paymaster.GasPrices {
	tier := func(fee, tip int64) paymaster.GasPriceTier {
		return paymaster.GasPriceTier{
			MaxFeePerGas:         bigHex(fee),
			MaxPriorityFeePerGas: bigHex(tip),
		}
	}
	return &paymaster.GasPrices{
		Slow:     tier(1_000_000_000, 100_000_000),
		Standard: tier(2_000_000_000, 200_000_000),
		Fast:     tier(4_000_000_000, 400_000_000),
	}
}

// DefaultTokenQuote returns a 1:1 exchange-rate quote with a small post-op
// overhead
func DefaultTokenQuote() *paymaster.TokenQuote {
	return &paymaster.TokenQuote{
		Paymaster:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		ExchangeRate: bigHexFromBig(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)),
		PostOpGas:    bigHex(40_000),
	}
}

func bigHex(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func bigHexFromBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(v)
}
