// Package chain wraps the EVM node behind a narrow interface: the rest of
// the system only needs balance/code reads, contract calls, raw submission
// and receipt waits.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
)

// Backend is the chain read/write surface consumed by the deployment gate
// and the gas orchestrator. Adapters per underlying client library
// implement it; tests use a mock.
type Backend interface {
	// ChainID returns the connected chain id
	ChainID() int64

	// GetBalance returns the native-currency balance in wei
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)

	// GetCode returns the bytecode at an address (empty when not deployed)
	GetCode(ctx context.Context, address common.Address) ([]byte, error)

	// CallContract executes a read-only contract call
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// PendingNonceAt returns the next EOA nonce
	PendingNonceAt(ctx context.Context, address common.Address) (uint64, error)

	// SuggestGasPrice returns the suggested gas fee cap
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SuggestGasTipCap returns the suggested priority fee
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates gas for a call, with a safety buffer
	EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error)

	// SendRawTransaction broadcasts a signed transaction
	SendRawTransaction(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error)

	// WaitForReceipt polls for a transaction receipt until the attempt
	// budget is exhausted, returning a timeout error in that case
	WaitForReceipt(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*ethtypes.Receipt, error)
}

// Client is the ethclient-backed Backend
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewClient connects to an EVM node and auto-detects the chain id
func NewClient(rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &Client{client: client, chainID: chainID}, nil
}

// ChainID returns the chain ID
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// GetBalance returns the balance of an address in wei
func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// GetCode returns the bytecode deployed at an address
func (c *Client) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}

// CallContract executes a read-only contract call
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	return result, nil
}

// PendingNonceAt returns the next nonce for an address
func (c *Client) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	nonce, err := c.client.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// SuggestGasPrice returns the suggested gas price
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return gasPrice, nil
}

// SuggestGasTipCap returns the suggested gas tip cap for EIP-1559 transactions
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tipCap, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	return tipCap, nil
}

// EstimateGas estimates the gas needed for a transaction
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error) {
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer for safety
	return gas * 120 / 100, nil
}

// SendRawTransaction broadcasts a signed transaction to the network
func (c *Client) SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (common.Hash, error) {
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// WaitForReceipt polls for a receipt at the given interval. It holds no
// locks across the waits; on exhaustion it reports a recoverable timeout so
// the caller can re-query chain state.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*ethtypes.Receipt, error) {
	for i := 0; i < attempts; i++ {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, apperrors.Timeout(fmt.Sprintf("no receipt for %s after %d attempts", hash.Hex(), attempts))
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}

var _ Backend = (*Client)(nil)
