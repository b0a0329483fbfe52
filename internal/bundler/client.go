package bundler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// OperationReceipt is the bundler's view of an included operation
type OperationReceipt struct {
	UserOpHash    common.Hash  `json:"userOpHash"`
	Success       bool         `json:"success"`
	ActualGasUsed *hexutil.Big `json:"actualGasUsed"`
	ActualGasCost *hexutil.Big `json:"actualGasCost"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

// Submitter is the bundler surface the orchestrator depends on
type Submitter interface {
	// Submit sends a user operation and returns its operation hash
	Submit(ctx context.Context, op *UserOperation) (common.Hash, error)

	// GetOperationReceipt returns the receipt, or nil while the operation
	// is still pending
	GetOperationReceipt(ctx context.Context, opHash common.Hash) (*OperationReceipt, error)
}

// Client talks to a bundler over JSON-RPC
type Client struct {
	rpc        *rpc.Client
	entryPoint common.Address
}

// NewClient connects to a bundler endpoint
func NewClient(rpcURL string, entryPoint common.Address) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("bundler RPC URL is required")
	}

	client, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bundler: %w", err)
	}

	return &Client{rpc: client, entryPoint: entryPoint}, nil
}

// Submit sends a user operation for inclusion
func (c *Client) Submit(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var opHash common.Hash
	err := c.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", op.toRPC(), c.entryPoint)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bundler submission failed: %w", err)
	}
	return opHash, nil
}

// GetOperationReceipt queries the bundler for an operation receipt.
// A nil receipt with nil error means the operation is still pending.
func (c *Client) GetOperationReceipt(ctx context.Context, opHash common.Hash) (*OperationReceipt, error) {
	var receipt *OperationReceipt
	err := c.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation receipt: %w", err)
	}
	return receipt, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.rpc.Close()
}

var _ Submitter = (*Client)(nil)
