// Package paymaster talks to the fee-quote/sponsor API: gas price tiers,
// ERC-20 fee-token quotes and gratis sponsorship of user operations.
package paymaster

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/split-wallet/split-wallet/internal/bundler"
)

// GasPriceTier is one fee level
type GasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPrices holds the three quoted tiers
type GasPrices struct {
	Slow     GasPriceTier `json:"slow"`
	Standard GasPriceTier `json:"standard"`
	Fast     GasPriceTier `json:"fast"`
}

// TokenQuote describes paying gas in an ERC-20 token. ExchangeRate is the
// token smallest-units per native wei ratio scaled by 1e18; PostOpGas is the
// gas overhead the token paymaster adds.
type TokenQuote struct {
	Paymaster    common.Address `json:"paymaster"`
	ExchangeRate *hexutil.Big   `json:"exchangeRate"`
	PostOpGas    *hexutil.Big   `json:"postOpGas"`
}

// SponsorPatch is the paymaster's amendment to a sponsored operation
type SponsorPatch struct {
	PaymasterAndData     hexutil.Bytes `json:"paymasterAndData"`
	PreVerificationGas   *hexutil.Big  `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big  `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big  `json:"callGasLimit"`
}

// Service is the sponsor/fee-quote surface the orchestrator depends on
type Service interface {
	// GetGasPrices returns the quoted fee tiers
	GetGasPrices(ctx context.Context) (*GasPrices, error)

	// GetTokenQuote returns the fee-token payment parameters
	GetTokenQuote(ctx context.Context, token common.Address) (*TokenQuote, error)

	// SponsorOperation asks the sponsor to pay for an operation. A refusal
	// surfaces as an error that IsSponsorshipDeclined recognizes.
	SponsorOperation(ctx context.Context, op *bundler.UserOperation) (*SponsorPatch, error)
}

// Client talks to the paymaster service over JSON-RPC
type Client struct {
	rpc        *rpc.Client
	entryPoint common.Address
}

// NewClient connects to a paymaster endpoint
func NewClient(rpcURL string, entryPoint common.Address) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("paymaster RPC URL is required")
	}

	client, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to paymaster: %w", err)
	}

	return &Client{rpc: client, entryPoint: entryPoint}, nil
}

// GetGasPrices fetches the current fee tiers
func (c *Client) GetGasPrices(ctx context.Context) (*GasPrices, error) {
	var prices GasPrices
	err := c.rpc.CallContext(ctx, &prices, "pm_getUserOperationGasPrice")
	if err != nil {
		return nil, fmt.Errorf("failed to get gas prices: %w", err)
	}
	return &prices, nil
}

// GetTokenQuote fetches the ERC-20 fee payment parameters for a token
func (c *Client) GetTokenQuote(ctx context.Context, token common.Address) (*TokenQuote, error) {
	var quote TokenQuote
	err := c.rpc.CallContext(ctx, &quote, "pm_getERC20TokenQuote", token)
	if err != nil {
		return nil, fmt.Errorf("failed to get token quote: %w", err)
	}
	return &quote, nil
}

// SponsorOperation requests gratis sponsorship for an operation
func (c *Client) SponsorOperation(ctx context.Context, op *bundler.UserOperation) (*SponsorPatch, error) {
	var patch SponsorPatch
	err := c.rpc.CallContext(ctx, &patch, "pm_sponsorUserOperation", opForSponsor(op), c.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("sponsorship request failed: %w", err)
	}
	return &patch, nil
}

// opForSponsor strips the signature: the sponsor sees the unsigned shape
func opForSponsor(op *bundler.UserOperation) *bundler.UserOperation {
	unsigned := *op
	unsigned.Signature = nil
	return &unsigned
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.rpc.Close()
}

// TokenPaymasterData builds the paymasterAndData field for fee-token
// payment: the paymaster address followed by the token address
func TokenPaymasterData(quote *TokenQuote, token common.Address) []byte {
	data := make([]byte, 0, 2*common.AddressLength)
	data = append(data, quote.Paymaster.Bytes()...)
	data = append(data, token.Bytes()...)
	return data
}

// RequiredTokenAmount converts a worst-case native gas cost into the fee
// token's smallest unit using the quote's exchange rate. All arithmetic is
// in integers; division rounds up so the estimate never under-approves.
func RequiredTokenAmount(quote *TokenQuote, maxFeePerGas, totalGas *big.Int) *big.Int {
	nativeCost := new(big.Int).Mul(maxFeePerGas, totalGas)
	if quote.PostOpGas != nil {
		nativeCost.Add(nativeCost, new(big.Int).Mul(maxFeePerGas, quote.PostOpGas.ToInt()))
	}

	scaled := new(big.Int).Mul(nativeCost, quote.ExchangeRate.ToInt())
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// ceil division
	scaled.Add(scaled, new(big.Int).Sub(denom, big.NewInt(1)))
	return scaled.Div(scaled, denom)
}

var _ Service = (*Client)(nil)
