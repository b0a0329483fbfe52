package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI fragments for the contracts this system touches: the ERC-20
// fee token, the smart account's execute entry, the account factory and the
// entry point's nonce view.
const (
	erc20ABIJSON = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
	]`

	accountABIJSON = `[
		{"name":"execute","type":"function","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]}
	]`

	factoryABIJSON = `[
		{"name":"createAccount","type":"function","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
	]`

	entryPointABIJSON = `[
		{"name":"getNonce","type":"function","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"","type":"uint256"}]}
	]`
)

var (
	erc20ABI      = mustParseABI(erc20ABIJSON)
	accountABI    = mustParseABI(accountABIJSON)
	factoryABI    = mustParseABI(factoryABIJSON)
	entryPointABI = mustParseABI(entryPointABIJSON)
)

func mustParseABI(jsonStr string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI fragment: %v", err))
	}
	return parsed
}

// ERC20BalanceOf reads the fee-token balance of an address in the token's
// smallest unit
func ERC20BalanceOf(ctx context.Context, backend Backend, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	result, err := backend.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	return unpackUint256(erc20ABI, "balanceOf", result)
}

// ERC20Allowance reads the spender allowance in the token's smallest unit
func ERC20Allowance(ctx context.Context, backend Backend, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance: %w", err)
	}
	result, err := backend.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance call failed: %w", err)
	}
	return unpackUint256(erc20ABI, "allowance", result)
}

// ERC20ApproveCallData packs approve(spender, amount)
func ERC20ApproveCallData(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return data, nil
}

// AccountExecuteCallData packs the smart account's execute(dest, value, func)
func AccountExecuteCallData(dest common.Address, value *big.Int, callData []byte) ([]byte, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	data, err := accountABI.Pack("execute", dest, value, callData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute: %w", err)
	}
	return data, nil
}

// FactoryCreateAccountCallData packs createAccount(owner, salt)
func FactoryCreateAccountCallData(owner common.Address, saltNonce uint64) ([]byte, error) {
	data, err := factoryABI.Pack("createAccount", owner, new(big.Int).SetUint64(saltNonce))
	if err != nil {
		return nil, fmt.Errorf("failed to pack createAccount: %w", err)
	}
	return data, nil
}

// EntryPointNonce reads the account-abstraction nonce for a sender
func EntryPointNonce(ctx context.Context, backend Backend, entryPoint, sender common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce: %w", err)
	}
	result, err := backend.CallContract(ctx, entryPoint, data)
	if err != nil {
		return nil, fmt.Errorf("getNonce call failed: %w", err)
	}
	return unpackUint256(entryPointABI, "getNonce", result)
}

func unpackUint256(parsed abi.ABI, method string, result []byte) (*big.Int, error) {
	values, err := parsed.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s result arity: %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return value, nil
}
