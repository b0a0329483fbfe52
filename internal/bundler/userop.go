// Package bundler speaks the account-abstraction bundler protocol: it
// carries the v0.6 user operation schema, computes operation hashes and
// submits operations for inclusion.
package bundler

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the standard account-abstraction operation (entry point
// v0.6). Gas and fee fields are integer wei-equivalents; never floats.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// rpcUserOperation is the wire form with hex-encoded quantities
type rpcUserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op *UserOperation) toRPC() *rpcUserOperation {
	return &rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(orZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

var userOpPackArgs = abi.Arguments{
	{Type: mustType("address")}, // sender
	{Type: mustType("uint256")}, // nonce
	{Type: mustType("bytes32")}, // keccak(initCode)
	{Type: mustType("bytes32")}, // keccak(callData)
	{Type: mustType("uint256")}, // callGasLimit
	{Type: mustType("uint256")}, // verificationGasLimit
	{Type: mustType("uint256")}, // preVerificationGas
	{Type: mustType("uint256")}, // maxFeePerGas
	{Type: mustType("uint256")}, // maxPriorityFeePerGas
	{Type: mustType("bytes32")}, // keccak(paymasterAndData)
}

var userOpEnvelopeArgs = abi.Arguments{
	{Type: mustType("bytes32")}, // keccak(packed op)
	{Type: mustType("address")}, // entry point
	{Type: mustType("uint256")}, // chain id
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", name, err))
	}
	return t
}

// Hash computes the canonical user operation hash: keccak over the packed
// operation bound to the entry point and chain id. Identical operations
// always hash identically.
func (op *UserOperation) Hash(entryPoint common.Address, chainID int64) (common.Hash, error) {
	packed, err := userOpPackArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation: %w", err)
	}

	envelope, err := userOpEnvelopeArgs.Pack(
		crypto.Keccak256Hash(packed),
		entryPoint,
		big.NewInt(chainID),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack operation envelope: %w", err)
	}

	return crypto.Keccak256Hash(envelope), nil
}

// Sign sets the operation signature: an EIP-191 personal-sign of the
// operation hash by the combined owner key, which is what the smart
// account's validation expects
func (op *UserOperation) Sign(key *ecdsa.PrivateKey, entryPoint common.Address, chainID int64) error {
	opHash, err := op.Hash(entryPoint, chainID)
	if err != nil {
		return err
	}

	sig, err := crypto.Sign(accounts.TextHash(opHash.Bytes()), key)
	if err != nil {
		return fmt.Errorf("failed to sign user operation: %w", err)
	}

	// Shift recovery id to the 27/28 convention contracts expect
	sig[crypto.RecoveryIDOffset] += 27
	op.Signature = sig
	return nil
}
