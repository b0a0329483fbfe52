// Package deploy decides whether a counterfactual account can be deployed
// and, when a server deployer key is configured, performs the deployment as
// a plain factory call from a funded EOA.
package deploy

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/split-wallet/split-wallet/internal/chain"
	"github.com/split-wallet/split-wallet/internal/logger"
	"github.com/split-wallet/split-wallet/internal/metrics"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
)

// Readiness is the deployment posture of a counterfactual account
type Readiness int

const (
	// Ready means the account is deployed or deployable right now
	Ready Readiness = iota
	// NeedsFunding means the account balance is below the deployment
	// threshold and no sponsor path applies
	NeedsFunding
	// NeedsDeviceSignature means the account is funded but no server
	// deployer key is configured, so deployment must ride along a user
	// operation signed by the device
	NeedsDeviceSignature
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case NeedsFunding:
		return "needs_funding"
	case NeedsDeviceSignature:
		return "needs_device_signature"
	default:
		return fmt.Sprintf("readiness(%d)", int(r))
	}
}

// Gate evaluates and executes account deployments
type Gate struct {
	backend          chain.Backend
	factory          common.Address
	minDeployBalance *big.Int
	deployerKey      *ecdsa.PrivateKey
	receiptAttempts  int
	receiptInterval  time.Duration
}

// NewGate builds a deployment gate. deployerKeyHex may be empty, in which
// case only user-operation deployment is available.
func NewGate(
	backend chain.Backend,
	factory common.Address,
	minDeployBalanceWei string,
	deployerKeyHex string,
	receiptAttempts int,
	receiptInterval time.Duration,
) (*Gate, error) {
	minBalance, ok := new(big.Int).SetString(minDeployBalanceWei, 10)
	if !ok || minBalance.Sign() < 0 {
		return nil, fmt.Errorf("invalid minimum deploy balance: %q", minDeployBalanceWei)
	}

	var deployerKey *ecdsa.PrivateKey
	if deployerKeyHex != "" {
		key, err := crypto.HexToECDSA(deployerKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid deployer key: %w", err)
		}
		deployerKey = key
	}

	return &Gate{
		backend:          backend,
		factory:          factory,
		minDeployBalance: minBalance,
		deployerKey:      deployerKey,
		receiptAttempts:  receiptAttempts,
		receiptInterval:  receiptInterval,
	}, nil
}

// HasDeployerKey reports whether server-side deployment is available
func (g *Gate) HasDeployerKey() bool {
	return g.deployerKey != nil
}

// IsDeployed reports whether bytecode exists at the account address
func (g *Gate) IsDeployed(ctx context.Context, account common.Address) (bool, error) {
	code, err := g.backend.GetCode(ctx, account)
	if err != nil {
		return false, fmt.Errorf("failed to check deployment: %w", err)
	}
	return len(code) > 0, nil
}

// EnsureReadiness classifies the account's deployment posture. A deployed
// account is always Ready. An undeployed account below the balance
// threshold is NeedsFunding no matter how deployment would happen; a
// funded one is Ready when the server can deploy it, NeedsDeviceSignature
// otherwise. No state changes.
func (g *Gate) EnsureReadiness(ctx context.Context, account common.Address) (Readiness, error) {
	deployed, err := g.IsDeployed(ctx, account)
	if err != nil {
		return NeedsFunding, err
	}
	if deployed {
		return Ready, nil
	}

	balance, err := g.backend.GetBalance(ctx, account)
	if err != nil {
		return NeedsFunding, fmt.Errorf("failed to check account balance: %w", err)
	}
	if balance.Cmp(g.minDeployBalance) < 0 {
		return NeedsFunding, nil
	}

	if !g.HasDeployerKey() {
		return NeedsDeviceSignature, nil
	}
	return Ready, nil
}

// DeployWithFallbackKey deploys the account through the factory from the
// server's funded EOA and verifies code actually appeared at the expected
// address. Deploying an already-deployed account is a no-op.
func (g *Gate) DeployWithFallbackKey(ctx context.Context, owner common.Address, saltNonce uint64, account common.Address) error {
	if g.deployerKey == nil {
		return fmt.Errorf("no deployer key configured")
	}

	deployed, err := g.IsDeployed(ctx, account)
	if err != nil {
		return err
	}
	if deployed {
		return nil
	}

	callData, err := chain.FactoryCreateAccountCallData(owner, saltNonce)
	if err != nil {
		return err
	}

	from := crypto.PubkeyToAddress(g.deployerKey.PublicKey)

	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return err
	}
	gasFeeCap, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	gasTipCap, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return err
	}
	gasLimit, err := g.backend.EstimateGas(ctx, from, g.factory, nil, callData)
	if err != nil {
		return fmt.Errorf("failed to estimate deployment gas: %w", err)
	}

	chainID := big.NewInt(g.backend.ChainID())
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &g.factory,
		Data:      callData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), g.deployerKey)
	if err != nil {
		return fmt.Errorf("failed to sign deployment transaction: %w", err)
	}

	txHash, err := g.backend.SendRawTransaction(ctx, signedTx)
	if err != nil {
		metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to broadcast deployment: %w", err)
	}

	logger.Info(ctx, "deployment transaction broadcast",
		"account", account.Hex(),
		"tx_hash", txHash.Hex(),
	)

	receipt, err := g.backend.WaitForReceipt(ctx, txHash, g.receiptAttempts, g.receiptInterval)
	if err != nil {
		metrics.DeploymentsTotal.WithLabelValues("timeout").Inc()
		return err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		metrics.DeploymentsTotal.WithLabelValues("reverted").Inc()
		return apperrors.DeploymentVerificationFailed(
			fmt.Sprintf("deployment transaction %s reverted", txHash.Hex()))
	}

	// The receipt alone is not proof the account landed where we derived
	// it; confirm code at the expected address.
	deployed, err = g.IsDeployed(ctx, account)
	if err != nil {
		return err
	}
	if !deployed {
		metrics.DeploymentsTotal.WithLabelValues("missing_code").Inc()
		return apperrors.DeploymentVerificationFailed(
			fmt.Sprintf("no code at %s after deployment transaction %s", account.Hex(), txHash.Hex()))
	}

	metrics.DeploymentsTotal.WithLabelValues("success").Inc()
	logger.Info(ctx, "account deployed", "account", account.Hex(), "tx_hash", txHash.Hex())
	return nil
}
