// Package app wires key material, storage, the deployment gate and the gas
// orchestrator into the operations the API exposes.
package app

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/split-wallet/split-wallet/internal/deploy"
	"github.com/split-wallet/split-wallet/internal/gas"
	"github.com/split-wallet/split-wallet/internal/keymat"
	"github.com/split-wallet/split-wallet/internal/logger"
	"github.com/split-wallet/split-wallet/internal/metrics"
	"github.com/split-wallet/split-wallet/internal/signer"
	"github.com/split-wallet/split-wallet/internal/storage"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
)

// IdentityRegistration is the one-time registration response. The device and
// recovery shares appear here once and are never reconstructable afterwards.
type IdentityRegistration struct {
	Identity      *types.Identity `json:"identity"`
	DeviceShare   string          `json:"device_share"`
	RecoveryShare string          `json:"recovery_share"`
}

// WalletInfo is the result of a wallet derivation
type WalletInfo struct {
	Address string `json:"address"`
	Created bool   `json:"created"`
}

// DispatchParams describes a transaction dispatch request
type DispatchParams struct {
	To        string
	ValueWei  string
	DataHex   string
	FeeMode   types.FeeMode
	SaltNonce *uint64
}

// WalletService implements the wallet operations end to end
type WalletService struct {
	store        storage.CredentialStore
	cipher       *keymat.Cipher
	deriver      *signer.Deriver
	gate         *deploy.Gate
	orchestrator *gas.Orchestrator

	explorerURLTemplate string
}

// NewWalletService creates the service
func NewWalletService(
	store storage.CredentialStore,
	cipher *keymat.Cipher,
	deriver *signer.Deriver,
	gate *deploy.Gate,
	orchestrator *gas.Orchestrator,
	explorerURLTemplate string,
) *WalletService {
	return &WalletService{
		store:               store,
		cipher:              cipher,
		deriver:             deriver,
		gate:                gate,
		orchestrator:        orchestrator,
		explorerURLTemplate: explorerURLTemplate,
	}
}

// CreateIdentityWithKeys registers an identity and generates its key
// material: the server share is persisted encrypted, only a digest of the
// recovery share is kept, and the device share is returned to the caller
// without ever touching storage.
func (s *WalletService) CreateIdentityWithKeys(ctx context.Context, label, authKind string) (*IdentityRegistration, error) {
	if authKind == "" {
		authKind = types.AuthKindPasskey
	}

	identity, err := s.store.CreateIdentity(ctx, label, authKind)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	device, server, recovery, err := keymat.GenerateTriple()
	if err != nil {
		return nil, err
	}

	blob, err := s.cipher.EncryptShare(server, signer.ServerShareContext(identity.ID))
	if err != nil {
		return nil, err
	}
	if err := s.store.PersistServerShare(ctx, identity.ID, blob); err != nil {
		return nil, fmt.Errorf("failed to persist server share: %w", err)
	}

	digest := keymat.HashForVerification(recovery)
	if err := s.store.PersistRecoveryDigest(ctx, identity.ID, digest); err != nil {
		return nil, fmt.Errorf("failed to persist recovery digest: %w", err)
	}

	identity.ServerShare = blob
	identity.RecoveryDigest = digest

	logger.Info(ctx, "identity registered", "identity_id", identity.ID.String(), "auth_kind", authKind)

	return &IdentityRegistration{
		Identity:      identity,
		DeviceShare:   device.Hex(),
		RecoveryShare: recovery.Hex(),
	}, nil
}

// GetIdentity returns an identity with its wallets
func (s *WalletService) GetIdentity(ctx context.Context, identityID uuid.UUID) (*types.Identity, error) {
	identity, err := s.store.FindIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, apperrors.IdentityNotFound(identityID.String())
	}
	return identity, nil
}

// DeriveWallet resolves or creates a wallet for the identity. Repeating the
// call with the same inputs returns the same address.
func (s *WalletService) DeriveWallet(ctx context.Context, identityID uuid.UUID, deviceShareHex string, saltNonce *uint64, forceCreate bool) (*WalletInfo, error) {
	deviceShare, err := keymat.ParseShare(deviceShareHex)
	if err != nil {
		return nil, err
	}

	address, created, err := s.deriver.ResolveOrCreateWallet(ctx, identityID, deviceShare, saltNonce, forceCreate)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.WalletsDerivedTotal.Inc()
		logger.Info(ctx, "wallet derived", "identity_id", identityID.String(), "address", address.Hex())
	}

	return &WalletInfo{Address: address.Hex(), Created: created}, nil
}

// DispatchTransaction signs and submits a transaction from the identity's
// wallet, deploying the account first when possible, and blocks until the
// transaction is confirmed or the confirmation wait times out.
func (s *WalletService) DispatchTransaction(ctx context.Context, identityID uuid.UUID, deviceShareHex string, params *DispatchParams) (*types.DispatchResult, error) {
	if !common.IsHexAddress(params.To) {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid request parameters", "to is not a valid address", 400)
	}
	target := common.HexToAddress(params.To)

	value := new(big.Int)
	if params.ValueWei != "" {
		if _, ok := value.SetString(params.ValueWei, 10); !ok || value.Sign() < 0 {
			return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
				"Invalid request parameters", "value must be a non-negative decimal wei amount", 400)
		}
	}

	feeMode := params.FeeMode
	if feeMode == "" {
		feeMode = types.FeeModeAuto
	}
	switch feeMode {
	case types.FeeModeAuto, types.FeeModeSponsored, types.FeeModeToken:
	default:
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid request parameters", fmt.Sprintf("unknown fee mode: %s", feeMode), 400)
	}

	deviceShare, err := keymat.ParseShare(deviceShareHex)
	if err != nil {
		return nil, err
	}

	key, err := s.deriver.DeriveSigner(ctx, identityID, deviceShare)
	if err != nil {
		return nil, err
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	wallet, err := s.resolveWallet(ctx, identityID, deviceShare, params.SaltNonce)
	if err != nil {
		return nil, err
	}
	account := common.HexToAddress(wallet.Address)

	deployed, err := s.gate.IsDeployed(ctx, account)
	if err != nil {
		return nil, err
	}

	// Prefer a server-side deployment when the account is funded for it;
	// otherwise deployment rides along the user operation's init code.
	if !deployed && s.gate.HasDeployerKey() {
		readiness, err := s.gate.EnsureReadiness(ctx, account)
		if err != nil {
			return nil, err
		}
		if readiness == deploy.Ready {
			if err := s.gate.DeployWithFallbackKey(ctx, owner, wallet.SaltNonce, account); err != nil {
				return nil, err
			}
			deployed = true
		}
	}

	req := &gas.Request{
		Sender:   account,
		Target:   target,
		Value:    value,
		Data:     common.FromHex(params.DataHex),
		Deployed: deployed,
		FeeMode:  feeMode,
	}
	if !deployed {
		initCode, err := s.deriver.InitCode(owner, wallet.SaltNonce)
		if err != nil {
			return nil, err
		}
		req.InitCode = initCode
	}

	result, err := s.orchestrator.Dispatch(ctx, key, req)
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "transaction dispatched",
		"identity_id", identityID.String(),
		"sender", account.Hex(),
		"tx_hash", result.TxHash.Hex(),
		"paid_with_token", result.PaidWithToken,
	)

	return &types.DispatchResult{
		Hash:        result.TxHash.Hex(),
		ExplorerURL: s.explorerURL(result.TxHash.Hex()),
	}, nil
}

// VerifyRecovery checks a presented recovery share against the stored digest
func (s *WalletService) VerifyRecovery(ctx context.Context, identityID uuid.UUID, recoveryShareHex string) (bool, error) {
	share, err := keymat.ParseShare(recoveryShareHex)
	if err != nil {
		return false, err
	}

	identity, err := s.store.FindIdentity(ctx, identityID)
	if err != nil {
		return false, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return false, apperrors.IdentityNotFound(identityID.String())
	}
	if len(identity.RecoveryDigest) == 0 {
		return false, nil
	}

	return keymat.VerifyRecoveryShare(share, identity.RecoveryDigest), nil
}

// resolveWallet returns the wallet record a dispatch should act on: the one
// matching the explicit salt nonce, or the default wallet, creating either
// when it does not exist yet
func (s *WalletService) resolveWallet(ctx context.Context, identityID uuid.UUID, deviceShare keymat.Share, saltNonce *uint64) (*types.WalletRecord, error) {
	address, created, err := s.deriver.ResolveOrCreateWallet(ctx, identityID, deviceShare, saltNonce, false)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.WalletsDerivedTotal.Inc()
	}

	wallets, err := s.store.ListWallets(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	for i := range wallets {
		if wallets[i].Address == address.Hex() {
			return &wallets[i], nil
		}
	}
	return nil, fmt.Errorf("wallet record missing for %s", address.Hex())
}

func (s *WalletService) explorerURL(txHash string) string {
	if s.explorerURLTemplate == "" {
		return ""
	}
	return fmt.Sprintf(s.explorerURLTemplate, txHash)
}
