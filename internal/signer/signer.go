// Package signer combines the device-held share with the stored server
// share into the one ephemeral owner key for a request, and derives the
// deterministic counterfactual address of the smart account it controls.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/split-wallet/split-wallet/internal/chain"
	"github.com/split-wallet/split-wallet/internal/keymat"
	"github.com/split-wallet/split-wallet/internal/logger"
	"github.com/split-wallet/split-wallet/internal/storage"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
)

// devFallbackKeyHex is a fixed, publicly known test key. It is reachable
// only when the production flag is off AND the dev fallback is explicitly
// enabled; config validation rejects the combination in production.
const devFallbackKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// ServerShareContext returns the AEAD context string binding a server-share
// blob to its identity
func ServerShareContext(identityID uuid.UUID) string {
	return "server-share/" + identityID.String()
}

// Deriver produces signers and counterfactual addresses
type Deriver struct {
	store        storage.CredentialStore
	cipher       *keymat.Cipher
	factory      common.Address
	initCodeHash common.Hash
	chainID      int64

	production         bool
	devFallbackEnabled bool

	// per-identity serialization of wallet derivation
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewDeriver creates a new Deriver
func NewDeriver(
	store storage.CredentialStore,
	cipher *keymat.Cipher,
	factory common.Address,
	initCodeHash common.Hash,
	chainID int64,
	production, devFallbackEnabled bool,
) *Deriver {
	return &Deriver{
		store:              store,
		cipher:             cipher,
		factory:            factory,
		initCodeHash:       initCodeHash,
		chainID:            chainID,
		production:         production,
		devFallbackEnabled: devFallbackEnabled,
		locks:              make(map[uuid.UUID]*sync.Mutex),
	}
}

// DeriveAddress computes the counterfactual smart-account address for an
// owner key and salt nonce, matching the factory's CREATE2 rule. Two calls
// with identical inputs always return the same address; the address is
// known before any deployment.
func (d *Deriver) DeriveAddress(ownerPub *ecdsa.PublicKey, saltNonce uint64) common.Address {
	owner := crypto.PubkeyToAddress(*ownerPub)
	salt := crypto.Keccak256Hash(
		common.LeftPadBytes(owner.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(saltNonce).Bytes(), 32),
	)
	return crypto.CreateAddress2(d.factory, salt, d.initCodeHash.Bytes())
}

// InitCode returns the deployment init code for a user operation: the
// factory address followed by the createAccount calldata
func (d *Deriver) InitCode(owner common.Address, saltNonce uint64) ([]byte, error) {
	callData, err := chain.FactoryCreateAccountCallData(owner, saltNonce)
	if err != nil {
		return nil, err
	}
	return append(d.factory.Bytes(), callData...), nil
}

// Factory returns the configured account factory address
func (d *Deriver) Factory() common.Address {
	return d.factory
}

// DeriveSigner loads the identity's encrypted server share, decrypts it and
// combines it with the supplied device share. The device share is used only
// for the duration of the call and never persisted.
func (d *Deriver) DeriveSigner(ctx context.Context, identityID uuid.UUID, deviceShare keymat.Share) (*ecdsa.PrivateKey, error) {
	identity, err := d.store.FindIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, apperrors.IdentityNotFound(identityID.String())
	}
	if identity.ServerShare == nil {
		return nil, apperrors.MissingServerShare(identityID.String())
	}

	serverShare, err := d.cipher.DecryptShare(identity.ServerShare, ServerShareContext(identityID))
	if err != nil {
		if d.devFallbackKey(ctx, err) {
			return crypto.HexToECDSA(devFallbackKeyHex)
		}
		return nil, err
	}

	return keymat.Combine(deviceShare, serverShare)
}

// devFallbackKey is the single gate for the development-only fallback key.
// Production posture never reaches it.
func (d *Deriver) devFallbackKey(ctx context.Context, err error) bool {
	if d.production || !d.devFallbackEnabled {
		return false
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeDecryptionFailed) {
		return false
	}
	logger.Warn(ctx, "server share decryption failed, using dev fallback key", "error", err)
	return true
}

// ResolveOrCreateWallet resolves the wallet address for a dispatch, creating
// a wallet record when needed. With no salt nonce and forceCreate false the
// identity's default wallet is reused. The operation is idempotent: retrying
// with the same salt nonce yields the same address and no duplicate record.
func (d *Deriver) ResolveOrCreateWallet(
	ctx context.Context,
	identityID uuid.UUID,
	deviceShare keymat.Share,
	saltNonce *uint64,
	forceCreate bool,
) (common.Address, bool, error) {
	key, err := d.DeriveSigner(ctx, identityID, deviceShare)
	if err != nil {
		return common.Address{}, false, err
	}

	// Serialize wallet derivation per identity so two concurrent calls
	// cannot both act on a stale next-salt-nonce read.
	lock := d.identityLock(identityID)
	lock.Lock()
	defer lock.Unlock()

	if saltNonce == nil && !forceCreate {
		existing, err := d.store.DefaultWallet(ctx, identityID)
		if err != nil {
			return common.Address{}, false, fmt.Errorf("failed to load default wallet: %w", err)
		}
		if existing != nil {
			return common.HexToAddress(existing.Address), false, nil
		}
	}

	var nonce uint64
	if saltNonce != nil {
		nonce = *saltNonce
	} else {
		nonce, err = d.store.NextSaltNonce(ctx, identityID)
		if err != nil {
			return common.Address{}, false, fmt.Errorf("failed to compute next salt nonce: %w", err)
		}
	}

	address := d.DeriveAddress(&key.PublicKey, nonce)

	wallets, err := d.store.ListWallets(ctx, identityID)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to list wallets: %w", err)
	}

	created, err := d.store.AppendWallet(ctx, identityID, types.WalletRecord{
		Address:   address.Hex(),
		SaltNonce: nonce,
		Label:     fmt.Sprintf("Wallet %d", nonce+1),
		ChainID:   d.chainID,
		IsDefault: len(wallets) == 0,
	})
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to append wallet: %w", err)
	}

	return address, created, nil
}

func (d *Deriver) identityLock(identityID uuid.UUID) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[identityID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[identityID] = lock
	}
	return lock
}
