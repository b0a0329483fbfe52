// Package storage holds the durable mapping from identities to their
// encrypted server share, recovery digest and derived wallet records.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/split-wallet/split-wallet/pkg/types"
)

// CredentialStore is the injected persistence boundary for identity and
// wallet records. Implementations must apply AppendWallet and its
// default-flag mutation as a single logical unit per identity: concurrent
// appends must neither produce two default wallets nor overwrite each
// other's entries.
//
// Lookup methods return (nil, nil) when nothing matches; callers translate
// that into identity_not_found where appropriate.
type CredentialStore interface {
	// FindIdentity retrieves an identity with its wallet list
	FindIdentity(ctx context.Context, id uuid.UUID) (*types.Identity, error)

	// CreateIdentity registers a new identity; the id is generated by the store
	CreateIdentity(ctx context.Context, label, authKind string) (*types.Identity, error)

	// PersistServerShare stores the encrypted server share (idempotent overwrite)
	PersistServerShare(ctx context.Context, id uuid.UUID, blob *types.EncryptedBlob) error

	// PersistRecoveryDigest stores the recovery share digest (idempotent overwrite)
	PersistRecoveryDigest(ctx context.Context, id uuid.UUID, digest []byte) error

	// AppendWallet adds a wallet record. Returns false without mutation when
	// a record with the same address already exists for the identity. When
	// IsDefault is set, the flag is cleared on every other wallet of the
	// identity in the same unit of work.
	AppendWallet(ctx context.Context, id uuid.UUID, wallet types.WalletRecord) (bool, error)

	// ListWallets returns the identity's wallets in insertion order
	ListWallets(ctx context.Context, id uuid.UUID) ([]types.WalletRecord, error)

	// DefaultWallet returns the wallet flagged default, or nil
	DefaultWallet(ctx context.Context, id uuid.UUID) (*types.WalletRecord, error)

	// NewestWallet returns the most recently created wallet, insertion order
	// breaking ties, or nil
	NewestWallet(ctx context.Context, id uuid.UUID) (*types.WalletRecord, error)

	// NextSaltNonce returns one greater than the highest salt nonce used by
	// the identity, or zero when it has no wallets
	NextSaltNonce(ctx context.Context, id uuid.UUID) (uint64, error)
}
