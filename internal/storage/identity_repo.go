package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/split-wallet/split-wallet/pkg/types"
)

// IdentityRepository is the Postgres-backed CredentialStore
type IdentityRepository struct {
	store *Store
}

// NewIdentityRepository creates a new IdentityRepository
func NewIdentityRepository(store *Store) *IdentityRepository {
	return &IdentityRepository{store: store}
}

// FindIdentity retrieves an identity and its wallets
func (r *IdentityRepository) FindIdentity(ctx context.Context, id uuid.UUID) (*types.Identity, error) {
	query := `
		SELECT id, label, auth_kind, server_share, recovery_digest, created_at
		FROM identities
		WHERE id = $1
	`

	var identity types.Identity
	var shareJSON []byte
	err := r.store.pool.QueryRow(ctx, query, id).Scan(
		&identity.ID,
		&identity.Label,
		&identity.AuthKind,
		&shareJSON,
		&identity.RecoveryDigest,
		&identity.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	if len(shareJSON) > 0 {
		var blob types.EncryptedBlob
		if err := json.Unmarshal(shareJSON, &blob); err != nil {
			return nil, fmt.Errorf("failed to decode server share blob: %w", err)
		}
		identity.ServerShare = &blob
	}

	wallets, err := r.ListWallets(ctx, id)
	if err != nil {
		return nil, err
	}
	identity.Wallets = wallets

	return &identity, nil
}

// CreateIdentity registers a new identity
func (r *IdentityRepository) CreateIdentity(ctx context.Context, label, authKind string) (*types.Identity, error) {
	identity := &types.Identity{
		ID:       uuid.New(),
		Label:    label,
		AuthKind: authKind,
	}

	query := `
		INSERT INTO identities (id, label, auth_kind)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	err := r.store.pool.QueryRow(ctx, query, identity.ID, label, authKind).Scan(&identity.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	return identity, nil
}

// PersistServerShare stores the encrypted server share
func (r *IdentityRepository) PersistServerShare(ctx context.Context, id uuid.UUID, blob *types.EncryptedBlob) error {
	shareJSON, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode server share blob: %w", err)
	}

	tag, err := r.store.pool.Exec(ctx,
		`UPDATE identities SET server_share = $2 WHERE id = $1`, id, shareJSON)
	if err != nil {
		return fmt.Errorf("failed to persist server share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %s not found", id)
	}
	return nil
}

// PersistRecoveryDigest stores the recovery share digest
func (r *IdentityRepository) PersistRecoveryDigest(ctx context.Context, id uuid.UUID, digest []byte) error {
	tag, err := r.store.pool.Exec(ctx,
		`UPDATE identities SET recovery_digest = $2 WHERE id = $1`, id, digest)
	if err != nil {
		return fmt.Errorf("failed to persist recovery digest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %s not found", id)
	}
	return nil
}

// AppendWallet adds a wallet record in a transaction holding the identity
// row lock, so concurrent appends for the same identity serialize and the
// default flag stays unique.
func (r *IdentityRepository) AppendWallet(ctx context.Context, id uuid.UUID, wallet types.WalletRecord) (bool, error) {
	tx, err := r.store.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM identities WHERE id = $1 FOR UPDATE)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to lock identity: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("identity %s not found", id)
	}

	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM wallets WHERE identity_id = $1 AND address = $2)`,
		id, wallet.Address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet uniqueness: %w", err)
	}
	if exists {
		return false, nil
	}

	if wallet.IsDefault {
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET is_default = FALSE WHERE identity_id = $1`, id)
		if err != nil {
			return false, fmt.Errorf("failed to clear default flags: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (identity_id, address, salt_nonce, label, chain_id, is_default)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, wallet.Address, wallet.SaltNonce, wallet.Label, wallet.ChainID, wallet.IsDefault)
	if err != nil {
		return false, fmt.Errorf("failed to append wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit wallet append: %w", err)
	}
	return true, nil
}

// ListWallets returns the identity's wallets in insertion order
func (r *IdentityRepository) ListWallets(ctx context.Context, id uuid.UUID) ([]types.WalletRecord, error) {
	query := `
		SELECT address, salt_nonce, label, chain_id, is_default, created_at
		FROM wallets
		WHERE identity_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.store.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []types.WalletRecord
	for rows.Next() {
		var w types.WalletRecord
		err := rows.Scan(&w.Address, &w.SaltNonce, &w.Label, &w.ChainID, &w.IsDefault, &w.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}

	return wallets, nil
}

// DefaultWallet returns the wallet flagged default, or nil
func (r *IdentityRepository) DefaultWallet(ctx context.Context, id uuid.UUID) (*types.WalletRecord, error) {
	return r.walletRow(ctx, `
		SELECT address, salt_nonce, label, chain_id, is_default, created_at
		FROM wallets
		WHERE identity_id = $1 AND is_default = TRUE
		LIMIT 1
	`, id)
}

// NewestWallet returns the most recently created wallet, or nil
func (r *IdentityRepository) NewestWallet(ctx context.Context, id uuid.UUID) (*types.WalletRecord, error) {
	return r.walletRow(ctx, `
		SELECT address, salt_nonce, label, chain_id, is_default, created_at
		FROM wallets
		WHERE identity_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, id)
}

// NextSaltNonce returns one greater than the highest salt nonce used
func (r *IdentityRepository) NextSaltNonce(ctx context.Context, id uuid.UUID) (uint64, error) {
	var next uint64
	err := r.store.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(salt_nonce) + 1, 0) FROM wallets WHERE identity_id = $1`, id).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next salt nonce: %w", err)
	}
	return next, nil
}

func (r *IdentityRepository) walletRow(ctx context.Context, query string, id uuid.UUID) (*types.WalletRecord, error) {
	var w types.WalletRecord
	err := r.store.pool.QueryRow(ctx, query, id).Scan(
		&w.Address, &w.SaltNonce, &w.Label, &w.ChainID, &w.IsDefault, &w.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

var _ CredentialStore = (*IdentityRepository)(nil)
