package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/split-wallet/split-wallet/pkg/types"
)

// MemoryStore is a mutex-guarded in-memory CredentialStore used by tests
// and the memory store backend. It is an explicit injected value, never a
// process-wide singleton.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[uuid.UUID]*types.Identity
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[uuid.UUID]*types.Identity),
	}
}

// FindIdentity retrieves an identity and its wallets
func (s *MemoryStore) FindIdentity(ctx context.Context, id uuid.UUID) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, nil
	}
	return cloneIdentity(identity), nil
}

// CreateIdentity registers a new identity
func (s *MemoryStore) CreateIdentity(ctx context.Context, label, authKind string) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity := &types.Identity{
		ID:        uuid.New(),
		Label:     label,
		AuthKind:  authKind,
		CreatedAt: time.Now().UTC(),
	}
	s.identities[identity.ID] = identity
	return cloneIdentity(identity), nil
}

// PersistServerShare stores the encrypted server share
func (s *MemoryStore) PersistServerShare(ctx context.Context, id uuid.UUID, blob *types.EncryptedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return errIdentityMissing(id)
	}
	copied := *blob
	identity.ServerShare = &copied
	return nil
}

// PersistRecoveryDigest stores the recovery share digest
func (s *MemoryStore) PersistRecoveryDigest(ctx context.Context, id uuid.UUID, digest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return errIdentityMissing(id)
	}
	identity.RecoveryDigest = append([]byte(nil), digest...)
	return nil
}

// AppendWallet adds a wallet record under the store lock, so the append and
// the default-flag mutation are a single unit
func (s *MemoryStore) AppendWallet(ctx context.Context, id uuid.UUID, wallet types.WalletRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return false, errIdentityMissing(id)
	}

	for _, existing := range identity.Wallets {
		if existing.Address == wallet.Address {
			return false, nil
		}
	}

	if wallet.IsDefault {
		for i := range identity.Wallets {
			identity.Wallets[i].IsDefault = false
		}
	}
	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now().UTC()
	}
	identity.Wallets = append(identity.Wallets, wallet)
	return true, nil
}

// ListWallets returns the identity's wallets in insertion order
func (s *MemoryStore) ListWallets(ctx context.Context, id uuid.UUID) ([]types.WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, nil
	}
	return append([]types.WalletRecord(nil), identity.Wallets...), nil
}

// DefaultWallet returns the wallet flagged default, or nil
func (s *MemoryStore) DefaultWallet(ctx context.Context, id uuid.UUID) (*types.WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, nil
	}
	for i := range identity.Wallets {
		if identity.Wallets[i].IsDefault {
			w := identity.Wallets[i]
			return &w, nil
		}
	}
	return nil, nil
}

// NewestWallet returns the most recently created wallet, insertion order
// breaking ties, or nil
func (s *MemoryStore) NewestWallet(ctx context.Context, id uuid.UUID) (*types.WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok || len(identity.Wallets) == 0 {
		return nil, nil
	}

	newest := identity.Wallets[0]
	for _, w := range identity.Wallets[1:] {
		// strict After keeps the later insertion on equal timestamps
		if w.CreatedAt.After(newest.CreatedAt) || w.CreatedAt.Equal(newest.CreatedAt) {
			newest = w
		}
	}
	return &newest, nil
}

// NextSaltNonce returns one greater than the highest salt nonce used
func (s *MemoryStore) NextSaltNonce(ctx context.Context, id uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok || len(identity.Wallets) == 0 {
		return 0, nil
	}

	var max uint64
	for _, w := range identity.Wallets {
		if w.SaltNonce > max {
			max = w.SaltNonce
		}
	}
	return max + 1, nil
}

func cloneIdentity(identity *types.Identity) *types.Identity {
	copied := *identity
	if identity.ServerShare != nil {
		blob := *identity.ServerShare
		copied.ServerShare = &blob
	}
	copied.RecoveryDigest = append([]byte(nil), identity.RecoveryDigest...)
	copied.Wallets = append([]types.WalletRecord(nil), identity.Wallets...)
	return &copied
}

func errIdentityMissing(id uuid.UUID) error {
	return &identityMissingError{id: id}
}

type identityMissingError struct {
	id uuid.UUID
}

func (e *identityMissingError) Error() string {
	return "identity " + e.id.String() + " not found"
}

var _ CredentialStore = (*MemoryStore)(nil)
