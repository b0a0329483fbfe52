package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/split-wallet/split-wallet/pkg/types"
)

func newIdentity(t *testing.T, store *MemoryStore) uuid.UUID {
	t.Helper()
	identity, err := store.CreateIdentity(context.Background(), "test", types.AuthKindDev)
	require.NoError(t, err)
	return identity.ID
}

func TestMemoryStoreIdentityLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("missing identity yields nil without error", func(t *testing.T) {
		identity, err := store.FindIdentity(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, identity)
	})

	t.Run("create then find", func(t *testing.T) {
		created, err := store.CreateIdentity(ctx, "alice", types.AuthKindPasskey)
		require.NoError(t, err)

		found, err := store.FindIdentity(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "alice", found.Label)
		assert.Equal(t, types.AuthKindPasskey, found.AuthKind)
		assert.Empty(t, found.Wallets)
	})

	t.Run("persists server share and recovery digest", func(t *testing.T) {
		id := newIdentity(t, store)

		blob := &types.EncryptedBlob{Algorithm: types.BlobAlgorithmGCMPBKDF2, Nonce: "00", Ciphertext: "11", Tag: "22", Salt: "33"}
		require.NoError(t, store.PersistServerShare(ctx, id, blob))
		require.NoError(t, store.PersistRecoveryDigest(ctx, id, []byte("digest")))

		found, err := store.FindIdentity(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, found.ServerShare)
		assert.Equal(t, blob.Ciphertext, found.ServerShare.Ciphertext)
		assert.Equal(t, []byte("digest"), found.RecoveryDigest)
	})

	t.Run("persisting to a missing identity fails", func(t *testing.T) {
		err := store.PersistRecoveryDigest(ctx, uuid.New(), []byte("d"))
		assert.Error(t, err)
	})

	t.Run("returned identities are copies", func(t *testing.T) {
		id := newIdentity(t, store)
		require.NoError(t, store.PersistRecoveryDigest(ctx, id, []byte("original")))

		found, err := store.FindIdentity(ctx, id)
		require.NoError(t, err)
		found.RecoveryDigest[0] = 'X'
		found.Label = "mutated"

		again, err := store.FindIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), again.RecoveryDigest)
		assert.NotEqual(t, "mutated", again.Label)
	})
}

func TestMemoryStoreAppendWallet(t *testing.T) {
	ctx := context.Background()

	t.Run("appends and lists in insertion order", func(t *testing.T) {
		store := NewMemoryStore()
		id := newIdentity(t, store)

		for i, addr := range []string{"0xaaa", "0xbbb", "0xccc"} {
			created, err := store.AppendWallet(ctx, id, types.WalletRecord{
				Address: addr, SaltNonce: uint64(i), IsDefault: i == 0,
			})
			require.NoError(t, err)
			assert.True(t, created)
		}

		wallets, err := store.ListWallets(ctx, id)
		require.NoError(t, err)
		require.Len(t, wallets, 3)
		assert.Equal(t, "0xaaa", wallets[0].Address)
		assert.Equal(t, "0xccc", wallets[2].Address)
	})

	t.Run("duplicate address is rejected without mutation", func(t *testing.T) {
		store := NewMemoryStore()
		id := newIdentity(t, store)

		created, err := store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xaaa", SaltNonce: 0, IsDefault: true})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xaaa", SaltNonce: 7, IsDefault: false})
		require.NoError(t, err)
		assert.False(t, created)

		wallets, err := store.ListWallets(ctx, id)
		require.NoError(t, err)
		require.Len(t, wallets, 1)
		assert.Equal(t, uint64(0), wallets[0].SaltNonce)
		assert.True(t, wallets[0].IsDefault)
	})

	t.Run("at most one default wallet", func(t *testing.T) {
		store := NewMemoryStore()
		id := newIdentity(t, store)

		_, err := store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xaaa", SaltNonce: 0, IsDefault: true})
		require.NoError(t, err)
		_, err = store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xbbb", SaltNonce: 1, IsDefault: true})
		require.NoError(t, err)

		wallets, err := store.ListWallets(ctx, id)
		require.NoError(t, err)

		defaults := 0
		for _, w := range wallets {
			if w.IsDefault {
				defaults++
				assert.Equal(t, "0xbbb", w.Address)
			}
		}
		assert.Equal(t, 1, defaults)

		def, err := store.DefaultWallet(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, def)
		assert.Equal(t, "0xbbb", def.Address)
	})

	t.Run("concurrent appends never produce two defaults", func(t *testing.T) {
		store := NewMemoryStore()
		id := newIdentity(t, store)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := store.AppendWallet(ctx, id, types.WalletRecord{
					Address:   "0x" + string(rune('a'+n)),
					SaltNonce: uint64(n),
					IsDefault: true,
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		wallets, err := store.ListWallets(ctx, id)
		require.NoError(t, err)
		require.Len(t, wallets, 20)

		defaults := 0
		for _, w := range wallets {
			if w.IsDefault {
				defaults++
			}
		}
		assert.Equal(t, 1, defaults)
	})
}

func TestMemoryStoreNextSaltNonce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := newIdentity(t, store)

	t.Run("zero for a fresh identity", func(t *testing.T) {
		nonce, err := store.NextSaltNonce(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), nonce)
	})

	t.Run("one past the highest used nonce", func(t *testing.T) {
		_, err := store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xaaa", SaltNonce: 0})
		require.NoError(t, err)
		_, err = store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xbbb", SaltNonce: 5})
		require.NoError(t, err)

		nonce, err := store.NextSaltNonce(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), nonce)
	})
}

func TestMemoryStoreNewestWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := newIdentity(t, store)

	t.Run("nil when no wallets", func(t *testing.T) {
		newest, err := store.NewestWallet(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, newest)
	})

	t.Run("latest timestamp wins, insertion order breaks ties", func(t *testing.T) {
		base := time.Now().UTC()
		_, err := store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xaaa", SaltNonce: 0, CreatedAt: base})
		require.NoError(t, err)
		_, err = store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xbbb", SaltNonce: 1, CreatedAt: base.Add(time.Second)})
		require.NoError(t, err)
		// Same timestamp as 0xbbb, inserted later
		_, err = store.AppendWallet(ctx, id, types.WalletRecord{Address: "0xccc", SaltNonce: 2, CreatedAt: base.Add(time.Second)})
		require.NoError(t, err)

		newest, err := store.NewestWallet(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, newest)
		assert.Equal(t, "0xccc", newest.Address)
	})
}
