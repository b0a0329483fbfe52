package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/split-wallet/split-wallet/internal/deploy"
	"github.com/split-wallet/split-wallet/internal/gas"
	"github.com/split-wallet/split-wallet/internal/keymat"
	"github.com/split-wallet/split-wallet/internal/signer"
	"github.com/split-wallet/split-wallet/internal/storage"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
	"github.com/split-wallet/split-wallet/tests/mocks"
)

func newService(t *testing.T) (*WalletService, *storage.MemoryStore, *keymat.Cipher) {
	t.Helper()

	store := storage.NewMemoryStore()
	cipher, err := keymat.NewCipher(bytes.Repeat([]byte{0x11}, types.ShareSize))
	require.NoError(t, err)

	backend := &mocks.MockBackend{}
	factory := common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	initCodeHash := common.HexToHash("0x6f55b3ae966a52ae05ee9a847cf2ca8b6e1a608a57de219441c95eb67d562f3f")

	deriver := signer.NewDeriver(store, cipher, factory, initCodeHash, 1, true, false)

	gate, err := deploy.NewGate(backend, factory, "1000000000000000", "", 3, time.Millisecond)
	require.NoError(t, err)

	orchestrator := gas.NewOrchestrator(
		backend, &mocks.MockSubmitter{}, &mocks.MockSponsor{},
		common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		common.HexToAddress("0x00000000000000000000000000000000000000fe"),
		3, time.Millisecond,
	)

	return NewWalletService(store, cipher, deriver, gate, orchestrator, "https://scan.example/tx/%s"), store, cipher
}

func TestCreateIdentityWithKeys(t *testing.T) {
	ctx := context.Background()
	service, store, cipher := newService(t)

	registration, err := service.CreateIdentityWithKeys(ctx, "alice", types.AuthKindPasskey)
	require.NoError(t, err)

	t.Run("returns both client-held shares exactly once", func(t *testing.T) {
		assert.Len(t, registration.DeviceShare, 2*types.ShareSize)
		assert.Len(t, registration.RecoveryShare, 2*types.ShareSize)
		assert.NotEqual(t, registration.DeviceShare, registration.RecoveryShare)
	})

	t.Run("persists the server share encrypted", func(t *testing.T) {
		identity, err := store.FindIdentity(ctx, registration.Identity.ID)
		require.NoError(t, err)
		require.NotNil(t, identity.ServerShare)

		serverShare, err := cipher.DecryptShare(identity.ServerShare, signer.ServerShareContext(identity.ID))
		require.NoError(t, err)

		// The stored share is neither of the shares handed to the client
		assert.NotEqual(t, registration.DeviceShare, serverShare.Hex())
		assert.NotEqual(t, registration.RecoveryShare, serverShare.Hex())
	})

	t.Run("stores only a digest of the recovery share", func(t *testing.T) {
		identity, err := store.FindIdentity(ctx, registration.Identity.ID)
		require.NoError(t, err)
		require.NotEmpty(t, identity.RecoveryDigest)

		recovery, err := keymat.ParseShare(registration.RecoveryShare)
		require.NoError(t, err)
		assert.True(t, keymat.VerifyRecoveryShare(recovery, identity.RecoveryDigest))
		assert.NotEqual(t, []byte(recovery), identity.RecoveryDigest)
	})
}

func TestVerifyRecovery(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	registration, err := service.CreateIdentityWithKeys(ctx, "bob", types.AuthKindDev)
	require.NoError(t, err)
	id := registration.Identity.ID

	t.Run("accepts the issued share", func(t *testing.T) {
		valid, err := service.VerifyRecovery(ctx, id, registration.RecoveryShare)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("rejects any other share", func(t *testing.T) {
		other, err := keymat.GenerateShare()
		require.NoError(t, err)

		valid, err := service.VerifyRecovery(ctx, id, other.Hex())
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		_, err := service.VerifyRecovery(ctx, id, "nope")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyFormat))
	})

	t.Run("unknown identity", func(t *testing.T) {
		other, err := keymat.GenerateShare()
		require.NoError(t, err)

		_, err = service.VerifyRecovery(ctx, uuid.New(), other.Hex())
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIdentityNotFound))
	})
}

func TestDeriveWallet(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	registration, err := service.CreateIdentityWithKeys(ctx, "carol", types.AuthKindDev)
	require.NoError(t, err)
	id := registration.Identity.ID

	first, err := service.DeriveWallet(ctx, id, registration.DeviceShare, nil, false)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, common.IsHexAddress(first.Address))

	second, err := service.DeriveWallet(ctx, id, registration.DeviceShare, nil, false)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Address, second.Address)

	extra, err := service.DeriveWallet(ctx, id, registration.DeviceShare, nil, true)
	require.NoError(t, err)
	assert.True(t, extra.Created)
	assert.NotEqual(t, first.Address, extra.Address)
}

func TestDispatchTransactionValidation(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	registration, err := service.CreateIdentityWithKeys(ctx, "dave", types.AuthKindDev)
	require.NoError(t, err)
	id := registration.Identity.ID

	t.Run("rejects a malformed target address", func(t *testing.T) {
		_, err := service.DispatchTransaction(ctx, id, registration.DeviceShare, &DispatchParams{To: "not-an-address"})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
	})

	t.Run("rejects a negative or malformed value", func(t *testing.T) {
		for _, v := range []string{"-1", "1.5", "0x10", "lots"} {
			_, err := service.DispatchTransaction(ctx, id, registration.DeviceShare, &DispatchParams{
				To: "0x5555555555555555555555555555555555555555", ValueWei: v,
			})
			require.Error(t, err, "value %q", v)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
		}
	})

	t.Run("rejects an unknown fee mode", func(t *testing.T) {
		_, err := service.DispatchTransaction(ctx, id, registration.DeviceShare, &DispatchParams{
			To: "0x5555555555555555555555555555555555555555", FeeMode: "barter",
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
	})

	t.Run("rejects a malformed device share", func(t *testing.T) {
		_, err := service.DispatchTransaction(ctx, id, "zz", &DispatchParams{
			To: "0x5555555555555555555555555555555555555555",
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyFormat))
	})

	t.Run("builds an explorer link on success", func(t *testing.T) {
		result, err := service.DispatchTransaction(ctx, id, registration.DeviceShare, &DispatchParams{
			To: "0x5555555555555555555555555555555555555555",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.Hash)
		assert.Contains(t, result.ExplorerURL, "https://scan.example/tx/")
		assert.Contains(t, result.ExplorerURL, result.Hash)
	})
}
