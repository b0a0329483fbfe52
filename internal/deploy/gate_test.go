package deploy

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/tests/mocks"
)

const testDeployerKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

var (
	factoryAddr = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	accountAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	ownerAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newGate(t *testing.T, backend *mocks.MockBackend, deployerKey string) *Gate {
	t.Helper()
	gate, err := NewGate(backend, factoryAddr, "1000000000000000", deployerKey, 3, time.Millisecond)
	require.NoError(t, err)
	return gate
}

func TestNewGate(t *testing.T) {
	t.Run("rejects a malformed balance threshold", func(t *testing.T) {
		_, err := NewGate(&mocks.MockBackend{}, factoryAddr, "not-a-number", "", 3, time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("rejects a malformed deployer key", func(t *testing.T) {
		_, err := NewGate(&mocks.MockBackend{}, factoryAddr, "0", "zz", 3, time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("deployer key is optional", func(t *testing.T) {
		gate := newGate(t, &mocks.MockBackend{}, "")
		assert.False(t, gate.HasDeployerKey())
	})
}

func TestEnsureReadiness(t *testing.T) {
	ctx := context.Background()

	t.Run("deployed account is always ready", func(t *testing.T) {
		backend := &mocks.MockBackend{
			GetCodeFunc: func(ctx context.Context, address common.Address) ([]byte, error) {
				return []byte{0x60, 0x80}, nil
			},
		}
		gate := newGate(t, backend, "")

		readiness, err := gate.EnsureReadiness(ctx, accountAddr)
		require.NoError(t, err)
		assert.Equal(t, Ready, readiness)
	})

	t.Run("below threshold needs funding regardless of deployer key", func(t *testing.T) {
		backend := &mocks.MockBackend{
			GetBalanceFunc: func(ctx context.Context, address common.Address) (*big.Int, error) {
				return big.NewInt(1), nil
			},
		}

		for name, key := range map[string]string{
			"without key": "",
			"with key":    testDeployerKey,
		} {
			t.Run(name, func(t *testing.T) {
				gate := newGate(t, backend, key)

				readiness, err := gate.EnsureReadiness(ctx, accountAddr)
				require.NoError(t, err)
				assert.Equal(t, NeedsFunding, readiness)
			})
		}
	})

	t.Run("funded without deployer key needs a device signature", func(t *testing.T) {
		backend := &mocks.MockBackend{
			GetBalanceFunc: func(ctx context.Context, address common.Address) (*big.Int, error) {
				return big.NewInt(1_000_000_000_000_000), nil
			},
		}
		gate := newGate(t, backend, "")

		readiness, err := gate.EnsureReadiness(ctx, accountAddr)
		require.NoError(t, err)
		assert.Equal(t, NeedsDeviceSignature, readiness)
	})

	t.Run("funded at threshold with deployer key is ready", func(t *testing.T) {
		backend := &mocks.MockBackend{
			GetBalanceFunc: func(ctx context.Context, address common.Address) (*big.Int, error) {
				return big.NewInt(1_000_000_000_000_000), nil
			},
		}
		gate := newGate(t, backend, testDeployerKey)

		readiness, err := gate.EnsureReadiness(ctx, accountAddr)
		require.NoError(t, err)
		assert.Equal(t, Ready, readiness)
	})
}

func TestDeployWithFallbackKey(t *testing.T) {
	ctx := context.Background()

	t.Run("broadcasts a factory call and verifies the code", func(t *testing.T) {
		deployed := false
		var sentTx *ethtypes.Transaction

		backend := &mocks.MockBackend{
			GetCodeFunc: func(ctx context.Context, address common.Address) ([]byte, error) {
				if deployed {
					return []byte{0x60}, nil
				}
				return nil, nil
			},
			SendRawTransactionFunc: func(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
				sentTx = tx
				deployed = true
				return tx.Hash(), nil
			},
		}
		gate := newGate(t, backend, testDeployerKey)

		err := gate.DeployWithFallbackKey(ctx, ownerAddr, 0, accountAddr)
		require.NoError(t, err)

		require.NotNil(t, sentTx)
		assert.Equal(t, factoryAddr, *sentTx.To())
		assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), sentTx.Type())
		assert.NotEmpty(t, sentTx.Data())
	})

	t.Run("already deployed account is a no-op", func(t *testing.T) {
		sent := false
		backend := &mocks.MockBackend{
			GetCodeFunc: func(ctx context.Context, address common.Address) ([]byte, error) {
				return []byte{0x60}, nil
			},
			SendRawTransactionFunc: func(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
				sent = true
				return tx.Hash(), nil
			},
		}
		gate := newGate(t, backend, testDeployerKey)

		require.NoError(t, gate.DeployWithFallbackKey(ctx, ownerAddr, 0, accountAddr))
		assert.False(t, sent)
	})

	t.Run("fails without a deployer key", func(t *testing.T) {
		gate := newGate(t, &mocks.MockBackend{}, "")
		assert.Error(t, gate.DeployWithFallbackKey(ctx, ownerAddr, 0, accountAddr))
	})

	t.Run("reverted transaction fails verification", func(t *testing.T) {
		backend := &mocks.MockBackend{
			WaitForReceiptFunc: func(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*ethtypes.Receipt, error) {
				return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, TxHash: hash}, nil
			},
		}
		gate := newGate(t, backend, testDeployerKey)

		err := gate.DeployWithFallbackKey(ctx, ownerAddr, 0, accountAddr)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeploymentVerificationFailed))
	})

	t.Run("missing code after a successful receipt fails verification", func(t *testing.T) {
		// GetCode stays empty even after the receipt confirms
		gate := newGate(t, &mocks.MockBackend{}, testDeployerKey)

		err := gate.DeployWithFallbackKey(ctx, ownerAddr, 0, accountAddr)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeploymentVerificationFailed))
	})

	t.Run("receipt timeout propagates as recoverable", func(t *testing.T) {
		backend := &mocks.MockBackend{
			WaitForReceiptFunc: func(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*ethtypes.Receipt, error) {
				return nil, apperrors.Timeout("no receipt")
			},
		}
		gate := newGate(t, backend, testDeployerKey)

		err := gate.DeployWithFallbackKey(ctx, ownerAddr, 0, accountAddr)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTimeout))
	})
}
