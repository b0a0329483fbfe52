package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/split-wallet/split-wallet/internal/app"
	"github.com/split-wallet/split-wallet/internal/config"
	"github.com/split-wallet/split-wallet/internal/deploy"
	"github.com/split-wallet/split-wallet/internal/gas"
	"github.com/split-wallet/split-wallet/internal/keymat"
	"github.com/split-wallet/split-wallet/internal/signer"
	"github.com/split-wallet/split-wallet/internal/storage"
	"github.com/split-wallet/split-wallet/pkg/types"
	"github.com/split-wallet/split-wallet/tests/mocks"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	store := storage.NewMemoryStore()
	cipher, err := keymat.NewCipher(bytes.Repeat([]byte{0x31}, types.ShareSize))
	require.NoError(t, err)

	backend := &mocks.MockBackend{}
	factory := common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")

	deriver := signer.NewDeriver(store, cipher, factory,
		common.HexToHash("0x6f55b3ae966a52ae05ee9a847cf2ca8b6e1a608a57de219441c95eb67d562f3f"),
		1, true, false)

	gate, err := deploy.NewGate(backend, factory, "1000000000000000", "", 3, time.Millisecond)
	require.NoError(t, err)

	orchestrator := gas.NewOrchestrator(
		backend, &mocks.MockSubmitter{}, &mocks.MockSponsor{},
		common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		common.HexToAddress("0x00000000000000000000000000000000000000fe"),
		3, time.Millisecond,
	)

	service := app.NewWalletService(store, cipher, deriver, gate, orchestrator, "")
	return NewServer(&config.Config{Port: "0", RateLimitRPS: 1000, RateLimitBurst: 1000}, service)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()

	if strings.HasPrefix(path, "/v1/identities/") {
		s.handleIdentityOperations(rec, req)
	} else {
		s.handleIdentities(rec, req)
	}
	return rec
}

func registerIdentity(t *testing.T, s *Server) *app.IdentityRegistration {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/v1/identities", CreateIdentityRequest{Label: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var registration app.IdentityRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registration))
	return &registration
}

func TestHandleIdentities(t *testing.T) {
	t.Run("registers an identity and returns the shares once", func(t *testing.T) {
		s := testServer(t)
		registration := registerIdentity(t, s)

		assert.NotEmpty(t, registration.DeviceShare)
		assert.NotEmpty(t, registration.RecoveryShare)
		assert.NotNil(t, registration.Identity)
	})

	t.Run("rejects non-POST methods", func(t *testing.T) {
		s := testServer(t)
		rec := doJSON(t, s, http.MethodGet, "/v1/identities", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		s := testServer(t)
		req := httptest.NewRequest(http.MethodPost, "/v1/identities", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		s.handleIdentities(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleIdentityOperations(t *testing.T) {
	t.Run("rejects a malformed identity id", func(t *testing.T) {
		s := testServer(t)
		rec := doJSON(t, s, http.MethodGet, "/v1/identities/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown identity is 404", func(t *testing.T) {
		s := testServer(t)
		rec := doJSON(t, s, http.MethodGet, "/v1/identities/00000000-0000-0000-0000-000000000001", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "identity_not_found", body["code"])
	})

	t.Run("get identity hides the key material", func(t *testing.T) {
		s := testServer(t)
		registration := registerIdentity(t, s)

		rec := doJSON(t, s, http.MethodGet, "/v1/identities/"+registration.Identity.ID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.NotContains(t, rec.Body.String(), "server_share")
		assert.NotContains(t, rec.Body.String(), "recovery_digest")
	})
}

func TestHandleWalletsEndpoint(t *testing.T) {
	s := testServer(t)
	registration := registerIdentity(t, s)
	base := "/v1/identities/" + registration.Identity.ID.String() + "/wallets"

	t.Run("derives a wallet", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, DeriveWalletRequest{DeviceShare: registration.DeviceShare})
		require.Equal(t, http.StatusCreated, rec.Code)

		var info app.WalletInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.True(t, info.Created)
		assert.True(t, common.IsHexAddress(info.Address))
	})

	t.Run("repeat derivation returns 200 with the same address", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, DeriveWalletRequest{DeviceShare: registration.DeviceShare})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("lists the derived wallets", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, base, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data []types.WalletRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Data, 1)
	})

	t.Run("malformed device share is a client error", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, DeriveWalletRequest{DeviceShare: "zz"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleTransactionsEndpoint(t *testing.T) {
	s := testServer(t)
	registration := registerIdentity(t, s)
	base := fmt.Sprintf("/v1/identities/%s/transactions", registration.Identity.ID)

	t.Run("dispatches a transaction", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, DispatchRequest{
			DeviceShare: registration.DeviceShare,
			To:          "0x5555555555555555555555555555555555555555",
			Value:       "1000",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var result types.DispatchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.NotEmpty(t, result.Hash)
	})

	t.Run("rejects a bad target address", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, DispatchRequest{
			DeviceShare: registration.DeviceShare,
			To:          "nowhere",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects GET", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, base, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleVerifyRecoveryEndpoint(t *testing.T) {
	s := testServer(t)
	registration := registerIdentity(t, s)
	base := fmt.Sprintf("/v1/identities/%s/recovery/verify", registration.Identity.ID)

	t.Run("accepts the issued recovery share", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, VerifyRecoveryRequest{RecoveryShare: registration.RecoveryShare})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerifyRecoveryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Valid)
	})

	t.Run("rejects a wrong share", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, base, VerifyRecoveryRequest{
			RecoveryShare: strings.Repeat("00", 32),
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerifyRecoveryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
	})
}
