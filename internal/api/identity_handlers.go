package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/split-wallet/split-wallet/internal/app"
	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
)

// CreateIdentityRequest represents the identity registration request
type CreateIdentityRequest struct {
	Label    string `json:"label"`
	AuthKind string `json:"auth_kind,omitempty"`
}

// DeriveWalletRequest represents the wallet derivation request
type DeriveWalletRequest struct {
	DeviceShare string  `json:"device_share"`
	SaltNonce   *uint64 `json:"salt_nonce,omitempty"`
	ForceCreate bool    `json:"force_create,omitempty"`
}

// DispatchRequest represents the transaction dispatch request
type DispatchRequest struct {
	DeviceShare string  `json:"device_share"`
	To          string  `json:"to"`
	Value       string  `json:"value,omitempty"`
	Data        string  `json:"data,omitempty"`
	FeeMode     string  `json:"fee_mode,omitempty"`
	SaltNonce   *uint64 `json:"salt_nonce,omitempty"`
}

// VerifyRecoveryRequest represents the recovery share verification request
type VerifyRecoveryRequest struct {
	RecoveryShare string `json:"recovery_share"`
}

// VerifyRecoveryResponse reports whether the presented share matched
type VerifyRecoveryResponse struct {
	Valid bool `json:"valid"`
}

// handleIdentities handles identity registration
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, apperrors.New(
			apperrors.ErrCodeBadRequest,
			"Method not allowed",
			http.StatusMethodNotAllowed,
		))
		return
	}

	var req CreateIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	registration, err := s.walletService.CreateIdentityWithKeys(r.Context(), req.Label, req.AuthKind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, registration)
}

// handleIdentityOperations routes /v1/identities/{id}/... requests
func (s *Server) handleIdentityOperations(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/identities/"), "/")
	if len(pathParts) < 1 || pathParts[0] == "" {
		s.writeError(w, r, apperrors.ErrNotFound)
		return
	}

	identityID, err := uuid.Parse(pathParts[0])
	if err != nil {
		s.writeError(w, r, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid identity ID",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	if len(pathParts) == 1 {
		if r.Method == http.MethodGet {
			s.handleGetIdentity(w, r, identityID)
			return
		}
		s.writeError(w, r, apperrors.New(
			apperrors.ErrCodeBadRequest,
			"Method not allowed",
			http.StatusMethodNotAllowed,
		))
		return
	}

	switch {
	case pathParts[1] == "wallets":
		s.handleWallets(w, r, identityID)
	case pathParts[1] == "transactions":
		s.handleTransactions(w, r, identityID)
	case pathParts[1] == "recovery" && len(pathParts) > 2 && pathParts[2] == "verify":
		s.handleVerifyRecovery(w, r, identityID)
	default:
		s.writeError(w, r, apperrors.ErrNotFound)
	}
}

// handleGetIdentity returns an identity with its wallet list. The server
// share blob and recovery digest are never included in API responses.
func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request, identityID uuid.UUID) {
	identity, err := s.walletService.GetIdentity(r.Context(), identityID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	identity.ServerShare = nil
	identity.RecoveryDigest = nil
	s.writeJSON(w, http.StatusOK, identity)
}

// handleWallets handles wallet listing and derivation for an identity
func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request, identityID uuid.UUID) {
	switch r.Method {
	case http.MethodGet:
		identity, err := s.walletService.GetIdentity(r.Context(), identityID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		wallets := identity.Wallets
		if wallets == nil {
			wallets = []types.WalletRecord{}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"data": wallets})

	case http.MethodPost:
		var req DeriveWalletRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewWithDetail(
				apperrors.ErrCodeBadRequest,
				"Invalid request body",
				err.Error(),
				http.StatusBadRequest,
			))
			return
		}

		info, err := s.walletService.DeriveWallet(r.Context(), identityID, req.DeviceShare, req.SaltNonce, req.ForceCreate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		status := http.StatusOK
		if info.Created {
			status = http.StatusCreated
		}
		s.writeJSON(w, status, info)

	default:
		s.writeError(w, r, apperrors.New(
			apperrors.ErrCodeBadRequest,
			"Method not allowed",
			http.StatusMethodNotAllowed,
		))
	}
}

// handleTransactions handles transaction dispatch for an identity
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, identityID uuid.UUID) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, apperrors.New(
			apperrors.ErrCodeBadRequest,
			"Method not allowed",
			http.StatusMethodNotAllowed,
		))
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	result, err := s.walletService.DispatchTransaction(r.Context(), identityID, req.DeviceShare, &app.DispatchParams{
		To:        req.To,
		ValueWei:  req.Value,
		DataHex:   req.Data,
		FeeMode:   types.FeeMode(req.FeeMode),
		SaltNonce: req.SaltNonce,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleVerifyRecovery checks a presented recovery share
func (s *Server) handleVerifyRecovery(w http.ResponseWriter, r *http.Request, identityID uuid.UUID) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, apperrors.New(
			apperrors.ErrCodeBadRequest,
			"Method not allowed",
			http.StatusMethodNotAllowed,
		))
		return
	}

	var req VerifyRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	valid, err := s.walletService.VerifyRecovery(r.Context(), identityID, req.RecoveryShare)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, VerifyRecoveryResponse{Valid: valid})
}
