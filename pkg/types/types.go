package types

import (
	"time"

	"github.com/google/uuid"
)

// ShareSize is the length in bytes of every key share
const ShareSize = 32

// AuthKind constants
const (
	AuthKindPasskey = "passkey"
	AuthKindDev     = "dev"
)

// Encrypted blob algorithm tags. Decryption dispatches on the stored tag,
// so older blobs written with the base mode stay readable.
const (
	BlobAlgorithmGCM       = "aes-256-gcm"
	BlobAlgorithmGCMPBKDF2 = "aes-256-gcm-pbkdf2"
)

// FeeMode selects how gas for a dispatch is paid
type FeeMode string

const (
	// FeeModeAuto tries sponsorship first and falls back to the fee token
	FeeModeAuto FeeMode = "auto"
	// FeeModeSponsored requires sponsorship; a decline is terminal
	FeeModeSponsored FeeMode = "sponsored"
	// FeeModeToken skips sponsorship and pays with the fee token directly
	FeeModeToken FeeMode = "token"
)

// EncryptedBlob is the at-rest form of an encrypted key share.
// All byte fields are hex encoded. Salt is present only for the
// key-derivation variant.
type EncryptedBlob struct {
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
	Salt       string `json:"salt,omitempty"`
}

// Identity represents a registered user and their key material.
// The server share and recovery digest are written once at registration;
// the wallet list grows as additional wallets are derived.
type Identity struct {
	ID             uuid.UUID      `json:"id"`
	Label          string         `json:"label"`
	AuthKind       string         `json:"auth_kind"`
	ServerShare    *EncryptedBlob `json:"server_share,omitempty"`
	RecoveryDigest []byte         `json:"recovery_digest,omitempty"`
	Wallets        []WalletRecord `json:"wallets"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WalletRecord describes one derived smart account. The address is a
// deterministic function of the owner key, salt nonce and chain; once a
// record exists the address/salt pairing never changes.
type WalletRecord struct {
	Address   string    `json:"address"`
	SaltNonce uint64    `json:"salt_nonce"`
	Label     string    `json:"label"`
	ChainID   int64     `json:"chain_id"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// DispatchResult is returned to the caller after a confirmed dispatch
type DispatchResult struct {
	Hash        string `json:"hash"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}
