// Package keymat implements generation, at-rest encryption and combination
// of the three key shares backing a smart account: the device share held by
// the end user's device, the server share persisted in encrypted form, and
// the recovery share shown to the user exactly once.
package keymat

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
)

const (
	// CombineIterations is the PBKDF2 work factor for share combination
	CombineIterations = 100_000

	// combineSalt domain-separates the owner-key derivation from any other
	// PBKDF2 use of the same shares
	combineSalt = "split-wallet/owner-key/v1"

	// digestPrefix domain-separates recovery digests
	digestPrefix = "split-wallet/recovery-digest/v1"
)

// Share is a 32-byte secret key share
type Share []byte

// GenerateShare returns a cryptographically random 32-byte share
func GenerateShare() (Share, error) {
	share := make(Share, types.ShareSize)
	if _, err := io.ReadFull(rand.Reader, share); err != nil {
		return nil, fmt.Errorf("failed to generate share: %w", err)
	}
	return share, nil
}

// GenerateTriple returns three independently generated shares: device,
// server and recovery. The device share is handed to the caller and never
// persisted; the server share is persisted encrypted; only a digest of the
// recovery share survives registration.
func GenerateTriple() (device, server, recovery Share, err error) {
	if device, err = GenerateShare(); err != nil {
		return nil, nil, nil, err
	}
	if server, err = GenerateShare(); err != nil {
		return nil, nil, nil, err
	}
	if recovery, err = GenerateShare(); err != nil {
		return nil, nil, nil, err
	}
	return device, server, recovery, nil
}

// ParseShare decodes a hex-encoded share and validates its length
func ParseShare(hexStr string) (Share, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, apperrors.InvalidKeyFormat("share is not valid hex")
	}
	if len(b) != types.ShareSize {
		return nil, apperrors.InvalidKeyFormat(fmt.Sprintf("expected %d bytes, got %d", types.ShareSize, len(b)))
	}
	return Share(b), nil
}

// Hex returns the hex encoding of the share
func (s Share) Hex() string {
	return hex.EncodeToString(s)
}

// Validate checks the share length
func (s Share) Validate() error {
	if len(s) != types.ShareSize {
		return apperrors.InvalidKeyFormat(fmt.Sprintf("expected %d bytes, got %d", types.ShareSize, len(s)))
	}
	return nil
}

// Combine deterministically derives the smart account owner key from the
// device and server shares. PBKDF2-SHA256 with the device share as password
// and the server share as salt mixes both inputs, so possession of a single
// share yields nothing. The same pair always combines to the same key.
func Combine(device, server Share) (*ecdsa.PrivateKey, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	if err := server.Validate(); err != nil {
		return nil, err
	}

	salt := append([]byte(combineSalt), server...)
	seed := pbkdf2.Key(device, salt, CombineIterations, types.ShareSize, sha256.New)

	key, err := crypto.ToECDSA(seed)
	if err != nil {
		// Out-of-range scalar, probability ~2^-128
		return nil, fmt.Errorf("derived key is not a valid secp256k1 scalar: %w", err)
	}
	return key, nil
}

// HashForVerification returns the one-way digest stored in place of a
// recovery share
func HashForVerification(share Share) []byte {
	h := sha256.New()
	h.Write([]byte(digestPrefix))
	h.Write(share)
	return h.Sum(nil)
}

// VerifyRecoveryShare recomputes the digest of a presented share and
// compares it in constant time against the stored one
func VerifyRecoveryShare(presented Share, storedDigest []byte) bool {
	if len(storedDigest) != sha256.Size {
		return false
	}
	digest := HashForVerification(presented)
	return subtle.ConstantTimeCompare(digest, storedDigest) == 1
}
