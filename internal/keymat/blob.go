package keymat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/split-wallet/split-wallet/pkg/errors"
	"github.com/split-wallet/split-wallet/pkg/types"
)

const (
	gcmTagSize  = 16
	kdfSaltSize = 16
)

// Cipher encrypts key shares at rest with AES-256-GCM keyed by a master
// secret plus a context string. Two algorithm variants exist; decryption
// dispatches on the tag stored in the blob, so blobs written under the base
// mode remain readable after the default moved to the KDF mode.
type Cipher struct {
	master []byte
}

// NewCipher creates a share cipher from a 32-byte master secret
func NewCipher(master []byte) (*Cipher, error) {
	if len(master) != types.ShareSize {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", types.ShareSize, len(master))
	}
	c := &Cipher{master: make([]byte, len(master))}
	copy(c.master, master)
	return c, nil
}

// EncryptShare encrypts a share under the strong (PBKDF2) variant, which is
// the default for anything written today
func (c *Cipher) EncryptShare(share Share, context string) (*types.EncryptedBlob, error) {
	return c.encrypt(share, context, types.BlobAlgorithmGCMPBKDF2)
}

// EncryptShareBase encrypts a share under the base variant: AES-GCM keyed by
// a single SHA-256 over master secret and context
func (c *Cipher) EncryptShareBase(share Share, context string) (*types.EncryptedBlob, error) {
	return c.encrypt(share, context, types.BlobAlgorithmGCM)
}

func (c *Cipher) encrypt(share Share, context string, algorithm string) (*types.EncryptedBlob, error) {
	if err := share.Validate(); err != nil {
		return nil, err
	}

	var key, salt []byte
	switch algorithm {
	case types.BlobAlgorithmGCM:
		key = c.baseKey(context)
	case types.BlobAlgorithmGCMPBKDF2:
		salt = make([]byte, kdfSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		key = c.derivedKey(context, salt)
	default:
		return nil, fmt.Errorf("unsupported blob algorithm: %s", algorithm)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, share, []byte(context))
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	blob := &types.EncryptedBlob{
		Algorithm:  algorithm,
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		Tag:        hex.EncodeToString(tag),
	}
	if salt != nil {
		blob.Salt = hex.EncodeToString(salt)
	}
	return blob, nil
}

// DecryptShare decrypts a blob back into a 32-byte share. Malformed blob
// fields fail with invalid_key_format; a failed authentication tag, wrong
// master secret or wrong-length plaintext fail with decryption_failed so
// callers can tell tampering apart from caller mistakes.
func (c *Cipher) DecryptShare(blob *types.EncryptedBlob, context string) (Share, error) {
	nonce, err := hex.DecodeString(blob.Nonce)
	if err != nil {
		return nil, apperrors.InvalidKeyFormat("blob nonce is not valid hex")
	}
	ciphertext, err := hex.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, apperrors.InvalidKeyFormat("blob ciphertext is not valid hex")
	}
	tag, err := hex.DecodeString(blob.Tag)
	if err != nil {
		return nil, apperrors.InvalidKeyFormat("blob tag is not valid hex")
	}
	if len(tag) != gcmTagSize {
		return nil, apperrors.InvalidKeyFormat(fmt.Sprintf("blob tag must be %d bytes, got %d", gcmTagSize, len(tag)))
	}

	var key []byte
	switch blob.Algorithm {
	case types.BlobAlgorithmGCM:
		key = c.baseKey(context)
	case types.BlobAlgorithmGCMPBKDF2:
		salt, err := hex.DecodeString(blob.Salt)
		if err != nil || len(salt) == 0 {
			return nil, apperrors.InvalidKeyFormat("blob salt missing or not valid hex")
		}
		key = c.derivedKey(context, salt)
	default:
		return nil, apperrors.InvalidKeyFormat(fmt.Sprintf("unknown blob algorithm: %s", blob.Algorithm))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, apperrors.InvalidKeyFormat(fmt.Sprintf("blob nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce)))
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), []byte(context))
	if err != nil {
		return nil, apperrors.DecryptionFailed("authentication tag mismatch")
	}
	if len(plaintext) != types.ShareSize {
		return nil, apperrors.DecryptionFailed(fmt.Sprintf("plaintext is %d bytes, expected %d", len(plaintext), types.ShareSize))
	}

	return Share(plaintext), nil
}

// baseKey derives the AEAD key for the base variant
func (c *Cipher) baseKey(context string) []byte {
	h := sha256.New()
	h.Write(c.master)
	h.Write([]byte{0x00})
	h.Write([]byte(context))
	return h.Sum(nil)
}

// derivedKey derives the AEAD key for the strong variant
func (c *Cipher) derivedKey(context string, salt []byte) []byte {
	full := append(append([]byte{}, salt...), []byte(context)...)
	return pbkdf2.Key(c.master, full, CombineIterations, types.ShareSize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
