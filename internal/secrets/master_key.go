// Package secrets resolves the 32-byte master secret used to encrypt key
// shares at rest. The secret can live in an environment variable, be
// unwrapped through AWS KMS, or be read from a Vault KV secret.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"

	"github.com/split-wallet/split-wallet/internal/config"
	"github.com/split-wallet/split-wallet/pkg/types"
)

// MasterKeyProvider resolves the master secret at startup
type MasterKeyProvider interface {
	// MasterKey returns the 32-byte master secret
	MasterKey(ctx context.Context) ([]byte, error)

	// Provider returns the provider name (e.g. "env", "aws-kms", "vault")
	Provider() string
}

// EnvProvider reads a hex-encoded master key from configuration.
// Suitable for development or simple self-hosted deployments.
type EnvProvider struct {
	keyHex string
}

// NewEnvProvider creates a new env provider
func NewEnvProvider(keyHex string) (*EnvProvider, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("master key hex is required for env provider")
	}
	return &EnvProvider{keyHex: keyHex}, nil
}

// MasterKey decodes and validates the configured key
func (p *EnvProvider) MasterKey(ctx context.Context) ([]byte, error) {
	key, err := hex.DecodeString(p.keyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return validateKeyLength(key)
}

// Provider returns the provider name
func (p *EnvProvider) Provider() string { return config.MasterKeyProviderEnv }

// AWSKMSProvider unwraps a KMS-encrypted data key at startup. The wrapped
// key ciphertext is carried in configuration; only AWS KMS can recover the
// plaintext.
type AWSKMSProvider struct {
	keyID      string
	wrappedB64 string
	client     *kms.Client
}

// NewAWSKMSProvider creates a new AWS KMS provider
func NewAWSKMSProvider(keyID, region, wrappedB64 string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}
	if wrappedB64 == "" {
		return nil, fmt.Errorf("wrapped master key is required")
	}

	// Uses default credential chain: env vars, shared config, IAM role, etc.
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSProvider{
		keyID:      keyID,
		wrappedB64: wrappedB64,
		client:     kms.NewFromConfig(cfg),
	}, nil
}

// MasterKey decrypts the wrapped data key through AWS KMS
func (p *AWSKMSProvider) MasterKey(ctx context.Context) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(p.wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("wrapped master key is not valid base64: %w", err)
	}

	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return validateKeyLength(output.Plaintext)
}

// Provider returns the provider name
func (p *AWSKMSProvider) Provider() string { return config.MasterKeyProviderAWSKMS }

// VaultProvider reads the master key from a Vault KV v2 secret. The secret
// data must contain a "master_key" field holding the hex-encoded key.
type VaultProvider struct {
	secretPath string
	client     *vault.Client
}

// NewVaultProvider creates a new Vault provider
func NewVaultProvider(address, token, secretPath string) (*VaultProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if secretPath == "" {
		return nil, fmt.Errorf("Vault secret path is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultProvider{
		secretPath: secretPath,
		client:     client,
	}, nil
}

// MasterKey reads the key from Vault
func (p *VaultProvider) MasterKey(ctx context.Context) ([]byte, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.secretPath)
	if err != nil {
		return nil, fmt.Errorf("Vault read failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault secret %s not found", p.secretPath)
	}

	// KV v2 wraps the payload in a "data" envelope
	data := secret.Data
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}

	keyHex, ok := data["master_key"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault secret %s has no master_key field", p.secretPath)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("Vault master_key is not valid hex: %w", err)
	}
	return validateKeyLength(key)
}

// Provider returns the provider name
func (p *VaultProvider) Provider() string { return config.MasterKeyProviderVault }

// NewMasterKeyProvider creates a provider based on the configuration
func NewMasterKeyProvider(cfg *config.Config) (MasterKeyProvider, error) {
	switch cfg.MasterKeyProvider {
	case config.MasterKeyProviderEnv, "":
		return NewEnvProvider(cfg.MasterKeyHex)

	case config.MasterKeyProviderAWSKMS:
		return NewAWSKMSProvider(cfg.AWSKMSKeyID, cfg.AWSKMSRegion, cfg.AWSKMSWrappedKeyB64)

	case config.MasterKeyProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultSecretPath)

	default:
		return nil, fmt.Errorf("unsupported master key provider: %s", cfg.MasterKeyProvider)
	}
}

func validateKeyLength(key []byte) ([]byte, error) {
	if len(key) != types.ShareSize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", types.ShareSize, len(key))
	}
	return key, nil
}

// Ensure providers implement MasterKeyProvider
var (
	_ MasterKeyProvider = (*EnvProvider)(nil)
	_ MasterKeyProvider = (*AWSKMSProvider)(nil)
	_ MasterKeyProvider = (*VaultProvider)(nil)
)
