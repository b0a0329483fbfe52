package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Master key provider backends
const (
	MasterKeyProviderEnv    = "env"
	MasterKeyProviderAWSKMS = "aws-kms"
	MasterKeyProviderVault  = "vault"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config holds infrastructure-level configuration
type Config struct {
	// Store
	StoreBackend string
	PostgresDSN  string

	// Chain endpoints
	ChainRPCURL     string
	BundlerRPCURL   string
	PaymasterRPCURL string

	// Account abstraction contracts
	EntryPointAddress string
	FactoryAddress    string
	InitCodeHash      string

	// Fee token (ERC-20 used when sponsorship is declined)
	FeeTokenAddress  string
	FeeTokenDecimals int

	// Master key provider
	MasterKeyProvider   string
	MasterKeyHex        string
	AWSKMSKeyID         string
	AWSKMSRegion        string
	AWSKMSWrappedKeyB64 string
	VaultAddress        string
	VaultToken          string
	VaultSecretPath     string

	// Deployment gate
	MinDeployBalanceWei string
	DeployerKeyHex      string

	// Dispatch confirmation polling
	ReceiptPollAttempts int
	ReceiptPollInterval time.Duration

	// Posture
	Production            bool
	DevFallbackKeyEnabled bool

	// Server
	Port                string
	ExplorerURLTemplate string
	RateLimitRPS        int
	RateLimitBurst      int
	RateLimitEnabled    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		StoreBackend: getEnv("STORE_BACKEND", StoreBackendPostgres),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		ChainRPCURL:     getEnv("CHAIN_RPC_URL", ""),
		BundlerRPCURL:   getEnv("BUNDLER_RPC_URL", ""),
		PaymasterRPCURL: getEnv("PAYMASTER_RPC_URL", ""),

		EntryPointAddress: getEnv("ENTRYPOINT_ADDRESS", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		FactoryAddress:    getEnv("ACCOUNT_FACTORY_ADDRESS", ""),
		InitCodeHash:      getEnv("ACCOUNT_INIT_CODE_HASH", ""),

		FeeTokenAddress:  getEnv("FEE_TOKEN_ADDRESS", ""),
		FeeTokenDecimals: getEnvInt("FEE_TOKEN_DECIMALS", 6),

		MasterKeyProvider:   getEnv("MASTER_KEY_PROVIDER", MasterKeyProviderEnv),
		MasterKeyHex:        getEnv("MASTER_KEY_HEX", ""),
		AWSKMSKeyID:         getEnv("AWS_KMS_KEY_ID", ""),
		AWSKMSRegion:        getEnv("AWS_KMS_REGION", ""),
		AWSKMSWrappedKeyB64: getEnv("AWS_KMS_WRAPPED_KEY", ""),
		VaultAddress:        getEnv("VAULT_ADDR", ""),
		VaultToken:          getEnv("VAULT_TOKEN", ""),
		VaultSecretPath:     getEnv("VAULT_SECRET_PATH", "secret/data/split-wallet/master-key"),

		MinDeployBalanceWei: getEnv("MIN_DEPLOY_BALANCE_WEI", "1000000000000000"),
		DeployerKeyHex:      getEnv("DEPLOYER_KEY_HEX", ""),

		ReceiptPollAttempts: getEnvInt("RECEIPT_POLL_ATTEMPTS", 30),
		ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),

		Production:            getEnvBool("PRODUCTION", true),
		DevFallbackKeyEnabled: getEnvBool("DEV_FALLBACK_KEY_ENABLED", false),

		Port:                getEnv("PORT", "8080"),
		ExplorerURLTemplate: getEnv("EXPLORER_URL_TEMPLATE", ""),
		RateLimitRPS:        getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 40),
		RateLimitEnabled:    getEnvBool("RATE_LIMIT_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND is 'postgres'")
		}
	case StoreBackendMemory:
		// dev/test only
	default:
		return fmt.Errorf("STORE_BACKEND must be 'postgres' or 'memory', got: %s", c.StoreBackend)
	}

	if c.ChainRPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required")
	}
	if c.BundlerRPCURL == "" {
		return fmt.Errorf("BUNDLER_RPC_URL is required")
	}
	if c.PaymasterRPCURL == "" {
		return fmt.Errorf("PAYMASTER_RPC_URL is required")
	}
	if c.FactoryAddress == "" {
		return fmt.Errorf("ACCOUNT_FACTORY_ADDRESS is required")
	}
	if c.InitCodeHash == "" {
		return fmt.Errorf("ACCOUNT_INIT_CODE_HASH is required")
	}

	switch c.MasterKeyProvider {
	case MasterKeyProviderEnv:
		if c.MasterKeyHex == "" {
			return fmt.Errorf("MASTER_KEY_HEX is required when MASTER_KEY_PROVIDER is 'env'")
		}
	case MasterKeyProviderAWSKMS:
		if c.AWSKMSKeyID == "" || c.AWSKMSRegion == "" || c.AWSKMSWrappedKeyB64 == "" {
			return fmt.Errorf("AWS_KMS_KEY_ID, AWS_KMS_REGION and AWS_KMS_WRAPPED_KEY are required when MASTER_KEY_PROVIDER is 'aws-kms'")
		}
	case MasterKeyProviderVault:
		if c.VaultAddress == "" || c.VaultToken == "" {
			return fmt.Errorf("VAULT_ADDR and VAULT_TOKEN are required when MASTER_KEY_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("MASTER_KEY_PROVIDER must be 'env', 'aws-kms' or 'vault', got: %s", c.MasterKeyProvider)
	}

	if c.Production && c.DevFallbackKeyEnabled {
		return fmt.Errorf("DEV_FALLBACK_KEY_ENABLED must be false when PRODUCTION is true")
	}

	if c.ReceiptPollAttempts <= 0 {
		return fmt.Errorf("RECEIPT_POLL_ATTEMPTS must be positive")
	}
	if c.FeeTokenDecimals < 0 || c.FeeTokenDecimals > 36 {
		return fmt.Errorf("FEE_TOKEN_DECIMALS out of range: %d", c.FeeTokenDecimals)
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
