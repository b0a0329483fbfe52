package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/split-wallet/split-wallet/internal/api"
	"github.com/split-wallet/split-wallet/internal/app"
	"github.com/split-wallet/split-wallet/internal/bundler"
	"github.com/split-wallet/split-wallet/internal/chain"
	"github.com/split-wallet/split-wallet/internal/config"
	"github.com/split-wallet/split-wallet/internal/deploy"
	"github.com/split-wallet/split-wallet/internal/gas"
	"github.com/split-wallet/split-wallet/internal/keymat"
	"github.com/split-wallet/split-wallet/internal/logger"
	"github.com/split-wallet/split-wallet/internal/paymaster"
	"github.com/split-wallet/split-wallet/internal/secrets"
	"github.com/split-wallet/split-wallet/internal/signer"
	"github.com/split-wallet/split-wallet/internal/storage"
)

func main() {
	// Load .env if present; real deployments use actual environment variables
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Credential store
	var store storage.CredentialStore
	var pgStore *storage.Store
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		pgStore, err = storage.New(cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = storage.NewIdentityRepository(pgStore)
		slog.Info("connected to database")
	case config.StoreBackendMemory:
		store = storage.NewMemoryStore()
		slog.Warn("using in-memory store, data will not survive restarts")
	}

	// Master secret and share cipher
	provider, err := secrets.NewMasterKeyProvider(cfg)
	if err != nil {
		slog.Error("failed to initialize master key provider", "error", err)
		os.Exit(1)
	}
	masterKey, err := provider.MasterKey(context.Background())
	if err != nil {
		slog.Error("failed to resolve master key", "provider", provider.Provider(), "error", err)
		os.Exit(1)
	}
	cipher, err := keymat.NewCipher(masterKey)
	if err != nil {
		slog.Error("failed to initialize share cipher", "error", err)
		os.Exit(1)
	}
	slog.Info("master key resolved", "provider", provider.Provider())

	// Chain, bundler and paymaster clients
	backend, err := chain.NewClient(cfg.ChainRPCURL)
	if err != nil {
		slog.Error("failed to connect to chain RPC", "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	slog.Info("connected to chain", "chain_id", backend.ChainID())

	entryPoint := common.HexToAddress(cfg.EntryPointAddress)

	bundlerClient, err := bundler.NewClient(cfg.BundlerRPCURL, entryPoint)
	if err != nil {
		slog.Error("failed to connect to bundler", "error", err)
		os.Exit(1)
	}
	defer bundlerClient.Close()

	paymasterClient, err := paymaster.NewClient(cfg.PaymasterRPCURL, entryPoint)
	if err != nil {
		slog.Error("failed to connect to paymaster", "error", err)
		os.Exit(1)
	}
	defer paymasterClient.Close()

	// Core services
	deriver := signer.NewDeriver(
		store,
		cipher,
		common.HexToAddress(cfg.FactoryAddress),
		common.HexToHash(cfg.InitCodeHash),
		backend.ChainID(),
		cfg.Production,
		cfg.DevFallbackKeyEnabled,
	)

	gate, err := deploy.NewGate(
		backend,
		common.HexToAddress(cfg.FactoryAddress),
		cfg.MinDeployBalanceWei,
		cfg.DeployerKeyHex,
		cfg.ReceiptPollAttempts,
		cfg.ReceiptPollInterval,
	)
	if err != nil {
		slog.Error("failed to initialize deployment gate", "error", err)
		os.Exit(1)
	}

	orchestrator := gas.NewOrchestrator(
		backend,
		bundlerClient,
		paymasterClient,
		entryPoint,
		common.HexToAddress(cfg.FeeTokenAddress),
		cfg.ReceiptPollAttempts,
		cfg.ReceiptPollInterval,
	)

	walletService := app.NewWalletService(store, cipher, deriver, gate, orchestrator, cfg.ExplorerURLTemplate)

	server := api.NewServer(cfg, walletService)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}
	}

	slog.Info("server stopped")
}
