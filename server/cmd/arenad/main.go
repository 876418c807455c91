package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/stakematch/arena/client/pkg/submit"
	"github.com/stakematch/arena/server/config"
	"github.com/stakematch/arena/server/handlers"
	"github.com/stakematch/arena/server/metrics"
	"github.com/stakematch/arena/server/pkg/server"
	"github.com/stakematch/arena/server/settlement"
	"github.com/stakematch/arena/utils/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC endpoint (or set RPC_URL env var)")
	programIDFlag := flag.String("program-id", "", "escrow program id (or set PROGRAM_ID env var)")
	verifierKeyFileFlag := flag.String("verifier-key-file", "", "path to the verifier keypair file (or set VERIFIER_KEY_FILE env var)")
	timeoutThresholdFlag := flag.Duration("timeout-threshold", 2*time.Minute, "opponent idle time before a timeout forfeit is accepted")
	flag.Parse()

	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("VERIFIER_KEY_FILE"); env != "" {
		*verifierKeyFileFlag = env
	}

	if *rpcURLFlag == "" {
		return fmt.Errorf("--rpc-url is required")
	}
	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	if *verifierKeyFileFlag == "" {
		return fmt.Errorf("--verifier-key-file is required")
	}

	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}

	verifierKey, err := solana.PrivateKeyFromSolanaKeygenFile(*verifierKeyFileFlag)
	if err != nil {
		return fmt.Errorf("failed to load verifier key: %w", err)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      os.Getenv("SENTRY_ENVIRONMENT"),
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	if err := config.LoadPostgres(log, config.PgConfigFromEnv()); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer config.ClosePostgres()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rpcClient := solanarpc.New(*rpcURLFlag)

	submitter, err := submit.New(submit.Config{
		Logger: log,
		Client: rpcClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create submitter: %w", err)
	}

	ledger, err := settlement.NewLedger(rpcClient, programID)
	if err != nil {
		return fmt.Errorf("failed to create ledger reader: %w", err)
	}

	store, err := settlement.NewStore(config.PgPool)
	if err != nil {
		return fmt.Errorf("failed to create mirror store: %w", err)
	}

	authority, err := settlement.NewAuthority(settlement.AuthorityConfig{
		Logger:           log,
		Store:            store,
		Ledger:           ledger,
		Submitter:        submitter,
		ProgramID:        programID,
		Verifier:         verifierKey,
		TimeoutThreshold: *timeoutThresholdFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create settlement authority: %w", err)
	}

	// A server holding the wrong key would sign settlements the program
	// rejects; refuse to start.
	if err := authority.VerifyOnchainKey(ctx); err != nil {
		return err
	}
	log.Info("verifier key matches on-chain config", "verifier", verifierKey.PublicKey().String())

	settlementHandlers, err := handlers.NewSettlement(handlers.SettlementConfig{
		Logger:        log,
		Authority:     authority,
		Mirror:        store,
		Ledger:        ledger,
		Sync:          store,
		InternalToken: os.Getenv("INTERNAL_AUTH_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("failed to create settlement handlers: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := server.New(ctx, server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		Pool:       config.PgPool,
		Settlement: settlementHandlers,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}
