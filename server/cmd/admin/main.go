package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	flag "github.com/spf13/pflag"

	"github.com/stakematch/arena/server/config"
	"github.com/stakematch/arena/server/settlement"
	"github.com/stakematch/arena/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	pgURLFlag := flag.String("pg-url", "", "PostgreSQL connection string (or set PG_URL env var)")

	// Commands
	migrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	migrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the most recent migration")
	migrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show migration status")
	listNeedsSettlementFlag := flag.Bool("list-needs-settlement", false, "List rooms stuck in needs_settlement")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("PG_URL"); env != "" {
		*pgURLFlag = env
	}
	if *pgURLFlag == "" {
		return fmt.Errorf("--pg-url is required")
	}

	if *migrateFlag || *migrateDownFlag || *migrateStatusFlag {
		goose.SetBaseFS(config.EmbedMigrations)
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("failed to set goose dialect: %w", err)
		}

		db, err := sql.Open("pgx", *pgURLFlag)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		switch {
		case *migrateFlag:
			if err := goose.Up(db, "migrations"); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("migrations complete")
		case *migrateDownFlag:
			if err := goose.Down(db, "migrations"); err != nil {
				return fmt.Errorf("failed to roll back migration: %w", err)
			}
			log.Info("rollback complete")
		case *migrateStatusFlag:
			if err := goose.Status(db, "migrations"); err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
		}
		return nil
	}

	if *listNeedsSettlementFlag {
		ctx := context.Background()

		pool, err := pgxpool.New(ctx, *pgURLFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()

		store, err := settlement.NewStore(pool)
		if err != nil {
			return err
		}

		sessions, err := store.ListNeedsSettlement(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no rooms need settlement")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM PDA\tROOM ID\tINTENDED WINNER\tFAILED SIG\tERROR")
		for _, s := range sessions {
			winner, failedSig, errMsg := "-", "-", "-"
			if s.IntendedWinner != nil {
				winner = *s.IntendedWinner
			}
			if s.FailedTxSignature != nil {
				failedSig = *s.FailedTxSignature
			}
			if s.SettlementError != nil {
				errMsg = *s.SettlementError
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", s.RoomPDA, s.RoomID, winner, failedSig, errMsg)
		}
		return w.Flush()
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}
