// Package main is the entrypoint for the hcs-agent (binary name "agent").
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/internal/config"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/internal/server"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/bootstrap"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/db"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const usage = `Usage: agent [command]
       agent serve              Start the agent (NATS log, control API, HTTP status).
       agent migrate up         Run database migrations.
       agent migrate down       Roll back agent tables.
       agent migrate status     Show migration status.
       agent ensure-db [name]   Create database if missing (default name: hcs_agent_test). Uses DATABASE_URL host/user.
       agent clear              Truncate connections, proposals and checkpoints; schema is preserved.
       agent bootstrap [file]   Validate and print the bootstrap tokens and peers.
       agent keygen             Print a new ed25519 key for HCS_OPERATOR_KEY.

Commands:
  serve           (default) Start the agent.
  migrate up      Run database migrations only.
  migrate down    Drop the agent tables.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. hcs_agent_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate agent state; the next start replays every topic from the beginning.
  bootstrap [file] Load the bootstrap file (AGENT_BOOTSTRAP_FILE when omitted) and print it.
  keygen          Generate an operator key.

Environment: HCS_ACCOUNT_ID, HCS_INBOUND_TOPIC_ID, HCS_OPERATOR_KEY (serve), COMMS_URL,
DATABASE_URL, MIGRATION_PATH, CHECKPOINT_BACKEND, EVENT_SINK, AGENT_BOOTSTRAP_FILE.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("agent migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("agent migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("agent migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("agent migrate down: %v", err)
			}
		default:
			log.Fatalf("agent migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("agent clear: %v", err)
		}
		return
	case "bootstrap":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if err := runBootstrap(os.Stdout, file); err != nil {
			log.Fatalf("agent bootstrap: %v", err)
		}
		return
	case "keygen":
		if err := runKeygen(os.Stdout); err != nil {
			log.Fatalf("agent keygen: %v", err)
		}
		return
	case "ensure-db":
		dbName := "hcs_agent_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("agent ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

// openDB loads config and connects to DATABASE_URL.
func openDB(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	server.SetupLogging(cfg.LogLevel)
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, pool, nil
}

func runMigrateUp() error {
	ctx := context.Background()
	cfg, pool, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrationSQL, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	ctx := context.Background()
	cfg, pool, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
}

func runMigrateDown() error {
	ctx := context.Background()
	_, pool, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.MigrationDown(ctx, pool)
}

func runClear() error {
	ctx := context.Background()
	_, pool, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.ClearAgentState(ctx, pool); err != nil {
		return fmt.Errorf("clear agent state: %w", err)
	}
	return nil
}

// ensureDBURL swaps the database name in databaseURL, keeping host, user and query.
func ensureDBURL(databaseURL, dbName string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	targetURL, err := ensureDBURL(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	created, err := db.EnsureDatabase(context.Background(), targetURL)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Database %q created.\n", dbName)
	} else {
		fmt.Printf("Database %q already exists.\n", dbName)
	}
	return nil
}

func runBootstrap(w io.Writer, file string) error {
	if file == "" {
		file = os.Getenv("AGENT_BOOTSTRAP_FILE")
	}
	cfg, err := bootstrap.LoadAgentBootstrap(file)
	if err != nil {
		return err
	}
	resolved := bootstrap.CreateResolvedBootstrap(cfg)

	fmt.Fprintf(w, "%s %s\n", resolved.Name(), resolved.Version())
	balances := resolved.InitialBalances()
	symbols := make([]string, 0, len(balances))
	for s := range balances {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	weights := resolved.TargetWeights()
	for _, s := range symbols {
		if wt, ok := weights[s]; ok {
			fmt.Fprintf(w, "  token %-8s balance %d target %.4f\n", s, balances[s], wt)
			continue
		}
		fmt.Fprintf(w, "  token %-8s balance %d\n", s, balances[s])
	}
	for _, p := range resolved.Peers() {
		fmt.Fprintf(w, "  peer  %s@%s autoConnect=%t\n", p.InboundTopicID, p.AccountID, p.AutoConnect)
	}
	return nil
}

func runKeygen(w io.Writer) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	cred := ledger.NewCredential(priv)
	fmt.Fprintf(w, "HCS_OPERATOR_KEY=%s\n", hex.EncodeToString(priv.Seed()))
	fmt.Fprintf(w, "public key: %s\n", cred.Fingerprint())
	return nil
}
