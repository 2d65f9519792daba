// Package server wires the agent: COMMS client, ledger access, storage, ingestion,
// connection registry, orchestrator, control dispatcher and HTTP status endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/internal/config"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/bootstrap"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/checkpoint/redisstore"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/db"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/dispatcher"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/events"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/mirror"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/natslog"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/submitter"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/summarizer"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/topicinfo"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Server is the hcs-agent process.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	agent      agentForServer
	ingest     ingestForServer
	feed       *eventFeed
	checks     map[string]func(context.Context) error
	ready      atomic.Bool
}

// SetupLogging installs the default slog handler for the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the agent, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting hcs-agent %s@%s", logPrefix, cfg.InboundTopicID, cfg.AccountID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{
		cfg:    cfg,
		feed:   newEventFeed(),
		checks: make(map[string]func(context.Context) error),
	}

	// Step 1: Load bootstrap config (tokens, balances, peers)
	bootstrapCfg, err := bootstrap.LoadAgentBootstrap(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}
	resolved := bootstrap.CreateResolvedBootstrap(bootstrapCfg)

	// Step 2: Local credentials
	operator, keyring, err := loadKeyring(cfg.OperatorKey, cfg.ExtraKeys)
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d local credential(s), operator key %s", logPrefix, keyring.Len(), operator.Fingerprint()))

	// Step 3: Connect to NATS and the log
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	defer nc.Close()
	s.nc = nc
	s.checks["comms"] = func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	logClient, err := natslog.NewClient(nc, cfg.LedgerTimeout)
	if err != nil {
		return fmt.Errorf("%s - failed to create log client: %w", logPrefix, err)
	}
	var history ledger.HistoryReader = logClient
	var authority ledger.TopicAuthority = logClient
	if cfg.MirrorURL != "" {
		mc := mirror.New(mirror.Options{BaseURL: cfg.MirrorURL, RPS: cfg.MirrorRPS})
		history, authority = mc, mc
		slog.Info(fmt.Sprintf("%s - Using mirror node %s for history and topic keys", logPrefix, cfg.MirrorURL))
	}

	// Step 4: Storage
	var connStore connections.Store = connections.NewMemoryStore()
	var proposals orchestrator.ProposalStore = orchestrator.NewMemoryProposalStore()
	var checkpoints ingest.Checkpointer = ingest.NoOpCheckpointer{}
	if cfg.UsesDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.PoolOptions())
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		defer pool.Close()
		s.pool = pool
		s.checks["database"] = pool.Ping

		if cfg.RunMigrations {
			migrationSQL, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		repo := db.NewRepository(pool)
		connStore, proposals, checkpoints = repo, repo, repo
	}
	if cfg.CheckpointBackend == "redis" {
		store, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to redis: %w", logPrefix, err)
		}
		defer store.Close()
		checkpoints = store
	}
	slog.Info(fmt.Sprintf("%s - Checkpoint backend: %s", logPrefix, cfg.CheckpointBackend))

	// Step 5: Submitter
	var limiter *rate.Limiter
	if cfg.SubmitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRPS), max(1, int(cfg.SubmitRPS)))
	}
	pub := submitter.New(logClient, topicinfo.New(authority), submitter.Options{
		PayerAccountID: cfg.AccountID,
		Operator:       operator,
		Keyring:        keyring,
		Limiter:        limiter,
	})

	// Step 6: Ingestor
	ing := ingest.New(logClient, history, checkpoints, ingest.Config{
		PollInterval:       cfg.IngestPollInterval,
		ResubscribeBackoff: cfg.IngestResubscribeBackoff,
		PageLimit:          cfg.IngestPageLimit,
	})
	s.ingest = ing

	// Step 7: Event feed
	eventPub, closeEvents, err := buildEventPublisher(cfg, nc, s.feed)
	if err != nil {
		return err
	}
	defer closeEvents()

	// Step 8: Orchestrator
	self := hcs.OperatorRef{TopicID: cfg.InboundTopicID, AccountID: cfg.AccountID}
	registry := connections.NewRegistry(pub, logClient, connections.Options{
		Self:                self,
		RequireConfirmation: cfg.RequireConfirmation,
		Store:               connStore,
	})
	deps := orchestrator.Deps{
		Registry:  registry,
		Ingestor:  ing,
		Publisher: pub,
		Tokens:    orchestrator.NewMemoryTokenService(resolved.InitialBalances()),
		Proposals: proposals,
		Events:    eventPub,
	}
	if cfg.OpenAIAPIKey != "" {
		summ, err := summarizer.New(summarizer.Options{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
		if err != nil {
			return fmt.Errorf("%s - failed to create summarizer: %w", logPrefix, err)
		}
		deps.Summarizer = summ
	}
	orch := orchestrator.New(orchestrator.Config{
		Self:            self,
		OutboundTopicID: cfg.OutboundTopicID,
		AutoApprove:     cfg.AutoApprove,
		ApprovalDelay:   cfg.ProposalApprovalDelay,
	}, deps)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("%s - failed to start orchestrator: %w", logPrefix, err)
	}
	s.agent = orch
	connectPeers(ctx, orch, registry.ListAll(), resolved.Peers())

	// Step 9: Control dispatcher
	controlSubject := cfg.ControlSubject
	if controlSubject == "" {
		controlSubject = commsutil.SubjectControl
	}
	disp := dispatcher.NewDispatcher(orch, func(ctx context.Context) interface{} { return s.health(ctx) })
	sub, err := nc.Subscribe(controlSubject, disp.Handler(ctx, cfg.RequestTimeout))
	if err != nil {
		shutdownOrchestrator(orch)
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, controlSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, controlSubject))

	// Step 10: HTTP status server
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - hcs-agent is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	s.ready.Store(false)
	sub.Unsubscribe()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	s.httpServer.Shutdown(shutdownCtx)
	s.feed.closeAll()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - orchestrator shutdown: %v", logPrefix, err))
	}
	nc.Drain()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func shutdownOrchestrator(orch *orchestrator.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - orchestrator shutdown: %v", logPrefix, err))
	}
}

// loadKeyring parses the operator key and any extra keys held for keyed topics.
func loadKeyring(operatorKey string, extraKeys []string) (ledger.Credential, *ledger.Keyring, error) {
	operator, err := ledger.ParseCredential(operatorKey)
	if err != nil {
		return ledger.Credential{}, nil, fmt.Errorf("%s - invalid HCS_OPERATOR_KEY: %w", logPrefix, err)
	}
	keyring := ledger.NewKeyring(operator)
	for i, k := range extraKeys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		cred, err := ledger.ParseCredential(k)
		if err != nil {
			return ledger.Credential{}, nil, fmt.Errorf("%s - invalid HCS_EXTRA_KEYS entry %d: %w", logPrefix, i, err)
		}
		keyring.Add(cred)
	}
	return operator, keyring, nil
}

// buildEventPublisher fans events to the websocket feed and the configured sink.
func buildEventPublisher(cfg *config.Config, nc *comms.Conn, feed *eventFeed) (events.EventPublisher, func(), error) {
	pubs := events.MultiPublisher{feed}
	closer := func() {}
	switch cfg.EventSink {
	case "nats":
		pubs = append(pubs, events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Subject: cfg.EventSubject}))
	case "kafka":
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - failed to create Kafka publisher: %w", logPrefix, err)
		}
		pubs = append(pubs, kp)
		closer = kp.Close
	}
	slog.Info(fmt.Sprintf("%s - Event sink: %s", logPrefix, cfg.EventSink))
	return pubs, closer, nil
}

// initiator is the orchestrator operation connectPeers needs.
type initiator interface {
	InitiateConnection(ctx context.Context, peerInboundTopicID, peerAccountID, memo string) (connections.Connection, error)
}

// connectPeers sends a connection request to every auto-connect peer that has no
// open connection yet.
func connectPeers(ctx context.Context, agent initiator, existing []connections.Connection, peers []bootstrap.PeerSpec) int {
	open := make(map[string]bool, len(existing))
	for _, c := range existing {
		if c.State != connections.StateClosed {
			open[c.PeerInboundTopicID] = true
		}
	}

	sent := 0
	for _, p := range peers {
		if !p.AutoConnect || open[p.InboundTopicID] {
			continue
		}
		if _, err := agent.InitiateConnection(ctx, p.InboundTopicID, p.AccountID, p.Memo); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to connect to %s@%s: %v", logPrefix, p.InboundTopicID, p.AccountID, err))
			continue
		}
		open[p.InboundTopicID] = true
		sent++
	}
	return sent
}
