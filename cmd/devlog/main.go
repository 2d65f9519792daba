// Package main runs a development consensus log: an embedded COMMS server with
// JetStream holding one stream per topic, plus the node that serves topic creation,
// metadata and authorized writes.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/internal/server"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/natslog"
)

const logPrefix = "devlog:main"

const usage = `Usage: devlog [command]
       devlog serve                          Run the embedded log (default).
       devlog create-topic [memo] [key]      Create a topic on a running log; key makes it keyed.
       devlog topic-info <topicId>           Print a topic's submit key.

Environment:
  DEVLOG_HOST       listen host (default 127.0.0.1)
  DEVLOG_PORT       listen port (default 4222)
  DEVLOG_STORE_DIR  JetStream store directory (default data/devlog)
  DEVLOG_MEMORY     keep topic streams in memory (default false)
  DEVLOG_TOPICS     topics to create on start, "0.0.100,0.0.102=<public key hex>"
  COMMS_URL         log to talk to for create-topic and topic-info
`

// devConfig is the devlog environment.
type devConfig struct {
	Host     string   `envconfig:"DEVLOG_HOST" default:"127.0.0.1"`
	Port     int      `envconfig:"DEVLOG_PORT" default:"4222"`
	StoreDir string   `envconfig:"DEVLOG_STORE_DIR" default:"data/devlog"`
	Memory   bool     `envconfig:"DEVLOG_MEMORY" default:"false"`
	Topics   []string `envconfig:"DEVLOG_TOPICS"`
	COMMSURL string   `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	LogLevel string   `envconfig:"LOG_LEVEL" default:"info"`
}

// topicSpec is a topic to ensure on start.
type topicSpec struct {
	ID        string
	SubmitKey string
}

// parseTopicSpecs parses "id" and "id=submitKey" entries.
func parseTopicSpecs(entries []string) ([]topicSpec, error) {
	var out []topicSpec
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		id, key, _ := strings.Cut(e, "=")
		id = strings.TrimSpace(id)
		if !strings.HasPrefix(id, "0.0.") || len(id) == len("0.0.") {
			return nil, fmt.Errorf("invalid topic id %q", id)
		}
		out = append(out, topicSpec{ID: id, SubmitKey: ledger.NormalizePublicKey(key)})
	}
	return out, nil
}

func main() {
	var cfg devConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("devlog: load config: %v", err)
	}
	server.SetupLogging(cfg.LogLevel)

	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve", "":
		if err := runServe(cfg); err != nil {
			log.Fatalf("devlog: %v", err)
		}
	case "create-topic":
		memo, key := "", ""
		if len(args) > 1 {
			memo = args[1]
		}
		if len(args) > 2 {
			key = args[2]
		}
		if err := runCreateTopic(cfg, memo, key); err != nil {
			log.Fatalf("devlog create-topic: %v", err)
		}
	case "topic-info":
		if len(args) < 2 {
			log.Fatalf("devlog topic-info: require topic id")
		}
		if err := runTopicInfo(cfg, args[1]); err != nil {
			log.Fatalf("devlog topic-info: %v", err)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
}

func runServe(cfg devConfig) error {
	topics, err := parseTopicSpecs(cfg.Topics)
	if err != nil {
		return err
	}

	ns, err := natslog.StartServer(natslog.ServerOptions{
		Host:     cfg.Host,
		Port:     cfg.Port,
		StoreDir: cfg.StoreDir,
		Quiet:    cfg.LogLevel != "debug",
	})
	if err != nil {
		return err
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	nc, err := commsutil.Connect(ns.ClientURL(), "devlog")
	if err != nil {
		return err
	}
	defer nc.Close()

	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	node, err := natslog.StartNode(ctx, nc, natslog.NodeOptions{Storage: storage})
	if err != nil {
		cancel()
		return err
	}
	defer node.Close()

	for _, t := range topics {
		if err := node.EnsureTopic(ctx, t.ID, t.SubmitKey, "devlog"); err != nil {
			cancel()
			return fmt.Errorf("ensure topic %s: %w", t.ID, err)
		}
		slog.Info(fmt.Sprintf("%s - Topic %s ready (keyed=%t)", logPrefix, t.ID, t.SubmitKey != ""))
	}
	cancel()

	slog.Info(fmt.Sprintf("%s - Log ready at %s", logPrefix, ns.ClientURL()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	return nil
}

func dialLog(cfg devConfig) (*natslog.Client, func(), error) {
	nc, err := commsutil.Connect(cfg.COMMSURL, "devlog-cli")
	if err != nil {
		return nil, nil, err
	}
	client, err := natslog.NewClient(nc, 10*time.Second)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return client, nc.Close, nil
}

func runCreateTopic(cfg devConfig, memo, submitKey string) error {
	client, closeConn, err := dialLog(cfg)
	if err != nil {
		return err
	}
	defer closeConn()

	id, err := client.CreateTopic(context.Background(), ledger.CreateTopicInput{Memo: memo, SubmitKey: submitKey})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runTopicInfo(cfg devConfig, topicID string) error {
	client, closeConn, err := dialLog(cfg)
	if err != nil {
		return err
	}
	defer closeConn()

	key, err := client.QueryTopicAuthorization(context.Background(), topicID)
	if err != nil {
		return err
	}
	if key == "" {
		fmt.Printf("%s open\n", topicID)
		return nil
	}
	fmt.Printf("%s submit key %s\n", topicID, key)
	return nil
}
