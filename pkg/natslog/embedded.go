package natslog

import (
	"fmt"
	"log/slog"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const embeddedLogPrefix = "natslog:embedded"

// ServerOptions configures an embedded COMMS server.
type ServerOptions struct {
	Host string
	// Port of -1 picks a random free port.
	Port     int
	StoreDir string
	Quiet    bool
}

// StartServer runs an in-process COMMS server with JetStream enabled and waits for it
// to accept connections.
func StartServer(opts ServerOptions) (*commsserver.Server, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:      host,
		Port:      opts.Port,
		JetStream: true,
		StoreDir:  opts.StoreDir,
		NoLog:     opts.Quiet,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create server: %w", embeddedLogPrefix, err)
	}
	if !opts.Quiet {
		ns.ConfigureLogger()
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("%s - server not ready", embeddedLogPrefix)
	}
	slog.Info(fmt.Sprintf("%s - JetStream server listening on %s (store %s)", embeddedLogPrefix, ns.ClientURL(), opts.StoreDir))
	return ns, nil
}
