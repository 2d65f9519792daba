package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
)

// agentForServer is the part of the orchestrator the HTTP handlers read.
type agentForServer interface {
	ListActiveConnections() []connections.Connection
	ListPendingConnections() []connections.Connection
	ListNeedingConfirmation() []connections.Connection
	ListProposals(ctx context.Context) ([]orchestrator.Proposal, error)
}

// ingestForServer exposes per-topic worker stats.
type ingestForServer interface {
	Topics() []string
	Stats(topicID string) (ingest.Stats, bool)
}

// HealthOutput is returned by /health and the control "health" method.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// health runs every registered check with the configured timeout.
func (s *Server) health(ctx context.Context) *HealthOutput {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()

	out := &HealthOutput{
		Status:    "healthy",
		Checks:    make(map[string]bool, len(s.checks)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for name, check := range s.checks {
		err := check(ctx)
		out.Checks[name] = err == nil
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - health check %s failed: %v", logPrefix, name, err))
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/connections", s.handleConnections)
	mux.HandleFunc("/proposals", s.handleProposals)
	if s.feed != nil {
		mux.HandleFunc("/events", s.feed.handleEvents)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", logPrefix, err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health(r.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	var list []connections.Connection
	switch state := connections.State(r.URL.Query().Get("state")); state {
	case "", connections.StateEstablished:
		list = s.agent.ListActiveConnections()
	case connections.StatePending:
		list = s.agent.ListPendingConnections()
	case connections.StateNeedsConfirmation:
		list = s.agent.ListNeedingConfirmation()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown state %q", state)})
		return
	}
	if list == nil {
		list = []connections.Connection{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	list, err := s.agent.ListProposals(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []orchestrator.Proposal{}
	}
	writeJSON(w, http.StatusOK, list)
}

// homePageTemplate is the HTML for the agent status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>HCS Agent</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 1100px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>HCS Agent</h1>
  <p class="meta">Account {{.AccountID}}, inbound topic {{.InboundTopicID}}{{if .OutboundTopicID}}, outbound topic {{.OutboundTopicID}}{{end}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $ok := .Health.Checks}}<p>{{$name}}: {{if $ok}}OK{{else}}<span class="error">Failed</span>{{end}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Connections</h2>
    {{if not .Connections}}
    <p>No connections.</p>
    {{else}}
    <table>
      <thead><tr><th>ID</th><th>Peer</th><th>Connection topic</th><th>State</th><th>Updated</th></tr></thead>
      <tbody>
        {{range .Connections}}
        <tr><td>{{.ID}}</td><td>{{.PeerAccountID}}</td><td>{{.ConnectionTopicID}}</td><td>{{.State}}</td><td>{{.UpdatedAt.Format "2006-01-02 15:04:05"}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Proposals</h2>
    {{if .ProposalError}}
    <p class="error">Could not load proposals: {{.ProposalError}}</p>
    {{else if not .Proposals}}
    <p>No proposals.</p>
    {{else}}
    <table>
      <thead><tr><th>ID</th><th>Connection</th><th>Status</th><th>Received</th></tr></thead>
      <tbody>
        {{range .Proposals}}
        <tr><td>{{.ID}}</td><td>{{.ConnectionID}}</td><td>{{.Status}}</td><td>{{.ReceivedAt.Format "2006-01-02 15:04:05"}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Topics</h2>
    {{if not .Topics}}
    <p>Not subscribed to any topic.</p>
    {{else}}
    <table>
      <thead><tr><th>Topic</th><th>High water</th><th>Delivered</th><th>Duplicates</th><th>Rejected</th><th>Buffered</th><th>Push</th></tr></thead>
      <tbody>
        {{range .Topics}}
        <tr><td>{{.TopicID}}</td><td>{{.HighWater.Sequence}}</td><td>{{.Delivered}}</td><td>{{.Duplicates}}</td><td>{{.Rejected}}</td><td>{{.Buffered}}</td><td>{{if .PushActive}}live{{else}}polling{{end}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	AccountID       string
	InboundTopicID  string
	OutboundTopicID string
	Health          *HealthOutput
	Connections     []connections.Connection
	Proposals       []orchestrator.Proposal
	ProposalError   string
	Topics          []ingest.Stats
}

// handleHome returns an HTTP handler for the agent status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			AccountID:       s.cfg.AccountID,
			InboundTopicID:  s.cfg.InboundTopicID,
			OutboundTopicID: s.cfg.OutboundTopicID,
			Health:          s.health(ctx),
		}
		data.Connections = append(data.Connections, s.agent.ListActiveConnections()...)
		data.Connections = append(data.Connections, s.agent.ListPendingConnections()...)
		data.Connections = append(data.Connections, s.agent.ListNeedingConfirmation()...)

		proposals, err := s.agent.ListProposals(ctx)
		if err != nil {
			data.ProposalError = err.Error()
		} else {
			data.Proposals = proposals
		}

		if s.ingest != nil {
			topics := s.ingest.Topics()
			sort.Strings(topics)
			for _, topicID := range topics {
				if st, ok := s.ingest.Stats(topicID); ok {
					data.Topics = append(data.Topics, st)
				}
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
