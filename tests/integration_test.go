//go:build integration

package tests

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/db"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/dispatcher"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
)

const integrationTestPrefix = "tests:integration_test"

// Integration tests use DATABASE_URL, e.g. .../hcs_agent_test on a local Postgres.
// Create it once with: agent ensure-db

func setupRepository(t *testing.T) *db.Repository {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skipf("%s - DATABASE_URL not set, skipping", integrationTestPrefix)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, url, db.PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("%s - NewPool failed: %v", integrationTestPrefix, err)
	}
	t.Cleanup(pool.Close)

	migrationSQL, err := db.LoadMigrations("")
	if err != nil {
		t.Fatalf("%s - LoadMigrations failed: %v", integrationTestPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		t.Fatalf("%s - RunMigrations failed: %v", integrationTestPrefix, err)
	}
	if err := db.ClearAgentState(ctx, pool); err != nil {
		t.Fatalf("%s - ClearAgentState failed: %v", integrationTestPrefix, err)
	}
	return db.NewRepository(pool)
}

func TestIntegration_RestartKeepsConnectionsAndExecutedSet(t *testing.T) {
	repo := setupRepository(t)
	l := startTestLog(t)
	selfA := hcs.OperatorRef{TopicID: inboundA, AccountID: accountA}
	stored := agentOpts{self: selfA, connStore: repo, proposals: repo, checkpoints: repo}

	a := startAgent(t, l, stored)
	b := startAgent(t, l, agentOpts{self: hcs.OperatorRef{TopicID: inboundB, AccountID: accountB}, autoApprove: true})
	serveControl(t, l.nc, "hcs.test.control.a", a)
	connA, connB := connectPair(t, l.nc, "hcs.test.control.a", a, b)

	ctx := context.Background()
	weights := map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2}
	if _, err := b.orch.SendApplicationMessage(ctx, connB.ID, proposalData(t, orchestrator.TypeRebalanceProposal, "p-restart", weights)); err != nil {
		t.Fatalf("%s - failed to send proposal: %v", integrationTestPrefix, err)
	}
	waitFor(t, "pending proposal", func() bool {
		ps, err := repo.ListProposals(ctx)
		return err == nil && len(ps) == 1
	})
	if err := a.orch.ApproveProposal(ctx, "p-restart"); err != nil {
		t.Fatalf("%s - ApproveProposal failed: %v", integrationTestPrefix, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("%s - Shutdown failed: %v", integrationTestPrefix, err)
	}

	restarted := startAgent(t, l, stored)
	serveControl(t, l.nc, "hcs.test.control.a2", restarted)

	active := restarted.orch.ListActiveConnections()
	if len(active) != 1 || active[0].ID != connA.ID {
		t.Fatalf("%s - restored connections = %+v, want [%s]", integrationTestPrefix, active, connA.ID)
	}

	resp := sendRequest(t, l.nc, "hcs.test.control.a2", &dispatcher.ControlRequest{
		ID:     "it-approve",
		Method: "approveProposal",
		Params: params(t, map[string]string{"proposalId": "p-restart"}),
	})
	if resp.Ok || resp.Error == nil || resp.Error.Code != "ALREADY_EXECUTED" {
		t.Fatalf("%s - re-approval after restart = %+v, want ALREADY_EXECUTED", integrationTestPrefix, resp.Error)
	}
	if restarted.tokens.Calls() != 0 {
		t.Errorf("%s - restarted agent touched tokens %d times", integrationTestPrefix, restarted.tokens.Calls())
	}

	// replayed history after the checkpoint must not reapply the proposal
	time.Sleep(300 * time.Millisecond)
	if restarted.tokens.Calls() != 0 {
		t.Errorf("%s - replay re-executed the proposal", integrationTestPrefix)
	}
}
