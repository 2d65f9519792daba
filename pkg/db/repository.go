package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for agent state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// CONNECTIONS
// =========================================================================

// SaveConnection inserts or replaces a connection record.
func (r *Repository) SaveConnection(ctx context.Context, c connections.Connection) error {
	slog.Debug(fmt.Sprintf("%s - SaveConnection id=%s state=%s", repoLogPrefix, c.ID, c.State))

	var reqSeq *int64
	if c.RequestSequence != nil {
		v := int64(*c.RequestSequence)
		reqSeq = &v
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO hcs_connections (id, connection_topic_id, peer_account_id, peer_inbound_topic_id,
		                              initiated_by_us, state, request_topic_id, request_sequence,
		                              memo, close_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   connection_topic_id = EXCLUDED.connection_topic_id,
		   state = EXCLUDED.state,
		   close_reason = EXCLUDED.close_reason,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.ConnectionTopicID, c.PeerAccountID, c.PeerInboundTopicID,
		c.InitiatedByUs, string(c.State), c.RequestTopicID, reqSeq,
		c.Memo, c.CloseReason, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s - failed to save connection %s: %w", repoLogPrefix, c.ID, err)
	}
	return nil
}

// ListConnections returns every connection ordered by creation time.
func (r *Repository) ListConnections(ctx context.Context) ([]connections.Connection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, connection_topic_id, peer_account_id, peer_inbound_topic_id, initiated_by_us,
		        state, request_topic_id, request_sequence, memo, close_reason, created_at, updated_at
		 FROM hcs_connections
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list connections: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []connections.Connection
	for rows.Next() {
		var c connections.Connection
		var state string
		var reqSeq *int64
		if err := rows.Scan(&c.ID, &c.ConnectionTopicID, &c.PeerAccountID, &c.PeerInboundTopicID, &c.InitiatedByUs,
			&state, &c.RequestTopicID, &reqSeq, &c.Memo, &c.CloseReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s - failed to scan connection: %w", repoLogPrefix, err)
		}
		c.State = connections.State(state)
		if reqSeq != nil {
			v := uint64(*reqSeq)
			c.RequestSequence = &v
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// =========================================================================
// PROPOSALS
// =========================================================================

// SaveProposal inserts or replaces a proposal.
func (r *Repository) SaveProposal(ctx context.Context, p orchestrator.Proposal) error {
	slog.Debug(fmt.Sprintf("%s - SaveProposal id=%s status=%s", repoLogPrefix, p.ID, p.Status))

	weights, err := json.Marshal(p.NewWeights)
	if err != nil {
		return fmt.Errorf("%s - failed to encode weights: %w", repoLogPrefix, err)
	}
	var result []byte
	if p.Result != nil {
		if result, err = json.Marshal(p.Result); err != nil {
			return fmt.Errorf("%s - failed to encode result: %w", repoLogPrefix, err)
		}
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO hcs_proposals (id, connection_id, reply_topic_id, new_weights, reason, status,
		                            received_at, approved_at, executed_at, error, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   approved_at = EXCLUDED.approved_at,
		   executed_at = EXCLUDED.executed_at,
		   error = EXCLUDED.error,
		   result = EXCLUDED.result`,
		p.ID, p.ConnectionID, p.ReplyTopicID, weights, p.Reason, string(p.Status),
		p.ReceivedAt, p.ApprovedAt, p.ExecutedAt, p.Error, result)
	if err != nil {
		return fmt.Errorf("%s - failed to save proposal %s: %w", repoLogPrefix, p.ID, err)
	}
	return nil
}

// ListProposals returns every proposal ordered by arrival.
func (r *Repository) ListProposals(ctx context.Context) ([]orchestrator.Proposal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, connection_id, reply_topic_id, new_weights, reason, status,
		        received_at, approved_at, executed_at, error, result
		 FROM hcs_proposals
		 ORDER BY received_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list proposals: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []orchestrator.Proposal
	for rows.Next() {
		var p orchestrator.Proposal
		var status string
		var weights, result []byte
		if err := rows.Scan(&p.ID, &p.ConnectionID, &p.ReplyTopicID, &weights, &p.Reason, &status,
			&p.ReceivedAt, &p.ApprovedAt, &p.ExecutedAt, &p.Error, &result); err != nil {
			return nil, fmt.Errorf("%s - failed to scan proposal: %w", repoLogPrefix, err)
		}
		p.Status = orchestrator.ProposalStatus(status)
		if err := json.Unmarshal(weights, &p.NewWeights); err != nil {
			return nil, fmt.Errorf("%s - corrupt weights for %s: %w", repoLogPrefix, p.ID, err)
		}
		if len(result) > 0 {
			p.Result = &orchestrator.RebalanceExecuted{}
			if err := json.Unmarshal(result, p.Result); err != nil {
				return nil, fmt.Errorf("%s - corrupt result for %s: %w", repoLogPrefix, p.ID, err)
			}
		}
		p.ReceivedAt = p.ReceivedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkExecuted claims id in the executed set. It reports false when another
// execution already claimed it.
func (r *Repository) MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO hcs_executed_proposals (proposal_id, executed_at)
		 VALUES ($1, $2)
		 ON CONFLICT (proposal_id) DO NOTHING`, id, at)
	if err != nil {
		return false, fmt.Errorf("%s - failed to mark %s executed: %w", repoLogPrefix, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExecutedIDs returns the executed set.
func (r *Repository) ExecutedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT proposal_id FROM hcs_executed_proposals ORDER BY proposal_id`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list executed proposals: %w", repoLogPrefix, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan executed proposals: %w", repoLogPrefix, err)
	}
	return ids, nil
}

// =========================================================================
// CHECKPOINTS
// =========================================================================

// Load returns the stored high-water mark of a topic.
func (r *Repository) Load(ctx context.Context, topicID string) (hcs.Position, bool, error) {
	var seq int64
	var ts *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT sequence_number, consensus_time FROM hcs_checkpoints WHERE topic_id = $1`, topicID).Scan(&seq, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return hcs.Position{}, false, nil
	}
	if err != nil {
		return hcs.Position{}, false, fmt.Errorf("%s - failed to load checkpoint %s: %w", repoLogPrefix, topicID, err)
	}
	pos := hcs.Position{Sequence: uint64(seq)}
	if ts != nil {
		pos.ConsensusTime = ts.UTC()
	}
	return pos, true, nil
}

// Save stores a high-water mark unless a later one is already stored.
func (r *Repository) Save(ctx context.Context, topicID string, pos hcs.Position) error {
	var ts *time.Time
	if !pos.ConsensusTime.IsZero() {
		t := pos.ConsensusTime.UTC()
		ts = &t
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO hcs_checkpoints (topic_id, sequence_number, consensus_time, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (topic_id) DO UPDATE SET
		   sequence_number = EXCLUDED.sequence_number,
		   consensus_time = EXCLUDED.consensus_time,
		   updated_at = now()
		 WHERE hcs_checkpoints.sequence_number <= EXCLUDED.sequence_number`,
		topicID, int64(pos.Sequence), ts)
	if err != nil {
		return fmt.Errorf("%s - failed to save checkpoint %s: %w", repoLogPrefix, topicID, err)
	}
	return nil
}

var (
	_ connections.Store          = (*Repository)(nil)
	_ orchestrator.ProposalStore = (*Repository)(nil)
	_ ingest.Checkpointer        = (*Repository)(nil)
)
