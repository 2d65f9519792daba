package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/orchestrator"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/submitter"
)

const logPrefix = "dispatcher:dispatch"

// Agent is the set of operations exposed over the control subject.
// *orchestrator.Orchestrator implements it.
type Agent interface {
	ListActiveConnections() []connections.Connection
	ListPendingConnections() []connections.Connection
	ListNeedingConfirmation() []connections.Connection
	ApproveConnection(ctx context.Context, id string) (connections.Connection, error)
	CloseConnection(ctx context.Context, id, reason string) (connections.Connection, error)
	InitiateConnection(ctx context.Context, peerInboundTopicID, peerAccountID, memo string) (connections.Connection, error)
	SendApplicationMessage(ctx context.Context, connectionID, data string) (hcs.Receipt, error)
	ListProposals(ctx context.Context) ([]orchestrator.Proposal, error)
	ApproveProposal(ctx context.Context, proposalID string) error
}

// HealthFunc reports service health for the "health" method.
type HealthFunc func(ctx context.Context) interface{}

// Dispatcher routes COMMS requests to agent operations.
type Dispatcher struct {
	agent  Agent
	health HealthFunc
}

// NewDispatcher creates a new Dispatcher. health may be nil.
func NewDispatcher(agent Agent, health HealthFunc) *Dispatcher {
	return &Dispatcher{agent: agent, health: health}
}

// Dispatch routes a request to the appropriate agent operation and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ControlRequest) *ControlResponse {
	userID := "system"
	if req.Ctx != nil && req.Ctx.UserID != "" {
		userID = req.Ctx.UserID
	}
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s user=%s", logPrefix, req.Method, req.ID, userID))

	switch req.Method {
	case "listConnections":
		return d.handleListConnections(req)
	case "approveConnection":
		return d.handleApproveConnection(ctx, req)
	case "closeConnection":
		return d.handleCloseConnection(ctx, req)
	case "initiateConnection":
		return d.handleInitiateConnection(ctx, req)
	case "sendMessage":
		return d.handleSendMessage(ctx, req)
	case "listProposals":
		return d.handleListProposals(ctx, req)
	case "approveProposal":
		return d.handleApproveProposal(ctx, req, userID)
	case "health":
		return d.handleHealth(ctx, req)
	default:
		return &ControlResponse{
			ID: req.ID,
			Ok: false,
			Error: &ErrorDetail{
				Code:      "METHOD_NOT_FOUND",
				Message:   fmt.Sprintf("Unknown method: %s", req.Method),
				Retryable: false,
			},
		}
	}
}

func (d *Dispatcher) handleListConnections(req *ControlRequest) *ControlResponse {
	var input listConnectionsParams
	if err := decodeParams(req, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse listConnections params", false)
	}

	var result []connections.Connection
	switch connections.State(input.State) {
	case "", connections.StateEstablished:
		result = d.agent.ListActiveConnections()
	case connections.StatePending:
		result = d.agent.ListPendingConnections()
	case connections.StateNeedsConfirmation:
		result = d.agent.ListNeedingConfirmation()
	default:
		return errorResponse(req.ID, "INVALID_ARGUMENT", fmt.Sprintf("Unknown connection state: %s", input.State), false)
	}
	if result == nil {
		result = []connections.Connection{}
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleApproveConnection(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input connectionParams
	if err := decodeParams(req, &input); err != nil || input.ConnectionID == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "approveConnection requires connectionId", false)
	}

	result, err := d.agent.ApproveConnection(ctx, input.ConnectionID)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleCloseConnection(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input connectionParams
	if err := decodeParams(req, &input); err != nil || input.ConnectionID == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "closeConnection requires connectionId", false)
	}

	result, err := d.agent.CloseConnection(ctx, input.ConnectionID, input.Reason)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleInitiateConnection(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input initiateParams
	if err := decodeParams(req, &input); err != nil || input.PeerInboundTopicID == "" || input.PeerAccountID == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "initiateConnection requires peerInboundTopicId and peerAccountId", false)
	}

	result, err := d.agent.InitiateConnection(ctx, input.PeerInboundTopicID, input.PeerAccountID, input.Memo)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *ControlRequest) *ControlResponse {
	var input sendMessageParams
	if err := decodeParams(req, &input); err != nil || input.ConnectionID == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "sendMessage requires connectionId", false)
	}

	receipt, err := d.agent.SendApplicationMessage(ctx, input.ConnectionID, input.Data)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: receipt}
}

func (d *Dispatcher) handleListProposals(ctx context.Context, req *ControlRequest) *ControlResponse {
	result, err := d.agent.ListProposals(ctx)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	if result == nil {
		result = []orchestrator.Proposal{}
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleApproveProposal(ctx context.Context, req *ControlRequest, userID string) *ControlResponse {
	var input proposalParams
	if err := decodeParams(req, &input); err != nil || input.ProposalID == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "approveProposal requires proposalId", false)
	}

	slog.Info(fmt.Sprintf("%s - Proposal %s approved by %s", logPrefix, input.ProposalID, userID))
	if err := d.agent.ApproveProposal(ctx, input.ProposalID); err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: map[string]string{"proposalId": input.ProposalID, "status": "executed"}}
}

func (d *Dispatcher) handleHealth(ctx context.Context, req *ControlRequest) *ControlResponse {
	if d.health == nil {
		return &ControlResponse{ID: req.ID, Ok: true, Result: map[string]string{"status": "healthy"}}
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: d.health(ctx)}
}

// Handler returns a COMMS message handler that decodes requests, dispatches them
// with a per-request timeout and responds on the reply subject.
func (d *Dispatcher) Handler(ctx context.Context, requestTimeout time.Duration) comms.MsgHandler {
	return func(msg *comms.Msg) {
		var req ControlRequest
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			respond(msg, &ControlResponse{
				Ok: false,
				Error: &ErrorDetail{
					Code:    "INVALID_REQUEST",
					Message: "Failed to decode request",
				},
			})
			return
		}

		// Per-request context with timeout; respect a shorter client deadline
		timeout := requestTimeout
		if req.Ctx != nil {
			ms := req.Ctx.DeadlineMs
			if ms <= 0 {
				ms = req.Ctx.TimeoutMs
			}
			if ms > 0 && time.Duration(ms)*time.Millisecond < timeout {
				timeout = time.Duration(ms) * time.Millisecond
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		respond(msg, d.Dispatch(reqCtx, &req))
	}
}

// --- helpers ---

func respond(msg *comms.Msg, resp *ControlResponse) {
	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

func decodeParams(req *ControlRequest, v interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	return commsutil.DecodePayload(req.Params, v)
}

func errorResponse(id, code, message string, retryable bool) *ControlResponse {
	return &ControlResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// agentErrorToResponse maps protocol and registry errors to response codes.
func agentErrorToResponse(id string, err error) *ControlResponse {
	var authErr *hcs.AuthorizationRejectedError
	var rejected *hcs.RejectedError
	switch {
	case errors.Is(err, connections.ErrNotFound), errors.Is(err, orchestrator.ErrProposalNotFound):
		return errorResponse(id, "NOT_FOUND", err.Error(), false)
	case errors.Is(err, connections.ErrInvalidTransition), errors.Is(err, orchestrator.ErrConnectionNotActive):
		return errorResponse(id, "FAILED_PRECONDITION", err.Error(), false)
	case errors.Is(err, connections.ErrApprovalInProgress):
		return errorResponse(id, "CONFLICT", err.Error(), true)
	case errors.Is(err, hcs.ErrDuplicateProposalExecution):
		return errorResponse(id, "ALREADY_EXECUTED", err.Error(), false)
	case errors.Is(err, submitter.ErrNoMatchingCredential), errors.As(err, &authErr):
		return errorResponse(id, "PERMISSION_DENIED", err.Error(), false)
	case errors.Is(err, orchestrator.ErrNotRunning):
		return errorResponse(id, "UNAVAILABLE", err.Error(), true)
	case errors.As(err, &rejected):
		return errorResponse(id, "REJECTED", err.Error(), rejected.Retryable())
	case errors.Is(err, context.DeadlineExceeded):
		return errorResponse(id, "DEADLINE_EXCEEDED", err.Error(), true)
	}
	return errorResponse(id, "INTERNAL_ERROR", err.Error(), hcs.IsRetryable(err))
}
