// Package dispatcher routes control requests received over COMMS to agent operations.
package dispatcher

import "encoding/json"

// ControlRequest is the JSON envelope for incoming COMMS control requests.
type ControlRequest struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// ControlResponse is the JSON envelope for COMMS control responses.
type ControlResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	DeadlineMs    int    `json:"deadlineMs,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// Params of the individual methods.

type listConnectionsParams struct {
	State string `json:"state"`
}

type connectionParams struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
}

type initiateParams struct {
	PeerInboundTopicID string `json:"peerInboundTopicId"`
	PeerAccountID      string `json:"peerAccountId"`
	Memo               string `json:"memo,omitempty"`
}

type sendMessageParams struct {
	ConnectionID string `json:"connectionId"`
	Data         string `json:"data"`
}

type proposalParams struct {
	ProposalID string `json:"proposalId"`
}
