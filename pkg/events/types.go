// Package events defines the agent event feed and its publishers.
package events

import "time"

// Kind names an agent event.
type Kind string

const (
	KindConnectionRequested Kind = "connectionRequested"
	KindConnectionAccepted  Kind = "connectionAccepted"
	KindConnectionClosed    Kind = "connectionClosed"
	KindMessage             Kind = "message"
	KindProposalExecuted    Kind = "proposalExecuted"
	KindError               Kind = "error"
)

// AgentEvent is one entry of the event feed exposed to the application layer.
type AgentEvent struct {
	Kind           Kind      `json:"kind"`
	ConnectionID   string    `json:"connectionId,omitempty"`
	PeerAccountID  string    `json:"peerAccountId,omitempty"`
	TopicID        string    `json:"topicId,omitempty"`
	SequenceNumber uint64    `json:"sequenceNumber,omitempty"`
	ProposalID     string    `json:"proposalId,omitempty"`
	Data           string    `json:"data,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
