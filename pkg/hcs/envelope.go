package hcs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolTag is the value of the "p" field for HCS-10 envelopes.
const ProtocolTag = "hcs-10"

// Operation is the envelope "op" value.
type Operation string

const (
	OpConnectionRequest Operation = "connection_request"
	OpConnectionCreated Operation = "connection_created"
	OpMessage           Operation = "message"
	OpCloseConnection   Operation = "close_connection"
	OpDebugInfo         Operation = "debug_info"
	OpProfile           Operation = "profile"
)

// Known reports whether the operation is one the engine understands.
func (o Operation) Known() bool {
	switch o {
	case OpConnectionRequest, OpConnectionCreated, OpMessage, OpCloseConnection, OpDebugInfo, OpProfile:
		return true
	}
	return false
}

// Envelope is the wire unit exchanged on every topic.
// Data is passed through to the application layer unparsed.
type Envelope struct {
	P          string    `json:"p"`
	Op         Operation `json:"op"`
	OperatorID string    `json:"operator_id,omitempty"`
	Data       string    `json:"data,omitempty"`
	M          string    `json:"m,omitempty"`

	// Handshake fields.
	ConnectionTopicID   string  `json:"connection_topic_id,omitempty"`
	ConnectionID        *uint64 `json:"connection_id,omitempty"`
	ConnectedAccountID  string  `json:"connected_account_id,omitempty"`
	RequestingAccountID string  `json:"requesting_account_id,omitempty"`
	CloseMethod         string  `json:"close_method,omitempty"`
	Reason              string  `json:"reason,omitempty"`
}

// ParseEnvelope decodes raw log bytes. Anything that is not a JSON object with an
// "op" field is a MalformedEnvelopeError; unknown operations are accepted.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &MalformedEnvelopeError{Reason: "not a JSON object"}
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &MalformedEnvelopeError{Reason: "decode failed", Err: err}
	}
	if env.Op == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing op"}
	}
	return &env, nil
}

// Encode returns the wire bytes, filling in the protocol tag when empty.
func (e *Envelope) Encode() ([]byte, error) {
	out := *e
	if out.P == "" {
		out.P = ProtocolTag
	}
	return json.Marshal(&out)
}

// Operator parses OperatorID. ok is false when the field is absent or malformed.
func (e *Envelope) Operator() (OperatorRef, bool) {
	ref, err := ParseOperatorRef(e.OperatorID)
	if err != nil {
		return OperatorRef{}, false
	}
	return ref, true
}

// OperatorRef is the "<topic>@<account>" compound naming a sender's reply topic and identity.
type OperatorRef struct {
	TopicID   string
	AccountID string
}

// String formats the ref for the wire.
func (r OperatorRef) String() string {
	return r.TopicID + "@" + r.AccountID
}

// ParseOperatorRef splits "<topic>@<account>".
func ParseOperatorRef(s string) (OperatorRef, error) {
	topic, account, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || topic == "" || account == "" || strings.Contains(account, "@") {
		return OperatorRef{}, fmt.Errorf("invalid operator id %q", s)
	}
	return OperatorRef{TopicID: topic, AccountID: account}, nil
}

// NewConnectionRequest builds the envelope sent to a peer's inbound topic.
func NewConnectionRequest(self OperatorRef, memo string) *Envelope {
	return &Envelope{P: ProtocolTag, Op: OpConnectionRequest, OperatorID: self.String(), M: memo}
}

// NewConnectionCreated builds the approval announcement for a request at requestSeq.
func NewConnectionCreated(self OperatorRef, connectionTopicID, peerAccountID string, requestSeq uint64) *Envelope {
	seq := requestSeq
	return &Envelope{
		P:                  ProtocolTag,
		Op:                 OpConnectionCreated,
		OperatorID:         self.String(),
		ConnectionTopicID:  connectionTopicID,
		ConnectedAccountID: peerAccountID,
		ConnectionID:       &seq,
	}
}

// NewMessage wraps an application payload.
func NewMessage(self OperatorRef, data, memo string) *Envelope {
	return &Envelope{P: ProtocolTag, Op: OpMessage, OperatorID: self.String(), Data: data, M: memo}
}

// NewCloseConnection builds a close notice for a connection topic.
func NewCloseConnection(self OperatorRef, reason string) *Envelope {
	return &Envelope{P: ProtocolTag, Op: OpCloseConnection, OperatorID: self.String(), Reason: reason, CloseMethod: "explicit"}
}
