package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Application payload types carried in the data field of message envelopes.
const (
	TypeRebalanceProposal = "RebalanceProposal"
	TypeRebalanceApproved = "RebalanceApproved"
	TypeRebalanceExecuted = "RebalanceExecuted"
)

// SchemaVersion is stamped on payloads this agent produces.
const SchemaVersion = "1.0.0"

var supportedSchema = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Payload is the union of the rebalancing messages.
type Payload struct {
	Type          string             `json:"type"`
	SchemaVersion string             `json:"schemaVersion,omitempty"`
	ProposalID    string             `json:"proposalId"`
	NewWeights    map[string]float64 `json:"newWeights,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	ApprovedBy    string             `json:"approvedBy,omitempty"`
}

// RebalanceExecuted reports the outcome of an executed proposal.
type RebalanceExecuted struct {
	Type          string           `json:"type"`
	SchemaVersion string           `json:"schemaVersion"`
	ProposalID    string           `json:"proposalId"`
	PreBalances   map[string]int64 `json:"preBalances"`
	PostBalances  map[string]int64 `json:"postBalances"`
	Adjustments   map[string]int64 `json:"adjustments"`
	ExecutedAt    time.Time        `json:"executedAt"`
	Summary       string           `json:"summary,omitempty"`
}

// parsePayload decodes an application payload. ok is false for data that is not a
// rebalancing message, which is passed through as a plain message.
func parsePayload(data string) (Payload, bool, error) {
	if data == "" || data[0] != '{' {
		return Payload{}, false, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Payload{}, false, nil
	}
	switch p.Type {
	case TypeRebalanceProposal, TypeRebalanceApproved, TypeRebalanceExecuted:
	default:
		return Payload{}, false, nil
	}
	if err := checkSchema(p.SchemaVersion); err != nil {
		return p, true, err
	}
	if p.ProposalID == "" {
		return p, true, fmt.Errorf("%s payload without proposalId", p.Type)
	}
	return p, true, nil
}

func checkSchema(v string) error {
	if v == "" {
		return nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schemaVersion %q: %w", v, err)
	}
	if !supportedSchema.Check(ver) {
		return fmt.Errorf("unsupported schemaVersion %s", v)
	}
	return nil
}
