// Package hcs defines the HCS-10 wire envelope, log entries, receipts and the
// error taxonomy shared by the protocol engine.
package hcs

import "time"

// LogEntry is one message read from a topic, with the provenance assigned by the log.
// (TopicID, SequenceNumber) is the identity used for deduplication.
type LogEntry struct {
	TopicID        string    `json:"topicId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	ConsensusTime  time.Time `json:"consensusTime"`
	Raw            []byte    `json:"raw"`
}

// Key returns the dedup identity of the entry.
func (e LogEntry) Key() EntryKey {
	return EntryKey{TopicID: e.TopicID, SequenceNumber: e.SequenceNumber}
}

// EntryKey identifies a log entry across all topics.
type EntryKey struct {
	TopicID        string
	SequenceNumber uint64
}

// Position is a resume point on a topic. Sequence is preferred; ConsensusTime is used
// when the source cannot report sequence numbers.
type Position struct {
	Sequence      uint64    `json:"sequence"`
	ConsensusTime time.Time `json:"consensusTime"`
}

// IsZero reports whether nothing has been seen yet.
func (p Position) IsZero() bool {
	return p.Sequence == 0 && p.ConsensusTime.IsZero()
}

// TopicInfo describes the write policy of a topic.
type TopicInfo struct {
	TopicID                   string `json:"topicId"`
	RequiresAuthorization     bool   `json:"requiresAuthorization"`
	AuthorizingKeyFingerprint string `json:"authorizingKeyFingerprint,omitempty"`
}

// Status is the receipt status reported by the log.
type Status string

const (
	StatusSuccess            Status = "SUCCESS"
	StatusInvalidSignature   Status = "INVALID_SIGNATURE"
	StatusInvalidTopicID     Status = "INVALID_TOPIC_ID"
	StatusInvalidTransaction Status = "INVALID_TRANSACTION"
	StatusMessageTooLarge    Status = "MESSAGE_SIZE_TOO_LARGE"
	StatusBusy               Status = "BUSY"
)

// IsAuthorization reports whether the status is an authorization rejection.
func (s Status) IsAuthorization() bool {
	return s == StatusInvalidSignature
}

// Receipt is the final outcome of a submitted write.
type Receipt struct {
	TransactionID       string    `json:"transactionId"`
	Status              Status    `json:"status"`
	TopicSequenceNumber uint64    `json:"topicSequenceNumber,omitempty"`
	ConsensusTime       time.Time `json:"consensusTime,omitempty"`
}
