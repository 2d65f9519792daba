package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectControl     = "hcs.agent.control.v1"
	SubjectAgentEvents = "hcs.agent.events"
	SubjectSubmit      = "hcs.log.submit"
	SubjectCreateTopic = "hcs.log.topics.create"
	SubjectTopicInfo   = "hcs.log.topics.info"

	// TopicBucket is the key-value bucket holding topic metadata.
	TopicBucket = "HCS_TOPICS"
)

// BuildEventSubject builds the per-kind agent event subject.
func BuildEventSubject(base, kind string) string {
	if base == "" {
		base = SubjectAgentEvents
	}
	return fmt.Sprintf("%s.%s", base, kind)
}

// TopicSubject is the subject a log topic's messages are stored under.
func TopicSubject(topicID string) string {
	return "hcs.topic." + topicToken(topicID)
}

// StreamName is the stream backing a log topic.
func StreamName(topicID string) string {
	return "HCS_" + topicToken(topicID)
}

// TopicKey is the metadata key of a log topic.
func TopicKey(topicID string) string {
	return topicToken(topicID)
}

func topicToken(topicID string) string {
	return strings.ReplaceAll(strings.TrimSpace(topicID), ".", "_")
}
