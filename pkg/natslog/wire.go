// Package natslog is a development consensus log on COMMS JetStream. Each topic is a
// stream whose sequence numbers and server timestamps stand in for consensus order,
// topic metadata lives in a key-value bucket, and writes go through a request/reply
// service that enforces submit keys.
package natslog

import (
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
)

type topicMeta struct {
	TopicID   string    `json:"topicId"`
	Memo      string    `json:"memo,omitempty"`
	SubmitKey string    `json:"submitKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type createTopicRequest struct {
	Memo      string `json:"memo,omitempty"`
	SubmitKey string `json:"submitKey,omitempty"`
}

type createTopicReply struct {
	TopicID string `json:"topicId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type topicInfoRequest struct {
	TopicID string `json:"topicId"`
}

type topicInfoReply struct {
	TopicID   string `json:"topicId,omitempty"`
	SubmitKey string `json:"submitKey,omitempty"`
	Error     string `json:"error,omitempty"`
	NotFound  bool   `json:"notFound,omitempty"`
}

type submitReply struct {
	Receipt hcs.Receipt `json:"receipt"`
	Error   string      `json:"error,omitempty"`
}
