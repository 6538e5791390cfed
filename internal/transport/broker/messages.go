package broker

import "github.com/mwickert/elicit/internal/domain"

// Broker payloads carry the evaluator identity inline because the
// broker can reorder publishes: an image may land before its start
// message, and the client still has to know where to ack.

type startMessage struct {
	SessionID   domain.SessionID `json:"sessionId"`
	EvaluatorID domain.UserID    `json:"evaluatorId"`
	ClientID    domain.UserID    `json:"clientId"`
}

type imageMessage struct {
	EvaluatorID domain.UserID `json:"evaluatorId"`
	ImageIndex  int           `json:"imageIndex"`
	ImageURL    string        `json:"imageUrl"`
	SignedURL   string        `json:"signedUrl,omitempty"`
	SentAt      int64         `json:"sentAt"`
}

type endMessage struct {
	SessionID domain.SessionID `json:"sessionId,omitempty"`
}

type ackMessage struct {
	SentAt     int64 `json:"sentAt"`
	ReceivedAt int64 `json:"receivedAt"`
}
