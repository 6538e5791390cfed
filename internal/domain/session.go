package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// Session is the ephemeral pairing of one evaluator and one client.
// It carries no transport state; adapters and the relay hub hold that.
type Session struct {
	ID          SessionID `json:"sessionId"`
	EvaluatorID UserID    `json:"evaluatorId"`
	ClientID    UserID    `json:"clientId"`
	StartedAt   time.Time `json:"startedAt"`
}

func NewSession(evaluatorID, clientID UserID) *Session {
	return &Session{
		ID:          SessionID(uuid.NewString()),
		EvaluatorID: evaluatorID,
		ClientID:    clientID,
		StartedAt:   time.Now(),
	}
}
