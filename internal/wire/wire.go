// Package wire defines the relay-socket message vocabulary shared by
// the relay server and the websocket-backed adapters.
package wire

import (
	"encoding/json"

	"github.com/mwickert/elicit/internal/domain"
)

type EventType string

const (
	EventRegister       EventType = "register"
	EventRegistered     EventType = "registered"
	EventHeartbeat      EventType = "heartbeat"
	EventStartSession   EventType = "start_session"
	EventSessionStarted EventType = "session_started"
	EventImageUpdate    EventType = "image_update"
	EventImageAck       EventType = "image_ack"
	EventEndSession     EventType = "end_session"
	EventSessionEnded   EventType = "session_ended"
	EventWebRTCSignal   EventType = "webrtc_signal"
	EventError          EventType = "error"
)

// Envelope is the minimal first-pass decode of any inbound message.
type Envelope struct {
	Type EventType `json:"type"`
}

type Register struct {
	Type   EventType     `json:"type"`
	UserID domain.UserID `json:"userId"`
	Role   string        `json:"role"`
	// Package names the transport the registrant will run the session
	// over; the relay only pairs parties whose packages match.
	Package string `json:"package"`
}

type Heartbeat struct {
	Type    EventType `json:"type"`
	Package string    `json:"package"`
}

type StartSession struct {
	Type     EventType     `json:"type"`
	ClientID domain.UserID `json:"clientId"`
}

type SessionStarted struct {
	Type          EventType        `json:"type"`
	SessionID     domain.SessionID `json:"sessionId"`
	EvaluatorID   domain.UserID    `json:"evaluatorId,omitempty"`
	EvaluatorName string           `json:"evaluatorName,omitempty"`
	ClientID      domain.UserID    `json:"clientId,omitempty"`
}

type ImageUpdate struct {
	Type       EventType `json:"type"`
	ImageIndex int       `json:"imageIndex"`
	ImageURL   string    `json:"imageUrl"`
	SignedURL  string    `json:"signedUrl,omitempty"`
	SentAt     int64     `json:"sentAt"`
}

type ImageAck struct {
	Type       EventType `json:"type"`
	SentAt     int64     `json:"sentAt"`
	ReceivedAt int64     `json:"receivedAt"`
}

type EndSession struct {
	Type EventType `json:"type"`
}

// WebRTCSignal wraps signaling traffic the relay routes verbatim to
// TargetUserID; the relay never inspects Signal.
type WebRTCSignal struct {
	Type         EventType       `json:"type"`
	TargetUserID domain.UserID   `json:"targetUserId"`
	Signal       json.RawMessage `json:"signal"`
}

type Error struct {
	Type  EventType `json:"type"`
	Error string    `json:"error"`
}
