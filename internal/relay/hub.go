// Package relay is the server-side pub/sub hub: it pairs one evaluator
// with one client and forwards envelopes between them without
// interpreting payload content.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/wire"
)

var (
	ErrNotRegistered    = errors.New("user is not registered")
	ErrClientOffline    = errors.New("client is not online on this transport")
	ErrNoActiveSession  = errors.New("no active session for user")
	ErrAlreadyInSession = errors.New("evaluator already has an active session")
)

// Conn is the hub's view of one registered party's connection. Send
// marshals and enqueues best effort; the websocket controller owns the
// actual socket.
type Conn interface {
	Send(v any) error
	Close()
}

type registration struct {
	role domain.Role
	pkg  string
	conn Conn
}

type presenceEntry struct {
	pkg      string
	lastSeen time.Time
}

// Hub holds the identity registry, the heartbeat-refreshed presence
// table and the evaluator-keyed session table. One Hub per process,
// injected into the websocket controller and the HTTP routes.
type Hub struct {
	mu       sync.RWMutex
	users    map[domain.UserID]*registration
	presence map[domain.UserID]presenceEntry
	sessions map[domain.UserID]*domain.Session // keyed by evaluator

	presenceTTL time.Duration
	now         func() time.Time
}

func NewHub(presenceTTL time.Duration) *Hub {
	return &Hub{
		users:       make(map[domain.UserID]*registration),
		presence:    make(map[domain.UserID]presenceEntry),
		sessions:    make(map[domain.UserID]*domain.Session),
		presenceTTL: presenceTTL,
		now:         time.Now,
	}
}

// Register announces a user on conn. A second registration for the
// same identity replaces the first; the stale connection is closed so
// at most one is ever routable.
func (h *Hub) Register(userID domain.UserID, role domain.Role, pkg string, conn Conn) error {
	if err := domain.ValidateUserID(userID); err != nil {
		return err
	}

	h.mu.Lock()
	old, existed := h.users[userID]
	h.users[userID] = &registration{role: role, pkg: pkg, conn: conn}
	if role == domain.RoleClient {
		h.presence[userID] = presenceEntry{pkg: pkg, lastSeen: h.now()}
	}
	h.mu.Unlock()

	if existed {
		old.conn.Close()
	}
	log.Info().Str("module", "relay").Str("user", string(userID)).Str("role", string(role)).Str("package", pkg).Msg("registered")
	return nil
}

// Heartbeat refreshes the presence table so availability queries keep
// listing this client. Unknown users are ignored.
func (h *Hub) Heartbeat(userID domain.UserID, pkg string) {
	h.mu.Lock()
	if reg, ok := h.users[userID]; ok && reg.role == domain.RoleClient {
		if pkg == "" {
			pkg = reg.pkg
		}
		h.presence[userID] = presenceEntry{pkg: pkg, lastSeen: h.now()}
	}
	h.mu.Unlock()
}

// OnlineClients lists clients whose presence is fresher than the
// staleness threshold, optionally filtered by transport package.
func (h *Hub) OnlineClients(pkg string) []domain.UserID {
	cutoff := h.now().Add(-h.presenceTTL)
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.UserID, 0)
	for id, p := range h.presence {
		if p.lastSeen.Before(cutoff) {
			continue
		}
		if pkg != "" && p.pkg != pkg {
			continue
		}
		out = append(out, id)
	}
	return out
}

// StartSession allocates a session, wires evaluator to client and
// notifies both sides. The client must be live on the same transport
// package as the evaluator.
func (h *Hub) StartSession(evaluatorID, clientID domain.UserID) (*domain.Session, error) {
	h.mu.Lock()
	eval, ok := h.users[evaluatorID]
	if !ok || eval.role != domain.RoleEvaluator {
		h.mu.Unlock()
		return nil, ErrNotRegistered
	}
	if _, busy := h.sessions[evaluatorID]; busy {
		h.mu.Unlock()
		return nil, ErrAlreadyInSession
	}
	cli, ok := h.users[clientID]
	if !ok || cli.role != domain.RoleClient || cli.pkg != eval.pkg {
		h.mu.Unlock()
		return nil, ErrClientOffline
	}
	sess := domain.NewSession(evaluatorID, clientID)
	h.sessions[evaluatorID] = sess
	evalConn, cliConn := eval.conn, cli.conn
	h.mu.Unlock()

	started := wire.SessionStarted{
		Type:        wire.EventSessionStarted,
		SessionID:   sess.ID,
		EvaluatorID: evaluatorID,
		ClientID:    clientID,
	}
	if err := evalConn.Send(started); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("session_started to evaluator")
	}
	if err := cliConn.Send(started); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("session_started to client")
	}
	log.Info().Str("module", "relay").Str("session", string(sess.ID)).Str("evaluator", string(evaluatorID)).Str("client", string(clientID)).Msg("session started")
	return sess, nil
}

// sessionOf finds the session a user is part of, either side.
func (h *Hub) sessionOf(userID domain.UserID) (*domain.Session, bool) {
	if s, ok := h.sessions[userID]; ok {
		return s, true
	}
	for _, s := range h.sessions {
		if s.ClientID == userID {
			return s, true
		}
	}
	return nil, false
}

// peerConn resolves the other party's connection for userID's session.
func (h *Hub) peerConn(userID domain.UserID) (Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessionOf(userID)
	if !ok {
		return nil, ErrNoActiveSession
	}
	other := sess.ClientID
	if userID == sess.ClientID {
		other = sess.EvaluatorID
	}
	reg, ok := h.users[other]
	if !ok {
		return nil, ErrNotRegistered
	}
	return reg.conn, nil
}

// ForwardImageUpdate fans one image payload out to the paired client.
func (h *Hub) ForwardImageUpdate(evaluatorID domain.UserID, u wire.ImageUpdate) error {
	conn, err := h.peerConn(evaluatorID)
	if err != nil {
		return err
	}
	u.Type = wire.EventImageUpdate
	return conn.Send(u)
}

// ForwardAck returns a client's receipt ack to its evaluator.
func (h *Hub) ForwardAck(clientID domain.UserID, ack wire.ImageAck) error {
	conn, err := h.peerConn(clientID)
	if err != nil {
		return err
	}
	ack.Type = wire.EventImageAck
	return conn.Send(ack)
}

// ForwardSignal relays a webrtc_signal envelope verbatim to the
// addressed identity. The hub never inspects the signal body.
func (h *Hub) ForwardSignal(fromID domain.UserID, sig wire.WebRTCSignal) error {
	h.mu.RLock()
	reg, ok := h.users[sig.TargetUserID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}
	sig.Type = wire.EventWebRTCSignal
	// Rewrite the target field into the sender so the receiver knows
	// who to answer; the payload itself is untouched.
	sig.TargetUserID = fromID
	return reg.conn.Send(sig)
}

// EndSession tears down the session userID is part of and notifies the
// other party. Safe to call when no session exists.
func (h *Hub) EndSession(userID domain.UserID) {
	h.mu.Lock()
	sess, ok := h.sessionOf(userID)
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sess.EvaluatorID)
	other := sess.ClientID
	if userID == sess.ClientID {
		other = sess.EvaluatorID
	}
	reg, regOK := h.users[other]
	h.mu.Unlock()

	if regOK {
		if err := reg.conn.Send(wire.EndSession{Type: wire.EventSessionEnded}); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("session_ended notify")
		}
	}
	log.Info().Str("module", "relay").Str("session", string(sess.ID)).Msg("session ended")
}

// Disconnect removes a user when conn is still the routable connection
// for that identity. A re-registration replaces the connection before
// the old socket's teardown runs, so a teardown carrying a stale conn
// must leave the fresh registration, its presence entry and any live
// session untouched. If the user was mid-session the remaining party
// gets a proactive session_ended.
func (h *Hub) Disconnect(userID domain.UserID, conn Conn) {
	h.mu.Lock()
	reg, ok := h.users[userID]
	if !ok || reg.conn != conn {
		h.mu.Unlock()
		log.Info().Str("module", "relay").Str("user", string(userID)).Msg("stale connection teardown ignored")
		return
	}
	h.mu.Unlock()

	h.EndSession(userID)
	h.mu.Lock()
	if reg, ok := h.users[userID]; ok && reg.conn == conn {
		delete(h.users, userID)
		delete(h.presence, userID)
	}
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("user", string(userID)).Msg("disconnected")
}

// SessionFor exposes the active session for an evaluator, for the
// HTTP inspection route.
func (h *Hub) SessionFor(evaluatorID domain.UserID) (*domain.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[evaluatorID]
	return s, ok
}
