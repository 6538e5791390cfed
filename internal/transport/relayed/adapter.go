// Package relayed implements the session protocol over the server
// relay: every message passes through the hub, which fans it out to
// the one paired party.
package relayed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/core"
	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/latency"
	"github.com/mwickert/elicit/internal/transport/relaysock"
	"github.com/mwickert/elicit/internal/wire"
)

const Package = "relayed"

type Adapter struct {
	url          string
	startTimeout time.Duration

	// HeartbeatPeriod, when set before Connect, keeps this identity's
	// presence entry fresh at the relay. Clients set it; evaluators do
	// not need presence.
	HeartbeatPeriod time.Duration

	tracker *latency.Tracker
	cbs     core.Callbacks

	mu        sync.Mutex
	sock      *relaysock.Client
	userID    domain.UserID
	role      domain.Role
	session   *domain.Session
	startWait chan wire.SessionStarted // one-shot, armed by StartSession
}

func New(url string, startTimeout time.Duration) *Adapter {
	return &Adapter{
		url:          url,
		startTimeout: startTimeout,
		tracker:      latency.NewTracker(),
	}
}

func (a *Adapter) Connect(ctx context.Context, userID domain.UserID, role domain.Role) error {
	a.mu.Lock()
	if a.sock != nil {
		a.mu.Unlock()
		a.Disconnect(ctx)
		a.mu.Lock()
	}
	a.userID = userID
	a.role = role
	a.mu.Unlock()

	a.tracker.Reset()
	reg := wire.Register{UserID: userID, Role: string(role), Package: Package}
	sock, err := relaysock.Dial(ctx, a.url, reg, a.handleEvent, a.tracker.Reconnect)
	if err != nil {
		return &core.ConnectError{Transport: Package, Err: err}
	}

	if role == domain.RoleClient {
		sock.StartHeartbeat(a.HeartbeatPeriod)
	}

	a.mu.Lock()
	a.sock = sock
	a.mu.Unlock()
	log.Info().Str("module", "relayed").Str("user", string(userID)).Str("role", string(role)).Msg("connected")
	return nil
}

func (a *Adapter) Disconnect(_ context.Context) {
	a.mu.Lock()
	sock := a.sock
	a.sock = nil
	a.session = nil
	a.startWait = nil
	a.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	a.cbs.Clear()
}

// StartSession emits a start request and awaits the single
// relay-confirmed session_started reply, bounded by startTimeout. The
// timeout is logged, not surfaced: past Connect the contract is best
// effort.
func (a *Adapter) StartSession(ctx context.Context, clientID domain.UserID) error {
	a.mu.Lock()
	sock := a.sock
	if sock == nil {
		a.mu.Unlock()
		return core.ErrNotConnected
	}
	if a.role != domain.RoleEvaluator {
		a.mu.Unlock()
		return core.ErrEvaluatorOnly
	}
	waitCh := make(chan wire.SessionStarted, 1)
	a.startWait = waitCh
	a.mu.Unlock()

	req := wire.StartSession{Type: wire.EventStartSession, ClientID: clientID}
	if err := sock.Send(req); err != nil {
		a.tracker.Failure()
		return &core.ConnectError{Transport: Package, Err: err}
	}

	select {
	case started := <-waitCh:
		log.Info().Str("module", "relayed").Str("session", string(started.SessionID)).Msg("session confirmed")
		return nil
	case <-time.After(a.startTimeout):
		log.Warn().Str("module", "relayed").Str("client", string(clientID)).Msg("session start unconfirmed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SendImageUpdate(_ context.Context, imageIndex int, imageURL, signedURL string) {
	a.mu.Lock()
	sock, sess := a.sock, a.session
	a.mu.Unlock()
	if sock == nil || sess == nil {
		a.tracker.Failure()
		return
	}

	msg := wire.ImageUpdate{
		Type:       wire.EventImageUpdate,
		ImageIndex: imageIndex,
		ImageURL:   imageURL,
		SignedURL:  signedURL,
		SentAt:     time.Now().UnixMilli(),
	}
	if err := sock.Send(msg); err != nil {
		log.Warn().Err(err).Str("module", "relayed").Int("image", imageIndex).Msg("image send failed")
		a.tracker.Failure()
		return
	}
	a.tracker.Success()
}

func (a *Adapter) EndSession(_ context.Context) {
	a.mu.Lock()
	sock := a.sock
	a.session = nil
	a.mu.Unlock()

	if sock != nil {
		if err := sock.Send(wire.EndSession{Type: wire.EventEndSession}); err != nil {
			log.Warn().Err(err).Str("module", "relayed").Msg("end notify failed")
		}
	}
	a.cbs.EmitSessionEnd()
}

func (a *Adapter) OnImageUpdate(fn func(domain.ImageUpdate))  { a.cbs.SetImageUpdate(fn) }
func (a *Adapter) OnSessionStart(fn func(domain.Session))     { a.cbs.SetSessionStart(fn) }
func (a *Adapter) OnSessionEnd(fn func())                     { a.cbs.SetSessionEnd(fn) }
func (a *Adapter) Metrics() latency.Snapshot                  { return a.tracker.Snapshot() }

func (a *Adapter) handleEvent(evt wire.EventType, data []byte) {
	switch evt {
	case wire.EventRegistered, wire.EventError:
		// registered is informational; errors are logged by the relay
		// side already, count the interesting ones here.
		if evt == wire.EventError {
			log.Warn().Str("module", "relayed").RawJSON("payload", data).Msg("relay error")
		}
	case wire.EventSessionStarted:
		a.handleSessionStarted(data)
	case wire.EventImageUpdate:
		a.handleImageUpdate(data)
	case wire.EventImageAck:
		a.handleImageAck(data)
	case wire.EventSessionEnded:
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
		a.cbs.EmitSessionEnd()
	default:
		log.Warn().Str("module", "relayed").Str("type", string(evt)).Msg("unexpected event")
	}
}

func (a *Adapter) handleSessionStarted(data []byte) {
	var p wire.SessionStarted
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relayed").Msg("bad session_started")
		a.tracker.Failure()
		return
	}
	sess := domain.Session{
		ID:          p.SessionID,
		EvaluatorID: p.EvaluatorID,
		ClientID:    p.ClientID,
		StartedAt:   time.Now(),
	}

	a.mu.Lock()
	a.session = &sess
	if a.startWait != nil {
		a.startWait <- p
		a.startWait = nil
	}
	a.mu.Unlock()

	a.cbs.EmitSessionStart(sess)
}

func (a *Adapter) handleImageUpdate(data []byte) {
	var p wire.ImageUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relayed").Msg("bad image_update")
		a.tracker.Failure()
		return
	}
	a.tracker.Success()
	a.cbs.EmitImageUpdate(domain.ImageUpdate{
		ImageIndex: p.ImageIndex,
		ImageURL:   p.ImageURL,
		SignedURL:  p.SignedURL,
		SentAt:     p.SentAt,
	})

	ack := wire.ImageAck{
		Type:       wire.EventImageAck,
		SentAt:     p.SentAt,
		ReceivedAt: time.Now().UnixMilli(),
	}
	a.mu.Lock()
	sock := a.sock
	a.mu.Unlock()
	if sock != nil {
		if err := sock.Send(ack); err != nil {
			log.Warn().Err(err).Str("module", "relayed").Msg("ack send failed")
		}
	}
}

func (a *Adapter) handleImageAck(data []byte) {
	var p wire.ImageAck
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "relayed").Msg("bad image_ack")
		a.tracker.Failure()
		return
	}
	a.tracker.Sample(p.SentAt, p.ReceivedAt)
}
