// Package peer implements the session protocol over a WebRTC data
// channel. The relay only carries signaling; images and acks travel
// peer to peer once the channel opens. The evaluator is always the
// offerer and always the one that creates the channel.
package peer

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

const Package = "peer"

type Adapter struct {
	relayURL     string
	stunServers  []string
	startTimeout time.Duration
	resendDelays []time.Duration

	// HeartbeatPeriod, when set before Connect, keeps this identity's
	// presence entry fresh at the relay. Clients set it.
	HeartbeatPeriod time.Duration

	tracker *latency.Tracker
	cbs     core.Callbacks

	// newLink builds a fresh peer connection; tests substitute a fake.
	newLink func() (PeerLink, error)

	mu        sync.Mutex
	sock      *relaysock.Client
	userID    domain.UserID
	role      domain.Role
	targetID  domain.UserID
	session   *domain.Session
	startWait chan wire.SessionStarted

	link        PeerLink
	hs          *handshake
	channel     DataChannel
	channelOpen bool
	pending     *channelMessage // image waiting for the channel to open
	current     *channelMessage // latest image, for ready/retry resends

	// earlyCands holds candidates that arrived before a handshake
	// existed; they replay into it as soon as one is built.
	earlyCands []wire.ICECandidate
}

func New(relayURL string, stunServers []string, startTimeout time.Duration, resendDelays []time.Duration) *Adapter {
	a := &Adapter{
		relayURL:     relayURL,
		stunServers:  stunServers,
		startTimeout: startTimeout,
		resendDelays: resendDelays,
		tracker:      latency.NewTracker(),
	}
	a.newLink = func() (PeerLink, error) { return newPionLink(a.stunServers) }
	return a
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
	sock, err := relaysock.Dial(ctx, a.relayURL, reg, a.handleEvent, a.tracker.Reconnect)
	if err != nil {
		return &core.ConnectError{Transport: Package, Err: err}
	}

	if role == domain.RoleClient {
		sock.StartHeartbeat(a.HeartbeatPeriod)
	}

	a.mu.Lock()
	a.sock = sock
	a.mu.Unlock()
	log.Info().Str("module", "peer").Str("user", string(userID)).Str("role", string(role)).Msg("connected to relay")
	return nil
}

func (a *Adapter) Disconnect(_ context.Context) {
	a.mu.Lock()
	sock := a.sock
	a.sock = nil
	a.session = nil
	a.startWait = nil
	a.teardownPeerLocked()
	a.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	a.cbs.Clear()
}

// StartSession asks the relay to pair, builds the peer connection and
// sends the offer. It resolves after a bounded wait for the pairing
// confirmation, not after the full handshake: channel establishment
// can take seconds, and the first image is parked as pending until the
// channel opens. Negotiation failures are counted and absorbed; the
// call never hangs on them.
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
	a.teardownPeerLocked()
	a.targetID = clientID
	waitCh := make(chan wire.SessionStarted, 1)
	a.startWait = waitCh
	a.mu.Unlock()

	if err := sock.Send(wire.StartSession{Type: wire.EventStartSession, ClientID: clientID}); err != nil {
		a.tracker.Failure()
		return &core.ConnectError{Transport: Package, Err: err}
	}

	link, err := a.newLink()
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("peer connection create failed")
		a.tracker.Failure()
		return nil
	}
	hs := newHandshake(link, a.sendSignal)
	link.OnICECandidate(func(c wire.ICECandidate) {
		if err := a.sendSignal(wire.Signal{Kind: wire.SignalCandidate, Candidate: &c}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("candidate relay failed")
		}
	})

	ch, err := link.CreateDataChannel("images")
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("data channel create failed")
		a.tracker.Failure()
		_ = link.Close()
		return nil
	}

	a.mu.Lock()
	a.link = link
	a.hs = hs
	a.channel = ch
	early := a.earlyCands
	a.earlyCands = nil
	a.mu.Unlock()
	a.setupOffererChannel(ch)
	for _, c := range early {
		hs.HandleCandidate(c)
	}

	if err := hs.SendOffer(); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("offer failed")
		a.tracker.Failure()
	}

	select {
	case started := <-waitCh:
		log.Info().Str("module", "peer").Str("session", string(started.SessionID)).Msg("pairing confirmed")
	case <-time.After(a.startTimeout):
		log.Warn().Str("module", "peer").Str("client", string(clientID)).Msg("pairing unconfirmed, proceeding")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) SendImageUpdate(_ context.Context, imageIndex int, imageURL, signedURL string) {
	msg := &channelMessage{
		ImageIndex: imageIndex,
		ImageURL:   imageURL,
		SignedURL:  signedURL,
		SentAt:     time.Now().UnixMilli(),
	}

	a.mu.Lock()
	if a.sock == nil || a.session == nil {
		a.mu.Unlock()
		a.tracker.Failure()
		return
	}
	a.current = msg
	open, ch := a.channelOpen, a.channel
	if !open {
		// Channel still establishing: park the payload, it goes out
		// the moment the channel opens.
		a.pending = msg
		a.mu.Unlock()
		a.tracker.Success()
		return
	}
	a.mu.Unlock()

	if err := a.sendOnChannel(ch, msg); err != nil {
		log.Warn().Err(err).Str("module", "peer").Int("image", imageIndex).Msg("channel send failed")
		a.tracker.Failure()
		return
	}
	a.tracker.Success()
}

func (a *Adapter) EndSession(_ context.Context) {
	a.mu.Lock()
	sock := a.sock
	a.session = nil
	a.teardownPeerLocked()
	a.mu.Unlock()

	if sock != nil {
		if err := sock.Send(wire.EndSession{Type: wire.EventEndSession}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("end notify failed")
		}
	}
	a.cbs.EmitSessionEnd()
}

func (a *Adapter) OnImageUpdate(fn func(domain.ImageUpdate)) { a.cbs.SetImageUpdate(fn) }
func (a *Adapter) OnSessionStart(fn func(domain.Session))    { a.cbs.SetSessionStart(fn) }
func (a *Adapter) OnSessionEnd(fn func())                    { a.cbs.SetSessionEnd(fn) }
func (a *Adapter) Metrics() latency.Snapshot                 { return a.tracker.Snapshot() }

// teardownPeerLocked drops the peer connection state; a.mu must be held.
func (a *Adapter) teardownPeerLocked() {
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.link != nil {
		_ = a.link.Close()
	}
	a.link = nil
	a.hs = nil
	a.channel = nil
	a.channelOpen = false
	a.pending = nil
	a.current = nil
	a.earlyCands = nil
}

func (a *Adapter) sendSignal(sig wire.Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	a.mu.Lock()
	sock, target := a.sock, a.targetID
	a.mu.Unlock()
	if sock == nil {
		return core.ErrNotConnected
	}
	return sock.Send(wire.WebRTCSignal{
		Type:         wire.EventWebRTCSignal,
		TargetUserID: target,
		Signal:       raw,
	})
}

func (a *Adapter) sendOnChannel(ch DataChannel, msg *channelMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Send(b)
}

// setupOffererChannel wires the evaluator's side of the channel: flush
// the pending image on open, run the resend schedule, consume ready
// and ack replies.
func (a *Adapter) setupOffererChannel(ch DataChannel) {
	ch.OnOpen(func() {
		a.mu.Lock()
		if a.channel != ch {
			a.mu.Unlock()
			return
		}
		a.channelOpen = true
		pending := a.pending
		a.pending = nil
		hs := a.hs
		a.mu.Unlock()

		if hs != nil {
			hs.SetState(StateChannelOpen)
		}
		log.Info().Str("module", "peer").Msg("data channel open")
		if pending != nil {
			if err := a.sendOnChannel(ch, pending); err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("pending image send failed")
			}
		}
		go a.resendSchedule(ch)
	})

	ch.OnMessage(func(b []byte) {
		var msg channelMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("bad channel message")
			a.tracker.Failure()
			return
		}
		switch msg.Type {
		case ctrlReady:
			// Client came up after our sends: replay the current image.
			a.resendCurrent(ch)
		case ctrlAck:
			a.tracker.Sample(msg.SentAt, msg.ReceivedAt)
		default:
			log.Warn().Str("module", "peer").Str("type", msg.Type).Msg("unexpected channel message")
		}
	})

	ch.OnClose(func() { a.channelClosed(ch) })
}

// setupAnswererChannel wires the client's side: announce readiness on
// open, turn image payloads into events plus in-band acks.
func (a *Adapter) setupAnswererChannel(ch DataChannel) {
	ch.OnOpen(func() {
		a.mu.Lock()
		if a.channel != ch {
			a.mu.Unlock()
			return
		}
		a.channelOpen = true
		hs := a.hs
		a.mu.Unlock()

		if hs != nil {
			hs.SetState(StateChannelOpen)
		}
		if err := a.sendOnChannel(ch, &channelMessage{Type: ctrlReady}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("ready send failed")
		}
	})

	ch.OnMessage(func(b []byte) {
		var msg channelMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("bad channel message")
			a.tracker.Failure()
			return
		}
		if msg.Type != "" {
			return
		}
		a.tracker.Success()
		a.cbs.EmitImageUpdate(domain.ImageUpdate{
			ImageIndex: msg.ImageIndex,
			ImageURL:   msg.ImageURL,
			SignedURL:  msg.SignedURL,
			SentAt:     msg.SentAt,
		})
		ack := &channelMessage{Type: ctrlAck, SentAt: msg.SentAt, ReceivedAt: time.Now().UnixMilli()}
		if err := a.sendOnChannel(ch, ack); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("ack send failed")
		}
	})

	ch.OnClose(func() { a.channelClosed(ch) })
}

// channelClosed treats a data-channel close, by either party, as an
// unconditional session-end trigger.
func (a *Adapter) channelClosed(ch DataChannel) {
	a.mu.Lock()
	if a.channel != ch {
		// A replaced channel going away is not this session ending.
		a.mu.Unlock()
		return
	}
	sock := a.sock
	a.session = nil
	a.teardownPeerLocked()
	a.mu.Unlock()

	log.Info().Str("module", "peer").Msg("data channel closed, ending session")
	if sock != nil {
		if err := sock.Send(wire.EndSession{Type: wire.EventEndSession}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("end notify failed")
		}
	}
	a.cbs.EmitSessionEnd()
}

// resendSchedule replays the current image a few times at fixed delays
// after channel open. Channel readiness is less predictable than the
// other transports, so the first image gets this extra cover.
func (a *Adapter) resendSchedule(ch DataChannel) {
	for _, delay := range a.resendDelays {
		time.Sleep(delay)
		a.mu.Lock()
		stillCurrent := a.channel == ch && a.channelOpen
		a.mu.Unlock()
		if !stillCurrent {
			return
		}
		a.resendCurrent(ch)
	}
}

// resendCurrent replays the latest image without touching counters;
// it is a delivery retry, not a new send.
func (a *Adapter) resendCurrent(ch DataChannel) {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur == nil {
		return
	}
	if err := a.sendOnChannel(ch, cur); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("image resend failed")
	}
}

func (a *Adapter) handleEvent(evt wire.EventType, data []byte) {
	switch evt {
	case wire.EventRegistered:
	case wire.EventError:
		log.Warn().Str("module", "peer").RawJSON("payload", data).Msg("relay error")
	case wire.EventSessionStarted:
		a.handleSessionStarted(data)
	case wire.EventSessionEnded:
		a.mu.Lock()
		a.session = nil
		a.teardownPeerLocked()
		a.mu.Unlock()
		a.cbs.EmitSessionEnd()
	case wire.EventWebRTCSignal:
		a.handleWebRTCSignal(data)
	default:
		log.Warn().Str("module", "peer").Str("type", string(evt)).Msg("unexpected event")
	}
}

func (a *Adapter) handleSessionStarted(data []byte) {
	var p wire.SessionStarted
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("bad session_started")
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
	if a.role == domain.RoleClient {
		a.targetID = p.EvaluatorID
	}
	if a.startWait != nil {
		a.startWait <- p
		a.startWait = nil
	}
	a.mu.Unlock()

	a.cbs.EmitSessionStart(sess)
}

func (a *Adapter) handleWebRTCSignal(data []byte) {
	var p wire.WebRTCSignal
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("bad webrtc_signal envelope")
		a.tracker.Failure()
		return
	}
	var sig wire.Signal
	if err := json.Unmarshal(p.Signal, &sig); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("bad signal body")
		a.tracker.Failure()
		return
	}
	if err := sig.Validate(); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("invalid signal")
		a.tracker.Failure()
		return
	}

	// The relay rewrote TargetUserID into the sender's identity.
	from := p.TargetUserID

	switch sig.Kind {
	case wire.SignalOffer:
		a.handleOffer(from, sig.SDP)
	case wire.SignalAnswer:
		a.mu.Lock()
		hs := a.hs
		a.mu.Unlock()
		if hs == nil {
			log.Warn().Str("module", "peer").Msg("answer without pending offer")
			return
		}
		if err := hs.HandleAnswer(sig.SDP); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("answer failed")
			a.tracker.Failure()
		}
	case wire.SignalCandidate:
		a.mu.Lock()
		hs := a.hs
		if hs == nil {
			a.earlyCands = append(a.earlyCands, *sig.Candidate)
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		hs.HandleCandidate(*sig.Candidate)
	}
}

// handleOffer runs the client side of the handshake. An offer arriving
// while a peer connection already exists replaces it: the evaluator
// restarted, and answering on the stale connection would wedge both
// sides.
func (a *Adapter) handleOffer(from domain.UserID, sdp string) {
	a.mu.Lock()
	if a.role != domain.RoleClient {
		a.mu.Unlock()
		log.Warn().Str("module", "peer").Msg("offer received on evaluator side")
		return
	}
	a.targetID = from
	if a.link != nil {
		log.Info().Str("module", "peer").Msg("replacing peer connection for new offer")
		a.teardownPeerLocked()
	}
	a.mu.Unlock()

	link, err := a.newLink()
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("peer connection create failed")
		a.tracker.Failure()
		return
	}
	hs := newHandshake(link, a.sendSignal)
	link.OnICECandidate(func(c wire.ICECandidate) {
		if err := a.sendSignal(wire.Signal{Kind: wire.SignalCandidate, Candidate: &c}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("candidate relay failed")
		}
	})
	link.OnDataChannel(func(ch DataChannel) {
		a.mu.Lock()
		a.channel = ch
		a.mu.Unlock()
		a.setupAnswererChannel(ch)
	})

	a.mu.Lock()
	a.link = link
	a.hs = hs
	early := a.earlyCands
	a.earlyCands = nil
	a.mu.Unlock()

	// Candidates that raced ahead of the offer go in first; the
	// handshake buffers them until the remote description lands.
	for _, c := range early {
		hs.HandleCandidate(c)
	}
	if err := hs.HandleOffer(sdp); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("offer handling failed")
		a.tracker.Failure()
	}
}
