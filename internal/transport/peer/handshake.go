package peer

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/wire"
)

// State tracks the offer/answer/ICE exchange for one peer connection.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateChannelOpening
	StateChannelOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateChannelOpening:
		return "channel-opening"
	case StateChannelOpen:
		return "channel-open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// handshake drives one link through SDP and trickle-ICE exchange.
// Candidates that arrive before the remote description are buffered
// and drained right after it is applied; later ones apply directly.
// AddICECandidate errors are swallowed throughout: stale or duplicate
// candidates are common and not actionable.
type handshake struct {
	mu        sync.Mutex
	state     State
	link      PeerLink
	remoteSet bool
	buffered  []wire.ICECandidate
	send      func(wire.Signal) error
}

func newHandshake(link PeerLink, send func(wire.Signal) error) *handshake {
	return &handshake{state: StateIdle, link: link, send: send}
}

func (h *handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SendOffer runs the offerer side: local offer out through the relay.
func (h *handshake) SendOffer() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sdp, err := h.link.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := h.link.SetLocalDescription(wire.SignalOffer, sdp); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := h.send(wire.Signal{Kind: wire.SignalOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	h.state = StateOfferSent
	return nil
}

// HandleOffer runs the answerer side for one inbound offer.
func (h *handshake) HandleOffer(sdp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateOfferReceived

	if err := h.link.SetRemoteDescription(wire.SignalOffer, sdp); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	h.remoteSet = true
	h.drainLocked()

	answer, err := h.link.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := h.link.SetLocalDescription(wire.SignalAnswer, answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := h.send(wire.Signal{Kind: wire.SignalAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	h.state = StateAnswerExchanged
	return nil
}

// HandleAnswer completes the offerer's exchange.
func (h *handshake) HandleAnswer(sdp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.link.SetRemoteDescription(wire.SignalAnswer, sdp); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	h.remoteSet = true
	h.drainLocked()
	h.state = StateAnswerExchanged
	return nil
}

// HandleCandidate buffers or applies one trickled candidate.
func (h *handshake) HandleCandidate(c wire.ICECandidate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.remoteSet {
		h.buffered = append(h.buffered, c)
		return
	}
	if err := h.link.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("ice candidate rejected")
	}
}

func (h *handshake) drainLocked() {
	for _, c := range h.buffered {
		if err := h.link.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("buffered candidate rejected")
		}
	}
	h.buffered = nil
}

func (h *handshake) SetState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}
