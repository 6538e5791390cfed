package wire

import (
	"errors"
	"fmt"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

var ErrUnknownSignal = errors.New("unknown signal kind")

// ICECandidate mirrors the browser-side ICECandidateInit shape so both
// ends agree on the JSON without dragging pion types onto the wire.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is the closed union carried inside a WebRTCSignal envelope:
// offer and answer carry SDP, candidate carries Candidate.
type Signal struct {
	Kind      SignalKind    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// Validate keeps structural sniffing out of the handshake machine: a
// decoded Signal either matches one arm of the union or is rejected.
func (s *Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%s signal without sdp", s.Kind)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("candidate signal without candidate")
		}
	default:
		return ErrUnknownSignal
	}
	return nil
}
