package peer

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/wire"
)

// pionLink adapts *webrtc.PeerConnection to PeerLink.
type pionLink struct {
	pc *webrtc.PeerConnection
}

func newPionLink(stunServers []string) (PeerLink, error) {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "peer").Str("state", s.String()).Msg("peer connection state")
	})
	return &pionLink{pc: pc}, nil
}

func (l *pionLink) CreateDataChannel(label string) (DataChannel, error) {
	// nil init keeps the channel ordered and reliable, which is what
	// the image stream's latency measurement assumes.
	dc, err := l.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (l *pionLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (l *pionLink) CreateAnswer() (string, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func sdpType(kind wire.SignalKind) webrtc.SDPType {
	if kind == wire.SignalAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func (l *pionLink) SetLocalDescription(kind wire.SignalKind, sdp string) error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: sdpType(kind), SDP: sdp})
}

func (l *pionLink) SetRemoteDescription(kind wire.SignalKind, sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType(kind), SDP: sdp})
}

func (l *pionLink) AddICECandidate(c wire.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (l *pionLink) OnICECandidate(fn func(wire.ICECandidate)) {
	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		fn(wire.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (l *pionLink) OnDataChannel(fn func(DataChannel)) {
	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (l *pionLink) Close() error { return l.pc.Close() }

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) OnOpen(fn func())  { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Send(b []byte) error { return c.dc.Send(b) }
func (c *pionChannel) Close() error        { return c.dc.Close() }
