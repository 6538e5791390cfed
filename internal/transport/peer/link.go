package peer

import "github.com/mwickert/elicit/internal/wire"

// PeerLink is the handshake machine's view of one peer connection.
// The pion implementation lives in pc.go; tests substitute a fake to
// drive the machine without ICE.
type PeerLink interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(kind wire.SignalKind, sdp string) error
	SetRemoteDescription(kind wire.SignalKind, sdp string) error
	AddICECandidate(c wire.ICECandidate) error
	OnICECandidate(fn func(wire.ICECandidate))
	OnDataChannel(fn func(DataChannel))
	Close() error
}

// DataChannel is one ordered message channel between the two parties.
type DataChannel interface {
	OnOpen(fn func())
	OnMessage(fn func([]byte))
	OnClose(fn func())
	Send(b []byte) error
	Close() error
}
