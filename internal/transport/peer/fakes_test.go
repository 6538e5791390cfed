package peer

import (
	"sync"

	"github.com/mwickert/elicit/internal/wire"
)

// fakeLink records handshake calls so tests can drive the machine
// without ICE or SCTP.
type fakeLink struct {
	mu         sync.Mutex
	added      []wire.ICECandidate
	addErr     error
	localKind  wire.SignalKind
	localSDP   string
	remoteKind wire.SignalKind
	remoteSDP  string
	onICE      func(wire.ICECandidate)
	onChannel  func(DataChannel)
	created    *fakeChannel
	closed     bool
}

func (l *fakeLink) CreateDataChannel(label string) (DataChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = &fakeChannel{label: label}
	return l.created, nil
}

func (l *fakeLink) CreateOffer() (string, error)  { return "offer-sdp", nil }
func (l *fakeLink) CreateAnswer() (string, error) { return "answer-sdp", nil }

func (l *fakeLink) SetLocalDescription(kind wire.SignalKind, sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localKind, l.localSDP = kind, sdp
	return nil
}

func (l *fakeLink) SetRemoteDescription(kind wire.SignalKind, sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteKind, l.remoteSDP = kind, sdp
	return nil
}

func (l *fakeLink) AddICECandidate(c wire.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addErr != nil {
		return l.addErr
	}
	l.added = append(l.added, c)
	return nil
}

func (l *fakeLink) addedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.added)
}

func (l *fakeLink) OnICECandidate(fn func(wire.ICECandidate)) { l.onICE = fn }
func (l *fakeLink) OnDataChannel(fn func(DataChannel))        { l.onChannel = fn }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// fakeChannel delivers sends synchronously to its wired peer channel.
type fakeChannel struct {
	label string

	mu        sync.Mutex
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	sent      [][]byte
	sendErr   error
	peer      *fakeChannel
	closed    bool
}

func (c *fakeChannel) OnOpen(fn func())          { c.mu.Lock(); c.onOpen = fn; c.mu.Unlock() }
func (c *fakeChannel) OnMessage(fn func([]byte)) { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }
func (c *fakeChannel) OnClose(fn func())         { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }

func (c *fakeChannel) Send(b []byte) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, b)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.deliver(b)
	}
	return nil
}

func (c *fakeChannel) deliver(b []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (c *fakeChannel) fireOpen() {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClose
	peer := c.peer
	c.mu.Unlock()

	// The real data channel fires close callbacks from its own
	// goroutine; the adapter relies on that, holding its mutex across
	// Close during teardown.
	go func() {
		if fn != nil {
			fn()
		}
		if peer != nil {
			peer.mu.Lock()
			pfn := peer.onClose
			alreadyClosed := peer.closed
			peer.closed = true
			peer.mu.Unlock()
			if pfn != nil && !alreadyClosed {
				pfn()
			}
		}
	}()
	return nil
}
