package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

// SignalWSController bridges relay-socket connections to the Hub.
type SignalWSController struct {
	Hub     *relay.Hub
	Limiter *MessageRateLimiter
}

func NewSignalWSController(hub *relay.Hub) *SignalWSController {
	return &SignalWSController{
		Hub:     hub,
		Limiter: NewMessageRateLimiter(200, limiterWindow),
	}
}

// wsSignalConn is one party's socket plus its outbound queue. It
// implements relay.Conn so the hub can route to it.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	// userID is set once the register event lands; empty until then.
	userID domain.UserID
}

func (c *wsSignalConn) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.trySend(b)
}

func (c *wsSignalConn) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsSignalConn) setUser(id domain.UserID) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *wsSignalConn) user() domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades one relay-socket connection and runs its pumps
// until the socket dies or ctx is cancelled.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	log.Info().Str("module", "signal").Str("remote", ws.RemoteAddr().String()).Msg("new relay connection")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ctl.writePump(ctx, conn)
	ctl.readPump(ctx, conn)

	if uid := conn.user(); uid != "" {
		// Scoped to this socket: if the identity re-registered on a
		// fresh one, the hub keeps that registration.
		ctl.Hub.Disconnect(uid, conn)
	}
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, msg string) {
	if err := c.Send(map[string]any{"type": "error", "error": msg}); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("error reply dropped")
	}
}
