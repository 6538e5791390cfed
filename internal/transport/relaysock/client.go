// Package relaysock is the client side of the relay socket: a gorilla
// websocket with registration, dispatch and reconnect. The relayed and
// peer adapters both ride on it.
package relaysock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/wire"
)

const reconnectDelay = time.Second

// Handler receives every inbound event after envelope decode.
type Handler func(evt wire.EventType, data []byte)

type Client struct {
	url string
	reg wire.Register

	handler     Handler
	onReconnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// Dial connects, registers and starts the read loop. The handler runs
// on the read goroutine; reconnects re-register before any dispatch
// resumes, otherwise the relay cannot route back to this identity.
func Dial(ctx context.Context, url string, reg wire.Register, handler Handler, onReconnect func()) (*Client, error) {
	reg.Type = wire.EventRegister
	c := &Client{
		url:         url,
		reg:         reg,
		handler:     handler,
		onReconnect: onReconnect,
		done:        make(chan struct{}),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn
	if err := c.Send(c.reg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay socket is down")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// StartHeartbeat refreshes this identity's presence entry at the relay
// every period until Close. A period of zero disables it.
func (c *Client) StartHeartbeat(period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				hb := wire.Heartbeat{Type: wire.EventHeartbeat, Package: c.reg.Package}
				if err := c.Send(hb); err != nil {
					log.Warn().Err(err).Str("module", "relaysock").Msg("heartbeat send failed")
				}
			}
		}
	}()
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			log.Warn().Err(err).Str("module", "relaysock").Msg("read error, reconnecting")
			if !c.reconnect() {
				return
			}
			continue
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "relaysock").Msg("bad json")
			continue
		}
		c.handler(env.Type, data)
	}
}

// reconnect redials until it succeeds or Close is called. Registration
// is replayed on every new socket before the loop resumes.
func (c *Client) reconnect() bool {
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(reconnectDelay):
		}

		if c.onReconnect != nil {
			c.onReconnect()
		}
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "relaysock").Msg("reconnect dial failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if err := c.Send(c.reg); err != nil {
			log.Warn().Err(err).Str("module", "relaysock").Msg("re-register failed")
			_ = conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			continue
		}
		log.Info().Str("module", "relaysock").Str("user", string(c.reg.UserID)).Msg("reconnected and re-registered")
		return true
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
