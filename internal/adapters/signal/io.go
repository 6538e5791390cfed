package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/wire"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(c.user())).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("user", string(c.user())).Msg("readPump read error")
				return
			}
			ctl.dispatch(c, data)
		}
	}
}

func (ctl *SignalWSController) dispatch(c *wsSignalConn, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	uid := c.user()
	if env.Type != wire.EventRegister && uid == "" {
		ctl.sendError(c, "register first")
		return
	}
	if uid != "" && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("rate limited")
		return
	}

	switch env.Type {
	case wire.EventRegister:
		ctl.handleRegister(c, data)
	case wire.EventHeartbeat:
		ctl.handleHeartbeat(c, data)
	case wire.EventStartSession:
		ctl.handleStartSession(c, data)
	case wire.EventImageUpdate:
		ctl.handleImageUpdate(c, data)
	case wire.EventImageAck:
		ctl.handleImageAck(c, data)
	case wire.EventEndSession:
		ctl.handleEndSession(c)
	case wire.EventWebRTCSignal:
		ctl.handleWebRTCSignal(c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown event")
	}
}
