package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/relay"
	"github.com/mwickert/elicit/internal/wire"
)

func (ctl *SignalWSController) handleRegister(c *wsSignalConn, data []byte) {
	var p wire.Register
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad register payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	role, err := domain.ParseRole(p.Role)
	if err != nil {
		ctl.sendError(c, "unknown role")
		return
	}
	if err := ctl.Hub.Register(p.UserID, role, p.Package, c); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	c.setUser(p.UserID)

	resp := struct {
		Type   wire.EventType `json:"type"`
		UserID domain.UserID  `json:"userId"`
	}{
		Type:   wire.EventRegistered,
		UserID: p.UserID,
	}
	if err := c.Send(resp); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("registered reply dropped")
	}
}

func (ctl *SignalWSController) handleHeartbeat(c *wsSignalConn, data []byte) {
	var p wire.Heartbeat
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad heartbeat payload")
		return
	}
	ctl.Hub.Heartbeat(c.user(), p.Package)
}

func (ctl *SignalWSController) handleStartSession(c *wsSignalConn, data []byte) {
	var p wire.StartSession
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad start_session payload")
		ctl.sendError(c, "bad_payload")
		return
	}

	// The session_started reply both sides wait on is emitted by the
	// hub itself once pairing succeeds.
	if _, err := ctl.Hub.StartSession(c.user(), p.ClientID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("evaluator", string(c.user())).Str("client", string(p.ClientID)).Msg("start_session refused")
		ctl.sendError(c, err.Error())
	}
}

func (ctl *SignalWSController) handleImageUpdate(c *wsSignalConn, data []byte) {
	var p wire.ImageUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad image_update payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := ctl.Hub.ForwardImageUpdate(c.user(), p); err != nil {
		if errors.Is(err, relay.ErrNoActiveSession) {
			ctl.sendError(c, "no active session")
			return
		}
		log.Error().Err(err).Str("module", "signal").Msg("image forward")
	}
}

func (ctl *SignalWSController) handleImageAck(c *wsSignalConn, data []byte) {
	var p wire.ImageAck
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad image_ack payload")
		return
	}
	if err := ctl.Hub.ForwardAck(c.user(), p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("ack forward")
	}
}

func (ctl *SignalWSController) handleEndSession(c *wsSignalConn) {
	ctl.Hub.EndSession(c.user())
}

func (ctl *SignalWSController) handleWebRTCSignal(c *wsSignalConn, data []byte) {
	var p wire.WebRTCSignal
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad webrtc_signal payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if err := ctl.Hub.ForwardSignal(c.user(), p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("target", string(p.TargetUserID)).Msg("signal forward")
	}
}
