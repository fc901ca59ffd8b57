package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
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

func (ctl *Controller) readPump(ctx context.Context, id domain.ConnectionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Relay.Disconnect(id)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(id, c, data)
		}
	}
}

func (ctl *Controller) handleSignal(id domain.ConnectionID, c *WsSignalConn, data []byte) {
	var msg protocol.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch msg.Type {
	case protocol.SignalJoin:
		ctl.handleJoin(id, c, msg)
	case protocol.SignalSubscribe:
		ctl.handleSubscribe(id, c, msg)
	case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalCandidate:
		ctl.Relay.Forward(msg.Type, id, domain.ConnectionID(msg.ReceiverID), msg.Payload)
	case protocol.SignalPing:
		ctl.send(c, protocol.SignalMessage{Type: protocol.SignalPong})
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

func (ctl *Controller) handleJoin(id domain.ConnectionID, c *WsSignalConn, msg protocol.SignalMessage) {
	if msg.RoomKey == "" {
		ctl.sendError(c, "join: roomKey required")
		return
	}
	user, snap, err := ctl.Relay.Join(
		id,
		domain.RoomKey(msg.RoomKey),
		msg.Username,
		domain.UserKey(msg.UserKey),
	)
	if err != nil {
		if errors.Is(err, domain.ErrUsernameEmpty) || errors.Is(err, domain.ErrUsernameTooLong) {
			ctl.sendError(c, err.Error())
			return
		}
		log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("join failed")
		ctl.sendError(c, "join failed")
		return
	}
	ctl.send(c, protocol.SignalMessage{
		Type:         protocol.SignalJoined,
		RoomKey:      msg.RoomKey,
		ConnectionID: string(id),
		Username:     user.Username,
		UserKey:      string(user.Key),
		Room:         snap,
	})
}

func (ctl *Controller) handleSubscribe(id domain.ConnectionID, c *WsSignalConn, msg protocol.SignalMessage) {
	if msg.RoomKey == "" {
		ctl.sendError(c, "subscribe: roomKey required")
		return
	}
	ctl.Relay.Subscribe(id, domain.RoomKey(msg.RoomKey))
}

func (ctl *Controller) send(c *WsSignalConn, v protocol.SignalMessage) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *WsSignalConn, text string) {
	ctl.send(c, protocol.SignalMessage{Type: protocol.SignalError, Error: text})
}
