package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var ErrSignalingClosed = errors.New("signaling connection closed")

// Signaling is the client side of the relay WebSocket. It demultiplexes the
// inbound stream into room snapshots, forwarded handshake messages and
// control acks, and owns the read/write pumps.
type Signaling struct {
	conn *websocket.Conn

	outgoing  chan *protocol.SignalMessage
	snapshots chan *protocol.RoomSnapshot
	forwards  chan protocol.SignalMessage
	control   chan protocol.SignalMessage

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay signaling endpoint, e.g.
// ws://host:8080/api/ws/signal.
func Dial(serverURL string) (*Signaling, error) {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	s := &Signaling{
		conn:      conn,
		outgoing:  make(chan *protocol.SignalMessage, 16),
		snapshots: make(chan *protocol.RoomSnapshot, 16),
		forwards:  make(chan protocol.SignalMessage, 64),
		control:   make(chan protocol.SignalMessage, 4),
		done:      make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.readPump()
	go s.writePump()
	return s, nil
}

// Snapshots streams room states in publish order. Closed when the
// connection dies.
func (s *Signaling) Snapshots() <-chan *protocol.RoomSnapshot { return s.snapshots }

// Forwards streams relayed offer/answer/candidate messages. Closed when the
// connection dies.
func (s *Signaling) Forwards() <-chan protocol.SignalMessage { return s.forwards }

// Hello waits for the relay to announce this client's connection id.
func (s *Signaling) Hello(ctx context.Context) (domain.ConnectionID, error) {
	msg, err := s.waitControl(ctx, protocol.SignalConnected)
	if err != nil {
		return "", err
	}
	return domain.ConnectionID(msg.ConnectionID), nil
}

// Join enters a room and waits for the ack carrying the first snapshot.
// A userKey from a previous session reuses that identity.
func (s *Signaling) Join(ctx context.Context, roomKey, username, userKey string) (*protocol.SignalMessage, error) {
	s.Send(&protocol.SignalMessage{
		Type:     protocol.SignalJoin,
		RoomKey:  roomKey,
		Username: username,
		UserKey:  userKey,
	})
	return s.waitControlErr(ctx, protocol.SignalJoined)
}

// Subscribe attaches to a room's snapshot stream without joining it.
func (s *Signaling) Subscribe(roomKey string) {
	s.Send(&protocol.SignalMessage{Type: protocol.SignalSubscribe, RoomKey: roomKey})
}

// SendSignal pushes one handshake message toward receiver through the relay.
func (s *Signaling) SendSignal(t protocol.SignalType, receiver domain.ConnectionID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	s.Send(&protocol.SignalMessage{
		Type:       t,
		ReceiverID: string(receiver),
		Payload:    raw,
	})
	return nil
}

// Send queues msg for the write pump. Dropped if the connection is closed.
func (s *Signaling) Send(msg *protocol.SignalMessage) {
	select {
	case s.outgoing <- msg:
	case <-s.done:
	}
}

func (s *Signaling) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Signaling) readPump() {
	defer func() {
		_ = s.conn.Close()
		close(s.snapshots)
		close(s.forwards)
	}()

	for {
		var msg protocol.SignalMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			log.Info().Err(err).Str("module", "client.signaling").Msg("read pump closing")
			return
		}
		switch msg.Type {
		case protocol.SignalRoom:
			select {
			case s.snapshots <- msg.Room:
			case <-s.done:
				return
			}
		case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalCandidate:
			select {
			case s.forwards <- msg:
			case <-s.done:
				return
			}
		case protocol.SignalConnected, protocol.SignalJoined, protocol.SignalError:
			select {
			case s.control <- msg:
			default:
				log.Warn().Str("module", "client.signaling").Str("type", string(msg.Type)).Msg("control message dropped")
			}
		case protocol.SignalPong:
		default:
			log.Warn().Str("module", "client.signaling").Str("type", string(msg.Type)).Msg("unknown message")
		}
	}
}

func (s *Signaling) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				log.Error().Err(err).Str("module", "client.signaling").Msg("write pump error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Signaling) waitControl(ctx context.Context, want protocol.SignalType) (*protocol.SignalMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSignalingClosed
		case msg := <-s.control:
			if msg.Type == want {
				return &msg, nil
			}
			log.Debug().Str("module", "client.signaling").Str("type", string(msg.Type)).Msg("skipping control message")
		}
	}
}

func (s *Signaling) waitControlErr(ctx context.Context, want protocol.SignalType) (*protocol.SignalMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSignalingClosed
		case msg := <-s.control:
			switch msg.Type {
			case want:
				return &msg, nil
			case protocol.SignalError:
				return nil, errors.New(msg.Error)
			default:
				log.Debug().Str("module", "client.signaling").Str("type", string(msg.Type)).Msg("skipping control message")
			}
		}
	}
}
