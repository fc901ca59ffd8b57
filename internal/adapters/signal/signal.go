// Package signal is the WebSocket adapter in front of the relay: one
// controller per server, one connection handler per client socket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/okorolev/Board/internal/app"
	"github.com/okorolev/Board/internal/core"
	"github.com/okorolev/Board/internal/domain"
	"github.com/okorolev/Board/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Relay     *app.Relay
	ReadLimit int64
}

func NewController(relay *app.Relay, readLimit int64) *Controller {
	return &Controller{Relay: relay, ReadLimit: readLimit}
}

// WsSignalConn is one client socket with its buffered delivery queue. It
// implements core.SignalConnection; TrySend never blocks.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, mints the connection id for this
// transport session and runs the pumps until the socket dies.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	id := domain.ConnectionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(id)).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	ctl.Relay.Bind(id, conn)

	// Tell the client its connection id before anything else happens.
	ctl.send(conn, protocol.SignalMessage{
		Type:         protocol.SignalConnected,
		ConnectionID: string(id),
	})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ctl.writePump(ctx, conn)
	}()
	go ctl.readPump(ctx, id, conn)
}
