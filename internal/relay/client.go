package relay

import (
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/atlasnote/livesync/pkg/hubproto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// client is one hub socket. Rooms are tracked by id so a disconnect can
// leave all of them.
type client struct {
	id     string
	userID string
	conn   *ws.Conn
	send   chan []byte

	// guarded by Server.mu
	maps     map[string]string // mapId -> userId
	sessions map[string]bool
	closed   bool // send is closed
	gone     bool // rooms left
}

func (c *client) readPump(s *Server) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				s.logger.Debug("Relay socket read failed", "client", c.id, "error", err)
			}
			return
		}
		s.handleFrame(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(ws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) complete(s *Server, invocationID string, err error) {
	comp := hubproto.Completion{InvocationID: invocationID}
	if err != nil {
		comp.Error = err.Error()
	}
	data, merr := hubproto.MarshalEnvelope(hubproto.TypeCompletion, comp)
	if merr != nil {
		s.logger.Error("Marshalling completion failed", "error", merr)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(c, data)
}
