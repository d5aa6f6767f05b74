package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/leofalp/agentcanvas/core/presence"
	"github.com/leofalp/agentcanvas/providers/observability"
)

// Frame types of the presence socket. Clients send update, heartbeat and
// leave; the server sends welcome, error and the broadcast types of
// presence.Message.
const (
	frameWelcome   = "welcome"
	frameUpdate    = "update"
	frameHeartbeat = "heartbeat"
	frameLeave     = "leave"
	frameError     = "error"
)

// clientFrame is a message read from a presence socket.
type clientFrame struct {
	Type  string         `json:"type"`
	Patch presence.Patch `json:"patch"`
}

// welcomeFrame is the first message of a presence socket.
type welcomeFrame struct {
	Type               string              `json:"type"`
	Self               presence.Presence   `json:"self"`
	Peers              []presence.Presence `json:"peers"`
	HeartbeatTimeoutMS int64               `json:"heartbeat_timeout_ms"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (s *Server) listPresence(c *gin.Context) {
	records, err := s.presence.List(c.Request.Context(), c.Param("session"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("session"), "clients": records})
}

// presenceWS joins the session in the path, relays peer messages to the
// socket and applies the client's patches. Closing the socket leaves the
// session.
func (s *Server) presenceWS(c *gin.Context) {
	sessionID := c.Param("session")
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	name, color := c.Query("name"), c.Query("color")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	attrs := []observability.Attribute{
		observability.String(observability.AttrSessionID, sessionID),
		observability.String(observability.AttrClientID, clientID),
	}

	messages, unsubscribe := s.presence.Subscribe(sessionID, clientID)
	defer unsubscribe()

	self, peers, err := s.presence.Join(ctx, sessionID, clientID, name, color)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(errorFrame{Type: frameError, Error: err.Error()})
		closeNormally(conn)
		return
	}
	defer func() {
		leaveCtx, cancelLeave := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
		defer cancelLeave()
		if err := s.presence.Leave(leaveCtx, sessionID, clientID); err != nil && s.observer != nil {
			s.observer.Warn(leaveCtx, "presence leave failed", append(attrs, observability.Error(err))...)
		}
	}()
	if s.observer != nil {
		s.observer.Debug(ctx, "presence socket joined", attrs...)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(welcomeFrame{
		Type:               frameWelcome,
		Self:               self,
		Peers:              peers,
		HeartbeatTimeoutMS: s.presence.HeartbeatTimeout().Milliseconds(),
	}); err != nil {
		return
	}

	replies := make(chan any, 8)
	go s.readPresence(ctx, cancel, conn, sessionID, clientID, name, color, replies)

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		var frame any
		select {
		case <-ctx.Done():
			closeNormally(conn)
			return
		case message, open := <-messages:
			if !open {
				return
			}
			frame = message
		case reply := <-replies:
			frame = reply
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// readPresence applies client frames until the socket closes or the client
// leaves. A client swept for missing heartbeats is joined again on its next
// frame.
func (s *Server) readPresence(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID, clientID, name, color string, replies chan<- any) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reply := func(err error) {
		select {
		case replies <- errorFrame{Type: frameError, Error: err.Error()}:
		case <-ctx.Done():
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			reply(err)
			continue
		}

		switch frame.Type {
		case frameLeave:
			return
		case frameHeartbeat:
			err = s.presence.Heartbeat(ctx, sessionID, clientID)
		case frameUpdate:
			_, err = s.presence.SetPresence(ctx, sessionID, clientID, frame.Patch)
		default:
			reply(errors.New("unknown frame type " + frame.Type))
			continue
		}

		if errors.Is(err, presence.ErrNotFound) {
			_, _, err = s.presence.Join(ctx, sessionID, clientID, name, color)
			if err == nil && frame.Type == frameUpdate {
				_, err = s.presence.SetPresence(ctx, sessionID, clientID, frame.Patch)
			}
		}
		if err != nil {
			reply(err)
		}
	}
}
