package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/providers/observability"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// errLogExpired is returned for executions whose event log was evicted;
// their final state is still available from the snapshot.
var errLogExpired = errors.New("event log expired, fetch the execution snapshot instead")

// afterSeq reads the resume cursor from ?after= or the Last-Event-ID
// header. The query parameter wins.
func afterSeq(c *gin.Context) (uint64, error) {
	raw := c.Query("after")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resume cursor %q: %w", raw, err)
	}
	return seq, nil
}

// subscribe opens the event stream of the execution in the path. It writes
// the error response itself and returns false on failure.
func (s *Server) subscribe(c *gin.Context) (<-chan stream.Event, bool) {
	after, err := afterSeq(c)
	if err != nil {
		abortWithStatus(c, http.StatusBadRequest, err)
		return nil, false
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	events, err := s.engine.Subscribe(ctx, id, after)
	if errors.Is(err, engine.ErrExecutionNotFound) {
		if _, getErr := s.engine.Get(ctx, id); getErr == nil {
			abortWithStatus(c, http.StatusGone, errLogExpired)
			return nil, false
		}
	}
	if err != nil {
		abort(c, err)
		return nil, false
	}
	if s.observer != nil {
		s.observer.Debug(ctx, "event stream opened",
			observability.String(observability.AttrExecutionID, id),
			observability.Int64(observability.AttrStreamAfterSeq, int64(after)),
		)
	}
	return events, true
}

// streamEvents writes the execution's events as Server-Sent Events until
// the final event, then ends the response.
func (s *Server) streamEvents(c *gin.Context) {
	events, ok := s.subscribe(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := stream.WriteSSE(c.Writer, event); err != nil {
				_ = c.Error(err)
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// streamEventsWS sends the execution's events as JSON text frames and
// closes the socket normally after the final event.
func (s *Server) streamEventsWS(c *gin.Context) {
	events, ok := s.subscribe(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go drain(conn, cancel)

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				closeNormally(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain reads and discards frames so control messages are processed, and
// cancels when the peer goes away.
func drain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
}
