package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleUpdates streams state snapshots over a WebSocket: one message on
// connect, then one per state version announced by the feed. Slow clients
// miss intermediate versions rather than stalling the core.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "updates feed not configured")
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	id, versions := s.feed.Subscribe(8)
	defer s.feed.Unsubscribe(id)

	ctx := r.Context()
	if err := s.pushSnapshot(ctx, c); err != nil {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case _, ok := <-versions:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if err := s.pushSnapshot(ctx, c); err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) pushSnapshot(ctx context.Context, c *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c, s.controller.StateSnapshot())
}
