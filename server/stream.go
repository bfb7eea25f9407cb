package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/fanout"
	"github.com/teranos/agentdeploy/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size accepted from the peer; clients only send control frames
	maxMessageSize = 4096
)

// HandleWebSocket streams job snapshots over a WebSocket: the current
// snapshot first, then every committed change, then a normal close after
// the terminal snapshot.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	// Subscribe before upgrading so unknown jobs get a plain 404.
	sub, err := s.mgr.Subscribe(r.Context(), jobID)
	if err != nil {
		s.writeErrorFrom(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r).Warnw("WebSocket upgrade failed", logger.FieldJobID, jobID, "error", err)
		return
	}
	defer conn.Close()

	log := s.requestLogger(r).With(logger.FieldJobID, shortID(jobID))
	logger.AddFeedSymbol(log).Debugw("WebSocket subscriber connected")

	gone := s.readPump(conn)
	s.writePump(r.Context(), conn, sub, gone)
	logger.AddFeedSymbol(log).Debugw("WebSocket subscriber disconnected")
}

// readPump discards client messages and keeps the read deadline moving on
// pongs. The returned channel closes when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	pongWait := s.opts.PingInterval * 2
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseAbnormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					s.logger.Debugw("WebSocket read error", "error", err)
				}
				return
			}
		}
	}()
	return gone
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub *fanout.Subscription, gone <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-gone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case job, ok := <-sub.C():
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "stream ended")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(job); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// HandleEvents streams job snapshots as Server-Sent Events. Each snapshot is
// a "snapshot" event whose id is the job version; the stream ends with a
// "done" event after the terminal snapshot.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	sub, err := s.mgr.Subscribe(r.Context(), jobID)
	if err != nil {
		s.writeErrorFrom(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.requestLogger(r).Warnw("SSE not supported by response writer", "error", err)
		return
	}

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	var last *deployment.Job
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case job, ok := <-sub.C():
			if !ok {
				status := ""
				if last != nil {
					status = string(last.Status)
				}
				fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", status)
				rc.Flush()
				return
			}
			last = job
			data, err := json.Marshal(job)
			if err != nil {
				s.requestLogger(r).Errorw("Failed to encode snapshot", logger.FieldJobID, jobID, "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", job.Version, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
