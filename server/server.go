// Package server exposes the job manager over HTTP: JSON endpoints for
// submit, status, logs, cancel and list, and WebSocket and Server-Sent
// Events streams of job snapshots.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/fanout"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
)

// maxBodyBytes bounds submit bodies.
const maxBodyBytes = 1 << 20

// Manager is the job manager API served over HTTP.
type Manager interface {
	Submit(ctx context.Context, agentID, requesterID string, config json.RawMessage) (string, error)
	GetStatus(ctx context.Context, jobID string) (*deployment.Job, error)
	GetLogs(ctx context.Context, jobID string) (string, error)
	Cancel(ctx context.Context, jobID string) (*deployment.Job, error)
	Subscribe(ctx context.Context, jobID string) (*fanout.Subscription, error)
	List(ctx context.Context, filter jobstore.ListFilter) ([]*deployment.Job, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr string
	// AllowedOrigins are the browser origins accepted for CORS and
	// WebSocket upgrades. Requests without an Origin header are always
	// accepted. "*" allows any origin.
	AllowedOrigins []string
	// PingInterval is the WebSocket keepalive period.
	PingInterval time.Duration
}

// Server is the agentdeploy HTTP API.
type Server struct {
	mgr      Manager
	opts     Options
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
	started  time.Time

	httpServer *http.Server
}

// New creates a server. Call Handler for tests or ListenAndServe to run it.
func New(mgr Manager, opts Options, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	s := &Server{
		mgr:     mgr,
		opts:    opts,
		logger:  log,
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.opts.Addr)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.AddStartSymbol(s.logger).Infow("HTTP server listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.AddStopSymbol(s.logger).Warnw("HTTP server shutdown incomplete", "error", err)
		s.httpServer.Close()
		return nil
	}
	logger.AddStopSymbol(s.logger).Infow("HTTP server stopped")
	return nil
}
