package web

import (
	"context"
	"net/http"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server. status carries log lines for /status/stream,
// states carries display state for /ws.
func NewServer(addr string, status, states *StatusBroadcaster, ctrl Controller, maxRPM float64) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(status, states, ctrl, maxRPM),
	}
}

// Handlers exposes the handlers, e.g. to use PublishState as the control
// loop publisher.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handlers.HandleState)
	mux.HandleFunc("POST /text", s.handlers.HandleText)
	mux.HandleFunc("POST /home", s.handlers.HandleHome)
	mux.HandleFunc("POST /mode", s.handlers.HandleMode)
	mux.HandleFunc("POST /api/module/{index}/offset", s.handlers.HandleOffset)
	mux.HandleFunc("POST /api/module/{index}/test", s.handlers.HandleModuleTest)
	mux.HandleFunc("POST /api/test/{kind}", s.handlers.HandleTest)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /ws", s.handlers.HandleWebSocket)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
