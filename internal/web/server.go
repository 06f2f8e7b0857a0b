package web

import (
	"context"
	"net/http"
	"time"

	"github.com/cjeanneret/FilterGo/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /select", s.handlers.HandleSelect)
	mux.HandleFunc("POST /select/raw", s.handlers.HandleSelectRaw)
	mux.HandleFunc("POST /light", s.handlers.HandleLight)
	mux.HandleFunc("POST /selftest", s.handlers.HandleSelfTest)
	mux.HandleFunc("GET /selftest", s.handlers.HandleSelfTestReport)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /diagnostics", s.handlers.HandleDiagnostics)
	mux.HandleFunc("GET /params", s.handlers.HandleParams)
	mux.HandleFunc("PUT /params/{code}", s.handlers.HandleSetParam)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
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
