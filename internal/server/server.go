// Package server exposes the chat service over HTTP and websocket.
package server

import (
	"chatline/internal/auth"
	"chatline/internal/chat"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	registry      *chat.Registry
	ws            *wsHandler
	afterShutdown []func()
	h             handler
}

// NewServer returns new Server struct serving svc to clients authenticated by resolver
func NewServer(logger *zap.SugaredLogger, svc *chat.Service, resolver *auth.Resolver, opts ...Option) (*Server, error) {
	if svc == nil || resolver == nil {
		return nil, errors.New("server: chat service and auth resolver are required")
	}

	srv := &Server{
		logger:   logger,
		registry: svc.Registry(),
		h: handler{
			logger:   logger,
			svc:      svc,
			resolver: resolver,
		},
	}

	cfg := &config{
		httpServer: &http.Server{},
		ws:         defaultWSConfig,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	srv.ws = newWSHandler(logger, svc, cfg.ws)

	authed := func(f http.HandlerFunc) http.Handler {
		return enforcePOSTJSON(authenticate(f, resolver))
	}
	cfg.handlers = map[string]http.Handler{
		"/users/add":                enforcePOSTJSON(http.HandlerFunc(srv.h.createUser)),
		"/users/me":                 authed(srv.h.me),
		"/users/find":               authed(srv.h.findUser),
		"/groups/add":               authed(srv.h.createGroup),
		"/friends/requests/add":     authed(srv.h.createFriendRequest),
		"/friends/requests/respond": authed(srv.h.respondFriendRequest),
		"/friends/requests/get":     authed(srv.h.pendingFriendRequests),
		"/ws":                       authenticate(srv.ws, resolver),
	}
	for _, opt := range []Option{applyLog(logger.Desugar()), registerHandlers()} {
		opt.apply(cfg)
	}

	srv.httpServer = cfg.httpServer
	srv.afterShutdown = cfg.afterShutdown

	return srv, nil
}

// Handler returns root http.Handler with every endpoint registered
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}

// Shutdown stops accepting requests, closes every websocket session and waits for their teardown
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	// hijacked websocket connections are not tracked by http.Server
	err := s.httpServer.Shutdown(ctx)

	s.ws.stop()
	s.logger.Infof("Closing %d websocket sessions", s.registry.SessionCount())
	s.registry.CloseAll()
	if werr := s.ws.wait(ctx); werr != nil && err == nil {
		err = fmt.Errorf("waiting for websocket sessions: %w", werr)
	}

	s.logger.Info("HTTP server is stopped")

	return err
}
