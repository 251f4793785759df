// Package server implements the TCP connection acceptor and the
// per-connection mail protocol sessions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hmontel/mailhub-lite/internal/metrics"
	"github.com/hmontel/mailhub-lite/internal/registry"
	"github.com/hmontel/mailhub-lite/internal/relay"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// queueBacklog is how many accepted connections may wait for a free worker.
// The accept loop keeps accepting while the queue has room.
const queueBacklog = 128

// defaultWorkers is the worker pool size when none is configured.
const defaultWorkers = 10

// defaultIdleTimeout bounds how long a session may sit idle between messages.
const defaultIdleTimeout = 5 * time.Minute

// EventSink receives one human-readable line per notable server event
// (connect, disconnect, delivery, deletion, error). The graphical shell
// plugs its log panel in here; the default sink forwards to slog.
type EventSink func(text string)

// ServerConfig holds the configuration for a mail server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8189").
	ListenAddr string

	// Registry is the shared user/mailbox state.
	Registry *registry.Registry

	// Relay optionally forwards every accepted email. May be nil.
	Relay relay.Provider

	// Workers is the session worker pool size. Defaults to 10.
	Workers int

	// IdleTimeout bounds per-connection read idleness. Defaults to 5m.
	IdleTimeout time.Duration

	// Sink receives notable-event lines. Defaults to slog forwarding.
	Sink EventSink
}

// Server accepts client connections and hands each one to a fixed-size
// worker pool of session handlers. Only one Server runs per process.
type Server struct {
	config ServerConfig
	queue  chan net.Conn

	listenerMu sync.Mutex
	listener   net.Listener

	// workersWg tracks pool workers; each worker runs sessions to
	// completion, so waiting on it drains in-flight sessions too.
	workersWg sync.WaitGroup

	sessionsMu sync.RWMutex
	sessions   map[*Session]struct{}
}

// New creates a new Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = func(text string) { slog.Info(text) }
	}

	return &Server{
		config:   cfg,
		queue:    make(chan net.Conn, queueBacklog),
		sessions: make(map[*Session]struct{}),
	}
}

// ListenAndServe starts the server and blocks until the context is
// cancelled. On cancellation it stops accepting, lets queued and in-flight
// sessions drain, and waits up to 30 seconds before giving up on them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	slog.Info("mail server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.Workers,
		"relay", relayName(s.config.Relay),
	)
	s.config.Sink("Server started, waiting for clients...")

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(ctx)
	}

	// Monitor context for shutdown.
	go func() {
		<-ctx.Done()
		slog.Info("shutting down mail server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown.
				close(s.queue)
				s.closeActiveSessions()
				s.waitForWorkers()
				s.config.Sink("Server stopped.")
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		metrics.ConnectionsTotal.Inc()
		s.config.Sink("Client connected.")
		s.queue <- conn
	}
}

// worker serves queued connections one at a time until the queue closes.
func (s *Server) worker(ctx context.Context) {
	defer s.workersWg.Done()
	for conn := range s.queue {
		// Connections still queued when shutdown starts are dropped, not served.
		select {
		case <-ctx.Done():
			conn.Close()
			continue
		default:
		}

		session := NewSession(conn, s.config.Registry, s.config.Relay, s.config.Sink, s.config.IdleTimeout)
		s.addSession(session)
		metrics.ConnectionsCurrent.Inc()

		session.Handle(ctx)

		metrics.ConnectionsCurrent.Dec()
		s.removeSession(session)
	}
}

// waitForWorkers waits for the pool to drain in-flight sessions, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForWorkers() {
	done := make(chan struct{})
	go func() {
		s.workersWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
		s.closeActiveSessions()
	}
}

func (s *Server) addSession(session *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[session] = struct{}{}
}

func (s *Server) removeSession(session *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, session)
}

func (s *Server) closeActiveSessions() {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for session := range s.sessions {
		session.conn.Close()
	}
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func relayName(p relay.Provider) string {
	if p == nil {
		return "disabled"
	}
	return p.Name()
}
