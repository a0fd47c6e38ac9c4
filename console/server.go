// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nabu-platform/triton/lib/clock"
	"github.com/nabu-platform/triton/script"
)

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	// Name is the agent display name returned by "Fetch-Meta: name".
	Name string

	// PlainPort is the plaintext listener port; zero or negative
	// disables the plaintext listener.
	PlainPort int

	// SecurePort is the TLS listener port; zero or negative disables
	// the TLS listener.
	SecurePort int

	// ClientAuth requires TLS peers to present a client certificate.
	// Without it, TLS peers are subject to the same local-address
	// admission check as plaintext peers.
	ClientAuth bool

	// MaxSessions bounds the worker pool. Pool exhaustion blocks the
	// accept loops until a session ends.
	MaxSessions int

	// SessionTimeout is the idle threshold measured against a
	// transport's last read. ReapInterval is how often the reaper
	// wakes to check.
	SessionTimeout time.Duration
	ReapInterval   time.Duration

	Runtime script.Runtime

	// TLSConfig produces the listener's TLS configuration. Called on
	// every (re)bind of the secure listener so trust-store changes
	// take effect on restart. Required when SecurePort is set.
	TLSConfig func() (*tls.Config, error)

	// Identify maps a TLS peer's certificate chain to an identity
	// alias, or "" when the chain is not trusted. Untrusted peers
	// still get a session, just an anonymous one.
	Identify func(chain []*x509.Certificate) string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Server owns the console listeners, the live-session registry, and
// the idle reaper.
type Server struct {
	name           string
	plainPort      int
	securePort     int
	clientAuth     bool
	sessionTimeout time.Duration
	reapInterval   time.Duration

	runtime   script.Runtime
	tlsConfig func() (*tls.Config, error)
	identify  func(chain []*x509.Certificate) string
	logger    *slog.Logger
	clock     clock.Clock

	slots chan struct{}
	wg    sync.WaitGroup
	stop  chan struct{}

	mu             sync.Mutex
	running        bool
	nextID         int64
	sessions       map[int64]*Session
	plainListener  net.Listener
	secureListener net.Listener
	secureDone     chan struct{}
}

// NewServer creates a console server. It does not listen until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("a script runtime is required")
	}
	if cfg.SecurePort > 0 && cfg.TLSConfig == nil {
		return nil, fmt.Errorf("a TLS configuration source is required for the secure listener")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	identify := cfg.Identify
	if identify == nil {
		identify = func([]*x509.Certificate) string { return "" }
	}
	return &Server{
		name:           cfg.Name,
		plainPort:      cfg.PlainPort,
		securePort:     cfg.SecurePort,
		clientAuth:     cfg.ClientAuth,
		sessionTimeout: cfg.SessionTimeout,
		reapInterval:   cfg.ReapInterval,
		runtime:        cfg.Runtime,
		tlsConfig:      cfg.TLSConfig,
		identify:       identify,
		logger:         logger,
		clock:          clk,
		slots:          make(chan struct{}, cfg.MaxSessions),
		stop:           make(chan struct{}),
		sessions:       make(map[int64]*Session),
	}, nil
}

// Start binds the listeners and starts the idle reaper. The warm-up
// statement runs first, synchronously, so the script runtime is primed
// before the first caller connects.
func (s *Server) Start(ctx context.Context) error {
	s.warmUp(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("console server already started")
	}
	s.running = true

	if s.plainPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.plainPort))
		if err != nil {
			return fmt.Errorf("binding plaintext listener: %w", err)
		}
		s.plainListener = listener
		s.wg.Add(1)
		go s.servePlain(ctx, listener)
		s.logger.Info("console listening", "port", s.plainPort, "tls", false)
	}

	if s.securePort > 0 {
		if err := s.startSecureLocked(ctx); err != nil {
			return err
		}
	}

	if s.sessionTimeout > 0 && s.reapInterval > 0 {
		s.wg.Add(1)
		go s.reap()
	}
	return nil
}

// Stop closes the listeners and all live sessions and waits for the
// accept loops and workers to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	if s.plainListener != nil {
		s.plainListener.Close()
	}
	if s.secureListener != nil {
		s.secureListener.Close()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Abort()
	}
	s.wg.Wait()
}

// RestartSecure rebinds the TLS listener, picking up trust-store and
// key changes. Callers tolerate a brief connection-refused window.
func (s *Server) RestartSecure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.securePort <= 0 {
		return nil
	}
	if s.secureListener != nil {
		s.secureListener.Close()
		done := s.secureDone
		// the prior accept loop must exit before rebinding the port
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	return s.startSecureLocked(ctx)
}

func (s *Server) startSecureLocked(ctx context.Context) error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return fmt.Errorf("loading TLS configuration: %w", err)
	}
	if s.clientAuth {
		tlsCfg.ClientAuth = tls.RequireAnyClientCert
	}
	listener, err := tls.Listen("tcp", fmt.Sprintf(":%d", s.securePort), tlsCfg)
	if err != nil {
		return fmt.Errorf("binding TLS listener: %w", err)
	}
	s.secureListener = listener
	s.secureDone = make(chan struct{})
	s.wg.Add(1)
	go s.serveSecure(ctx, listener, s.secureDone)
	s.logger.Info("console listening", "port", s.securePort, "tls", true, "clientAuth", s.clientAuth)
	return nil
}

func (s *Server) servePlain(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isRunning() {
				s.logger.Error("console plaintext listener stopped", "error", err)
			}
			return
		}
		// no authentication on this port, so the peer must be local
		if !isLocalAddr(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		s.admit(ctx, NewTransport(conn, s.clock.Now()), "admin")
	}
}

func (s *Server) serveSecure(ctx context.Context, listener net.Listener, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isRunning() {
				s.logger.Debug("console TLS listener stopped", "error", err)
			}
			return
		}
		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.logger.Debug("TLS handshake failed", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}
		transport := NewTransport(conn, s.clock.Now())
		chain := transport.PeerChain()
		if len(chain) == 0 {
			if s.clientAuth || !isLocalAddr(conn.RemoteAddr()) {
				transport.Close()
				continue
			}
			s.admit(ctx, transport, "admin")
			continue
		}
		// trust determines identity, not admission
		s.admit(ctx, transport, s.identify(chain))
	}
}

// admit blocks for a worker slot, registers the session, and runs its
// loop on a worker goroutine.
func (s *Server) admit(ctx context.Context, transport *Transport, identity string) {
	select {
	case s.slots <- struct{}{}:
	case <-s.stop:
		transport.Close()
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	session := newSession(s, id, transport, identity)
	s.sessions[id] = session
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		defer s.remove(session)
		session.run(ctx)
	}()
}

func (s *Server) remove(session *Session) {
	session.Abort()
	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()
}

// reap wakes on the configured interval and force-closes sessions
// whose last read is older than the session timeout.
func (s *Server) reap() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// measure against the clock, not the tick value: ticks
			// coalesce under load and would undercount idle time
			now := s.clock.Now()
			for _, session := range s.Sessions() {
				if now.Sub(session.transport.LastRead()) > s.sessionTimeout {
					s.logger.Info("disconnecting inactive console", "session", session.id)
					session.Abort()
				}
			}
		}
	}
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Disconnect aborts the session with the given id. It reports whether
// the session existed.
func (s *Server) Disconnect(id int64) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		session.Abort()
	}
	return ok
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// warmUp primes the script runtime with one throwaway statement, since
// some callables do expensive initialization on first use.
func (s *Server) warmUp(ctx context.Context) {
	var output strings.Builder
	env := s.runtime.NewEnvironment()
	err := env.Execute(ctx, `console("Warm-up complete")`, script.NewExecIO(&output, nil, nil))
	if err != nil {
		s.logger.Warn("script runtime warm-up failed", "error", err)
		return
	}
	s.logger.Debug("script runtime warmed up", "output", strings.TrimSpace(output.String()))
}

// isLocalAddr reports whether addr belongs to this machine: loopback,
// unspecified, or an address assigned to a local interface.
func isLocalAddr(addr net.Addr) bool {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		// non-IP transports (unix sockets, in-memory pipes) are local
		// by construction
		return true
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, candidate := range addrs {
		if ipNet, ok := candidate.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
