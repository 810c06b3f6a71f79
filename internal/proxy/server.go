// Package proxy accepts PostgreSQL client connections, drives each through
// the session state machine, and relays traffic to pooled backends.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgfunnel/pgfunnel/internal/config"
	"github.com/pgfunnel/pgfunnel/internal/metrics"
	"github.com/pgfunnel/pgfunnel/internal/pool"
)

// Server is the client-facing TCP listener.
type Server struct {
	pool     *pool.Pool
	settings *config.Store
	metrics  *metrics.Collector

	clientTLS     *tls.Config
	clientTLSMode string

	listener net.Listener
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[*Session]struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy server. The client-side TLS material is loaded
// eagerly so misconfiguration fails at startup, not at the first SSLRequest.
func NewServer(cfg *config.Config, p *pool.Pool, st *config.Store, m *metrics.Collector) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pool:          p,
		settings:      st,
		metrics:       m,
		clientTLSMode: cfg.ClientTLSMode,
		sessions:      make(map[*Session]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	if cfg.ClientTLSMode != config.TLSDisable {
		tlsCfg, err := clientTLSConfig(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		s.clientTLS = tlsCfg
		log.Printf("[proxy] client TLS enabled (mode: %s, cert: %s)", cfg.ClientTLSMode, cfg.ClientTLSCertFile)
	}

	return s, nil
}

func clientTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientTLSCertFile, cfg.ClientTLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client TLS keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientTLSMode == config.TLSVerifyCA || cfg.ClientTLSMode == config.TLSVerifyFull {
		pem, err := os.ReadFile(cfg.ClientTLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.ClientTLSCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// Listen binds the acceptor and starts serving.
func (s *Server) Listen(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	log.Printf("[proxy] listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	if s.settings.Load().ClientIdleTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.idleSweepLoop()
		}()
	}

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error: %v", err)
				continue
			}
		}

		sess := newSession(s.nextID.Add(1), conn, s)
		s.track(sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			sess.run(s.ctx)
		}()
	}
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
}

// SessionCount returns the number of live client sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// idleSweepLoop closes sessions idle longer than client_idle_timeout.
func (s *Server) idleSweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timeout := s.settings.Load().ClientIdleTimeout
			if timeout <= 0 {
				continue
			}
			s.mu.Lock()
			var stale []*Session
			for sess := range s.sessions {
				if sess.idleLongerThan(timeout) {
					stale = append(stale, sess)
				}
			}
			s.mu.Unlock()
			for _, sess := range stale {
				log.Printf("[proxy] closing idle session %s", sess.name())
				sess.closeConn()
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop shuts down the acceptor and every live session.
func (s *Server) Stop() {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.closeConn()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[proxy] server stopped")
}
