package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgfunnel/pgfunnel/internal/config"
	"github.com/pgfunnel/pgfunnel/internal/pool"
	"github.com/pgfunnel/pgfunnel/internal/wire"
)

// State is a client session's lifecycle state.
type State int

const (
	StateNew State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const maxSSLAttempts = 3

// Session is the per-client state machine. All fields are owned by the
// session's goroutine; only lastActivity and the connection pointer are
// read from outside (idle sweep, Stop).
type Session struct {
	id     uint64
	server *Server

	connMu sync.Mutex
	conn   net.Conn

	state State
	key   pool.Key
	mode  string

	backend        *pool.BackendConn
	inTransaction  bool
	pendingRelease bool

	lastActivity atomic.Int64 // unix nanos

	loginTimer *time.Timer
	loginFired atomic.Bool
}

func newSession(id uint64, conn net.Conn, s *Server) *Session {
	sess := &Session{
		id:     id,
		server: s,
		conn:   conn,
		state:  StateNew,
	}
	sess.touch()
	return sess
}

// sessionID returns the pool-facing session identity token.
func (s *Session) sessionID() string {
	return fmt.Sprintf("sess-%d", s.id)
}

func (s *Session) name() string {
	return s.sessionID()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleLongerThan(timeout time.Duration) bool {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) > timeout
}

// closeConn closes the client socket from any goroutine, unblocking the
// session's reads.
func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.Close()
}

func (s *Session) write(p []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	_, err := conn.Write(p)
	return err
}

// sendError emits a pooler-originated ErrorResponse to the client. Write
// errors are ignored: the session is being torn down anyway.
func (s *Session) sendError(message string) {
	s.write(wire.BuildError(message))
}

// run drives the session from accept to close.
func (s *Session) run(ctx context.Context) {
	defer s.closeConn()
	defer func() { s.state = StateClosed }()

	settings := s.server.settings.Load()
	s.mode = settings.PoolMode

	// Login deadline covers New and Authenticating.
	if settings.ClientLoginTimeout > 0 {
		s.loginTimer = time.AfterFunc(settings.ClientLoginTimeout, func() {
			s.loginFired.Store(true)
			s.sendError("Login timeout")
			s.closeConn()
		})
		defer s.loginTimer.Stop()
	}

	fr := newStartupReader(s.conn)
	if err := s.handleStartup(fr); err != nil {
		if s.loginFired.Load() {
			log.Printf("[proxy] %s: login timeout", s.name())
		} else if s.state != StateClosed {
			log.Printf("[proxy] %s: startup failed: %v", s.name(), err)
		}
		return
	}

	if err := s.authenticate(ctx); err != nil {
		log.Printf("[proxy] %s: auth failed: %v", s.name(), err)
		return
	}

	if s.loginTimer != nil {
		s.loginTimer.Stop()
	}
	s.state = StateActive
	s.touch()
	log.Printf("[proxy] %s: active (db=%s user=%s mode=%s)", s.name(), s.key.Database, s.key.User, s.mode)

	s.proxyLoop(ctx, fr)
}

// handleStartup reads SSLRequest/Startup frames, applies the client TLS
// policy and records the session's (database, user). On return the session
// is in Authenticating.
func (s *Session) handleStartup(fr *frameReader) error {
	for attempt := 0; attempt < maxSSLAttempts; attempt++ {
		msg, err := fr.next()
		if err != nil {
			return err
		}

		if msg.IsSSLRequest() {
			upgraded, err := s.negotiateClientTLS(fr)
			if err != nil {
				return err
			}
			if !upgraded {
				return fmt.Errorf("TLS disabled, client closed")
			}
			// Stay in New; the client re-sends its Startup over TLS.
			continue
		}

		// A plaintext Startup under a TLS-requiring policy is refused.
		if requiresTLS(s.server.clientTLSMode) && !s.isTLS() {
			s.sendError("Server requires TLS")
			return fmt.Errorf("plaintext startup with client_tls_mode=%s", s.server.clientTLSMode)
		}

		sp, err := wire.ParseStartup(msg.Payload)
		if err != nil {
			// Parse failure: close without a message.
			return err
		}
		if sp.User == "" {
			s.sendError("no user in startup packet")
			return fmt.Errorf("startup without user")
		}
		db := sp.Database
		if db == "" {
			// Same default the server applies.
			db = sp.User
		}
		s.key = pool.Key{Database: db, User: sp.User}
		s.state = StateAuthenticating
		return nil
	}
	return fmt.Errorf("too many SSL negotiation attempts")
}

func requiresTLS(mode string) bool {
	switch mode {
	case config.TLSRequire, config.TLSVerifyCA, config.TLSVerifyFull:
		return true
	}
	return false
}

// negotiateClientTLS answers an SSLRequest. Returns true when the socket
// was upgraded.
func (s *Session) negotiateClientTLS(fr *frameReader) (bool, error) {
	if s.server.clientTLS == nil {
		// client_tls_mode = disable: refuse and close.
		s.write([]byte{'N'})
		return false, nil
	}

	if err := s.write([]byte{'S'}); err != nil {
		return false, err
	}

	s.connMu.Lock()
	tlsConn := tls.Server(s.conn, s.server.clientTLS)
	s.conn = tlsConn
	s.connMu.Unlock()

	if err := tlsConn.Handshake(); err != nil {
		return false, fmt.Errorf("client TLS handshake: %w", err)
	}
	fr.setSource(tlsConn)
	return true, nil
}

func (s *Session) isTLS() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_, ok := s.conn.(*tls.Conn)
	return ok
}

// authenticate completes the client handshake. Session mode acquires its
// backend here; transaction and statement modes defer acquisition to the
// first query and answer with a synthetic handshake immediately.
func (s *Session) authenticate(ctx context.Context) error {
	if s.mode != config.ModeSession {
		return s.sendSyntheticAuth(nil)
	}

	b, err := s.acquireBackend(ctx)
	if err != nil {
		switch err {
		case pool.ErrExhausted:
			s.sendError("Connection pool exhausted")
		case pool.ErrClosed:
			s.sendError("Server shutting down")
		default:
			s.sendError(fmt.Sprintf("cannot connect to server: %s", err))
		}
		return err
	}
	s.backend = b
	return s.sendSyntheticAuth(b)
}

// sendSyntheticAuth emits AuthenticationOk, the backend's cached
// ParameterStatus values and BackendKeyData when a backend is held, then
// ReadyForQuery('I').
func (s *Session) sendSyntheticAuth(b *pool.BackendConn) error {
	var buf []byte
	buf = append(buf, wire.BuildAuthenticationOk()...)

	if b != nil {
		for key, val := range b.ServerParams() {
			var payload []byte
			payload = append(payload, key...)
			payload = append(payload, 0)
			payload = append(payload, val...)
			payload = append(payload, 0)
			buf = wire.Append(buf, wire.MsgParameterStatus, payload)
		}
		if b.BackendPID() != 0 {
			payload := make([]byte, 0, 8)
			payload = appendUint32(payload, b.BackendPID())
			payload = appendUint32(payload, b.BackendKey())
			buf = wire.Append(buf, wire.MsgBackendKeyData, payload)
		}
	}

	buf = append(buf, wire.BuildReadyForQuery(wire.TxnStatusIdle)...)
	return s.write(buf)
}

func appendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (s *Session) acquireBackend(ctx context.Context) (*pool.BackendConn, error) {
	start := time.Now()
	b, err := s.server.pool.Acquire(ctx, s.sessionID(), s.key)
	if err != nil {
		return nil, err
	}
	if s.server.metrics != nil {
		s.server.metrics.AcquireDuration(time.Since(start))
	}
	return b, nil
}
