package proxy

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/pgfunnel/pgfunnel/internal/config"
	"github.com/pgfunnel/pgfunnel/internal/pool"
	"github.com/pgfunnel/pgfunnel/internal/wire"
)

// proxyLoop pipes frames between the client and its backend until the
// client terminates or a socket fails. The loop is sequential: one client
// frame is forwarded, then the backend is drained to ReadyForQuery when the
// frame elicits a response. The server→client bytes feed the codec so
// boundary detection can drive release timing; they are forwarded to the
// client unchanged regardless of the parse outcome.
func (s *Session) proxyLoop(ctx context.Context, fr *frameReader) {
	var backendReader *frameReader
	if s.backend != nil {
		backendReader = newFrameReader(s.backend.Conn())
	}
	var txnStart time.Time

	defer func() {
		// Cleanup path: runs on client disconnect, cancellation and
		// backend faults. Releases the held backend exactly once.
		if s.backend != nil {
			s.cleanupBackend()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := fr.next()
		if err != nil {
			// Client gone or unparseable input; close without a message.
			return
		}
		s.touch()

		if msg.Type == wire.MsgTerminate {
			if s.backend != nil {
				s.cleanupBackend()
			}
			return
		}

		// Lazy acquisition: transaction and statement modes hold no
		// backend between boundaries.
		if s.backend == nil {
			b, err := s.acquireBackend(ctx)
			if err == pool.ErrExhausted {
				// Keep the session alive; the client's next query
				// re-drives acquisition.
				s.write(wire.BuildError("No available connections"))
				s.write(wire.BuildReadyForQuery(wire.TxnStatusIdle))
				continue
			}
			if err != nil {
				s.sendError("Server connection error")
				return
			}
			s.backend = b
			backendReader = newFrameReader(b.Conn())
			txnStart = time.Now()
		}

		expectResponse := false
		switch msg.Type {
		case wire.MsgQuery:
			expectResponse = true
			if sql, err := wire.QueryString(msg.Payload); err == nil {
				s.noteQueryVerb(wire.QueryVerb(sql))
			}
		case wire.MsgSync:
			// Extended-protocol Sync elicits a ReadyForQuery too.
			expectResponse = true
		}

		if _, err := s.backend.Conn().Write(wire.Encode(msg.Type, msg.Payload)); err != nil {
			s.backendFault(err)
			return
		}

		if !expectResponse {
			continue
		}

		released, err := s.drainBackend(backendReader, txnStart)
		if err == errClientGone {
			// Deferred cleanup rolls back and re-pools the backend.
			return
		}
		if err != nil {
			s.backendFault(err)
			return
		}
		if released {
			s.backend = nil
			backendReader = nil
		}
	}
}

// noteQueryVerb updates the transaction bookkeeping from a client query's
// first token. Advisory: the server's ReadyForQuery remains authoritative.
func (s *Session) noteQueryVerb(verb wire.Verb) {
	switch verb {
	case wire.VerbBegin:
		s.inTransaction = true
	case wire.VerbCommit, wire.VerbRollback:
		s.pendingRelease = true
	}
}

// errClientGone signals that the client vanished mid-response. The backend
// was still drained to its ReadyForQuery so cleanup finds it quiesced.
var errClientGone = errors.New("proxy: client connection lost")

// drainBackend forwards backend frames to the client until ReadyForQuery,
// then applies the pool-mode release policy. Returns whether the backend
// was released.
func (s *Session) drainBackend(br *frameReader, txnStart time.Time) (bool, error) {
	clientGone := false
	for {
		msg, err := br.next()
		if err != nil {
			return false, err
		}

		if !clientGone {
			if err := s.write(wire.Encode(msg.Type, msg.Payload)); err != nil {
				// Keep consuming the backend's response so it is left at
				// a frame boundary for the cleanup path.
				clientGone = true
			}
		}

		if msg.Type != wire.MsgReadyForQuery {
			continue
		}
		if clientGone {
			return false, errClientGone
		}

		status, err := wire.ReadyStatus(msg.Payload)
		if err != nil {
			return false, err
		}
		return s.atBoundary(status, txnStart), nil
	}
}

// atBoundary applies the release policy when a ReadyForQuery is observed.
func (s *Session) atBoundary(status byte, txnStart time.Time) bool {
	switch s.mode {
	case config.ModeStatement:
		s.inTransaction = false
		s.pendingRelease = false
		s.server.pool.Release(s.backend, "")
		return true

	case config.ModeTransaction:
		// The client verb is intent; the server status confirms it. A
		// backend reporting in-transaction ('T') or failed ('E') is never
		// released regardless of bookkeeping.
		if status != wire.TxnStatusIdle {
			return false
		}
		if !s.pendingRelease && s.inTransaction {
			return false
		}
		if s.pendingRelease {
			s.inTransaction = false
		}
		s.pendingRelease = false
		if s.server.metrics != nil && !txnStart.IsZero() {
			s.server.metrics.TransactionCompleted(time.Since(txnStart))
		}
		s.server.pool.Release(s.backend, "")
		return true

	default:
		// Session mode holds its backend until the client goes away.
		return false
	}
}

// backendFault handles a backend socket error while the session holds it:
// the client gets one error, the backend is never re-pooled.
func (s *Session) backendFault(err error) {
	log.Printf("[proxy] %s: backend error: %v", s.name(), err)
	s.sendError("Server connection error")
	s.server.pool.Discard(s.backend)
	s.backend = nil
	if s.server.metrics != nil {
		s.server.metrics.BackendFault()
	}
}

// cleanupBackend releases the held backend when the client goes away:
// ROLLBACK any open transaction, then reset and re-pool.
func (s *Session) cleanupBackend() {
	if s.inTransaction || s.pendingRelease {
		if s.server.metrics != nil {
			s.server.metrics.DirtyDisconnect()
		}
		s.resetAndRelease(true)
		return
	}
	s.resetAndRelease(false)
}

// resetAndRelease quiesces the backend with DISCARD ALL (preceded by
// ROLLBACK when requested) and returns it to the pool. A backend that
// fails the reset is discarded, never re-pooled.
func (s *Session) resetAndRelease(rollback bool) {
	b := s.backend
	s.backend = nil
	s.inTransaction = false
	s.pendingRelease = false

	conn := b.Conn()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	br := newFrameReader(conn)

	if rollback {
		if !runQuery(conn, br, "ROLLBACK") {
			s.server.pool.Discard(b)
			return
		}
	}

	if !runQuery(conn, br, "DISCARD ALL") {
		s.server.pool.Discard(b)
		return
	}

	sessID := ""
	if s.mode == config.ModeSession {
		sessID = s.sessionID()
	}
	s.server.pool.Release(b, sessID)
}

// runQuery issues a simple query on the backend and drains to
// ReadyForQuery('I'). Returns false on any error or non-idle outcome.
func runQuery(conn net.Conn, br *frameReader, sql string) bool {
	if _, err := conn.Write(wire.BuildQuery(sql)); err != nil {
		return false
	}
	failed := false
	for {
		msg, err := br.next()
		if err != nil {
			return false
		}
		switch msg.Type {
		case wire.MsgReadyForQuery:
			status, err := wire.ReadyStatus(msg.Payload)
			return !failed && err == nil && status == wire.TxnStatusIdle
		case wire.MsgErrorResponse:
			failed = true
		}
	}
}
