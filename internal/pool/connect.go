package pool

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pgfunnel/pgfunnel/internal/wire"
)

// Connector opens backend connections: TCP dial, optional TLS negotiation
// via SSLRequest, and the startup/authentication exchange. The whole
// sequence runs under one ConnectTimeout deadline.
type Connector struct {
	Host           string
	Port           int
	Password       string
	ConnectTimeout time.Duration

	// TLSMode is one of disable, allow, prefer, require, verify-ca,
	// verify-full.
	TLSMode  string
	KeyFile  string
	CertFile string
	CAFile   string
}

// Connect dials the server and returns an authenticated backend in
// ReadyForQuery state.
func (c *Connector) Connect(ctx context.Context, id uint64, key Key) (*BackendConn, error) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	var deadline time.Time
	if c.ConnectTimeout > 0 {
		deadline = time.Now().Add(c.ConnectTimeout)
	}
	dialer := net.Dialer{
		Deadline:  deadline,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	// One deadline covers the dial, TLS negotiation and the entire auth
	// exchange.
	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}

	negotiated, err := c.negotiateTLS(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn = negotiated

	b := NewBackendConn(id, key, conn)
	if err := c.authenticate(b, key); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	slog.Debug("backend ready", "id", id, "key", key.String(), "tls", c.TLSMode != "disable")
	return b, nil
}

// negotiateTLS runs the SSLRequest exchange per the configured mode and
// returns the (possibly upgraded) connection.
func (c *Connector) negotiateTLS(conn net.Conn) (net.Conn, error) {
	if c.TLSMode == "" || c.TLSMode == "disable" {
		return conn, nil
	}

	if _, err := conn.Write(wire.BuildSSLRequest()); err != nil {
		return nil, fmt.Errorf("sending SSLRequest: %w", err)
	}

	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, fmt.Errorf("reading SSLRequest reply: %w", err)
	}

	switch reply[0] {
	case 'S':
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("server TLS handshake: %w", err)
		}
		return tlsConn, nil
	case 'N':
		if c.TLSMode == "prefer" || c.TLSMode == "allow" {
			return conn, nil
		}
		return nil, fmt.Errorf("server refused TLS but %s mode requires it", c.TLSMode)
	default:
		return nil, fmt.Errorf("unexpected SSLRequest reply byte %q", reply[0])
	}
}

func (c *Connector) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch c.TLSMode {
	case "verify-full":
		cfg.ServerName = c.Host
		if err := c.loadRoots(cfg); err != nil {
			return nil, err
		}
	case "verify-ca":
		// Verify the chain against the CA but not the hostname.
		roots, err := c.rootPool()
		if err != nil {
			return nil, err
		}
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(rawCerts, roots)
		}
	default:
		// allow/prefer/require: encryption without certificate checks.
		cfg.InsecureSkipVerify = true
	}

	return cfg, nil
}

func (c *Connector) loadRoots(cfg *tls.Config) error {
	roots, err := c.rootPool()
	if err != nil {
		return err
	}
	cfg.RootCAs = roots
	return nil
}

func (c *Connector) rootPool() (*x509.CertPool, error) {
	if c.CAFile == "" {
		return nil, fmt.Errorf("%s mode requires a CA file", c.TLSMode)
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in CA file %s", c.CAFile)
	}
	return roots, nil
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parsing server certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	inter := x509.NewCertPool()
	for _, cert := range certs[1:] {
		inter.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter})
	return err
}

// authenticate sends the startup message and drives the exchange until the
// backend reaches ReadyForQuery. ParameterStatus and BackendKeyData frames
// are collected for the synthetic client handshake; other intervening
// frames are ignored.
func (c *Connector) authenticate(b *BackendConn, key Key) error {
	conn := b.Conn()

	startup := wire.BuildStartup(map[string]string{
		"user":     key.User,
		"database": key.Database,
	})
	if _, err := conn.Write(startup); err != nil {
		return fmt.Errorf("sending startup: %w", err)
	}

	fr := newFrameReader(conn)
	params := make(map[string]string)
	var backendPID, backendKey uint32
	authenticated := false

	for {
		msg, err := fr.next()
		if err != nil {
			return fmt.Errorf("reading auth exchange: %w", err)
		}

		switch msg.Type {
		case wire.MsgAuthentication:
			sub, err := wire.AuthType(msg.Payload)
			if err != nil {
				return err
			}
			switch sub {
			case wire.AuthOK:
				authenticated = true
			case wire.AuthCleartextPassword:
				if c.Password == "" {
					return fmt.Errorf("backend requires a password but none is configured")
				}
				if _, err := conn.Write(wire.BuildPasswordMessage(c.Password)); err != nil {
					return fmt.Errorf("sending password: %w", err)
				}
			case wire.AuthMD5Password:
				if c.Password == "" {
					return fmt.Errorf("backend requires a password but none is configured")
				}
				if len(msg.Payload) < 8 {
					return fmt.Errorf("MD5 challenge too short")
				}
				hashed := computeMD5Password(key.User, c.Password, msg.Payload[4:8])
				if _, err := conn.Write(wire.BuildPasswordMessage(hashed)); err != nil {
					return fmt.Errorf("sending MD5 password: %w", err)
				}
			case wire.AuthSASL:
				if c.Password == "" {
					return fmt.Errorf("backend requires a password but none is configured")
				}
				if err := scramSHA256Auth(conn, fr, key.User, c.Password, msg.Payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
				authenticated = true
			default:
				return fmt.Errorf("unsupported authentication method %d", sub)
			}

		case wire.MsgErrorResponse:
			ef := wire.ParseError(msg.Payload)
			return fmt.Errorf("backend error during auth: %s", ef.Message)

		case wire.MsgParameterStatus:
			if k, v, ok := splitPair(msg.Payload); ok {
				params[k] = v
			}

		case wire.MsgBackendKeyData:
			if len(msg.Payload) >= 8 {
				backendPID = binary.BigEndian.Uint32(msg.Payload[:4])
				backendKey = binary.BigEndian.Uint32(msg.Payload[4:8])
			}

		case wire.MsgReadyForQuery:
			if !authenticated {
				// ReadyForQuery before AuthenticationOk: keep reading.
				continue
			}
			b.SetAuthenticated(params, backendPID, backendKey)
			return nil

		default:
			// Unknown startup-phase frames are not acted on.
			continue
		}
	}
}

// splitPair splits a key\0value\0 payload.
func splitPair(data []byte) (string, string, bool) {
	for i := range data {
		if data[i] == 0 {
			rest := data[i+1:]
			for j := range rest {
				if rest[j] == 0 {
					return string(data[:i]), string(rest[:j]), true
				}
			}
			return string(data[:i]), string(rest), true
		}
	}
	return "", "", false
}

// computeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password + user) + salt)
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec // PG MD5 auth is MD5 by spec
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...)) //nolint:gosec
	return "md5" + hex.EncodeToString(h2[:])
}

// frameReader feeds a connection's bytes into a wire.Decoder and yields
// complete messages. The codec itself stays free of I/O.
type frameReader struct {
	r   io.Reader
	dec *wire.Decoder
	buf []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, dec: wire.NewDecoder(), buf: make([]byte, 4096)}
}

func (fr *frameReader) next() (*wire.Message, error) {
	for {
		msg, err := fr.dec.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		n, err := fr.r.Read(fr.buf)
		if n > 0 {
			fr.dec.Feed(fr.buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
