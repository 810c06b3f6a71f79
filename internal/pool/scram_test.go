package pool

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgfunnel/pgfunnel/internal/wire"
)

// scramBackend simulates a PostgreSQL backend requiring SCRAM-SHA-256. It
// verifies the client proof against the known password and completes the
// startup on success.
func scramBackend(t *testing.T, conn net.Conn, password string) {
	t.Helper()
	defer conn.Close()

	fr := newFrameReader(conn)
	fr.dec = wire.NewStartupDecoder()
	if msg, err := fr.next(); err != nil || msg.Type != 0 {
		return
	}

	// AuthenticationSASL with the mechanism list.
	var saslPayload []byte
	saslPayload = append(saslPayload, 0, 0, 0, 10)
	saslPayload = append(saslPayload, "SCRAM-SHA-256"...)
	saslPayload = append(saslPayload, 0, 0)
	conn.Write(wire.Encode(wire.MsgAuthentication, saslPayload))

	// SASLInitialResponse: mechanism\0 + int32 length + client-first.
	msg, err := fr.next()
	if err != nil || msg.Type != 'p' {
		t.Errorf("expected SASLInitialResponse, got %v %v", msg, err)
		return
	}
	payload := msg.Payload
	mechEnd := strings.IndexByte(string(payload), 0)
	if string(payload[:mechEnd]) != "SCRAM-SHA-256" {
		t.Errorf("mechanism %q", payload[:mechEnd])
		return
	}
	clientFirstMsg := string(payload[mechEnd+5:])
	clientFirstBare := clientFirstMsg[3:] // strip "n,,"

	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	serverNonce := clientNonce + "srvnonce"
	salt := []byte("0123456789abcdef")
	iterations := 4096
	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)

	var contPayload []byte
	contPayload = append(contPayload, 0, 0, 0, 11)
	contPayload = append(contPayload, serverFirstMsg...)
	conn.Write(wire.Encode(wire.MsgAuthentication, contPayload))

	// SASLResponse with the client proof.
	msg, err = fr.next()
	if err != nil || msg.Type != 'p' {
		t.Errorf("expected SASLResponse, got %v %v", msg, err)
		return
	}
	clientFinal := string(msg.Payload)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	expectedProof := base64.StdEncoding.EncodeToString(xorBytes(clientKey, clientSignature))

	if !strings.Contains(clientFinal, "p="+expectedProof) {
		conn.Write(wire.BuildErrorFields("FATAL", "28P01", "password authentication failed"))
		return
	}

	// AuthenticationSASLFinal with the server signature, then OK.
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	var finalPayload []byte
	finalPayload = append(finalPayload, 0, 0, 0, 12)
	finalPayload = append(finalPayload, "v="+base64.StdEncoding.EncodeToString(serverSig)...)
	conn.Write(wire.Encode(wire.MsgAuthentication, finalPayload))

	var out []byte
	out = append(out, wire.BuildAuthenticationOk()...)
	out = append(out, wire.BuildReadyForQuery(wire.TxnStatusIdle)...)
	conn.Write(out)

	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func startSCRAMServer(t *testing.T, password string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go scramBackend(t, conn, password)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSCRAMExchange(t *testing.T) {
	port := startSCRAMServer(t, "tops3cret")
	c := &Connector{Host: "127.0.0.1", Port: port, Password: "tops3cret", ConnectTimeout: 2 * time.Second}

	b, err := c.Connect(context.Background(), 1, Key{Database: "app", User: "alice"})
	if err != nil {
		t.Fatalf("SCRAM connect: %v", err)
	}
	defer b.Close()
	if !b.Authenticated() {
		t.Error("backend not authenticated after SCRAM")
	}
}

func TestSCRAMWrongPassword(t *testing.T) {
	port := startSCRAMServer(t, "rightpassword")
	c := &Connector{Host: "127.0.0.1", Port: port, Password: "wrongpassword", ConnectTimeout: 2 * time.Second}

	_, err := c.Connect(context.Background(), 1, Key{Database: "app", User: "alice"})
	if err == nil {
		t.Fatal("expected auth failure with wrong password")
	}
}

func TestParseServerFirst(t *testing.T) {
	nonce, salt, iterations, err := parseServerFirst("r=abc123,s=c2FsdA==,i=4096")
	if err != nil {
		t.Fatal(err)
	}
	if nonce != "abc123" || string(salt) != "salt" || iterations != 4096 {
		t.Errorf("got nonce=%q salt=%q i=%d", nonce, salt, iterations)
	}

	if _, _, _, err := parseServerFirst("r=onlynonce"); err == nil {
		t.Error("incomplete message must fail")
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	if got := saslEscapeUsername("a=b,c"); got != "a=3Db=2Cc" {
		t.Errorf("escape: got %q", got)
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	mechs := parseSASLMechanisms([]byte("SCRAM-SHA-256\x00SCRAM-SHA-256-PLUS\x00\x00"))
	if len(mechs) != 2 || mechs[0] != "SCRAM-SHA-256" {
		t.Errorf("mechanisms: %v", mechs)
	}
	if !containsMechanism(mechs, "SCRAM-SHA-256") {
		t.Error("containsMechanism failed")
	}
}
